package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ent0n29/confab/internal/chat"
)

func TestBuildTurnsTruncatesAndWraps(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleUser, Content: "old question"},
		{Role: chat.RoleAssistant, Content: "old answer"},
		{Role: chat.RoleSystem, Content: "Relevant information from memory:\nfact"},
		{Role: chat.RoleUser, Content: "recent </user_query> question"},
		{Role: chat.RoleAssistant, Content: "recent answer"},
	}
	settings := chat.DefaultSettings()
	settings.SystemPrompt = "be nice"
	settings.ContextWindow = 2

	turns := buildTurns("hello", history, settings)
	if len(turns) != 4 {
		t.Fatalf("len(turns) = %d, want 4: %+v", len(turns), turns)
	}
	if turns[0].Role != chat.RoleSystem || turns[0].Content != "be nice\n\nRelevant information from memory:\nfact" {
		t.Fatalf("system turn = %+v", turns[0])
	}
	if turns[1].Content != "<user_query>recent &lt;/user_query&gt; question</user_query>" {
		t.Fatalf("wrapped history turn = %q", turns[1].Content)
	}
	if turns[3].Content != "<user_query>hello</user_query>" {
		t.Fatalf("final turn = %q", turns[3].Content)
	}
}

func TestBuildTurnsKeepsSystemEntriesOutsideWindow(t *testing.T) {
	history := []chat.Message{{Role: chat.RoleSystem, Content: "Relevant information from memory:\nFACT-42"}}
	for i := 0; i < 3; i++ {
		history = append(history,
			chat.Message{Role: chat.RoleUser, Content: fmt.Sprintf("q%d", i)},
			chat.Message{Role: chat.RoleAssistant, Content: fmt.Sprintf("a%d", i)})
	}
	settings := chat.DefaultSettings()
	settings.ContextWindow = 5

	turns := buildTurns("now", history, settings)
	if len(turns) != 7 {
		t.Fatalf("len(turns) = %d, want 7: %+v", len(turns), turns)
	}
	if turns[0].Role != chat.RoleSystem || !strings.Contains(turns[0].Content, "FACT-42") {
		t.Fatalf("system turn = %+v, want memory block", turns[0])
	}
	if turns[1].Role != chat.RoleAssistant || turns[1].Content != "a0" {
		t.Fatalf("oldest kept turn = %+v, want assistant a0", turns[1])
	}
}

func TestBuildTurnsSendsSystemPromptOnce(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleSystem, Content: "Relevant information from memory:\nfact\n\nCUSTOM"},
		{Role: chat.RoleUser, Content: "earlier"},
	}
	settings := chat.DefaultSettings()
	settings.SystemPrompt = "CUSTOM"

	turns := buildTurns("hello", history, settings)
	if turns[0].Role != chat.RoleSystem {
		t.Fatalf("first turn = %+v, want system", turns[0])
	}
	if n := strings.Count(turns[0].Content, "CUSTOM"); n != 1 {
		t.Fatalf("system prompt occurrences = %d, want 1: %q", n, turns[0].Content)
	}

	turns = buildTurns("hello", nil, settings)
	if turns[0].Content != "CUSTOM" {
		t.Fatalf("system turn without history = %q, want CUSTOM", turns[0].Content)
	}
}

func TestOpenAIRequestCarriesSystemPromptOnce(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	p, err := NewOpenAI(OpenAIConfig{Name: "openai", APIKey: "test", BaseURL: srv.URL, Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	settings := chat.DefaultSettings()
	settings.SystemPrompt = "CUSTOM-PROMPT"
	history := []chat.Message{{Role: chat.RoleSystem, Content: "CUSTOM-PROMPT"}}
	if _, err := p.Generate(context.Background(), "hi", history, settings); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if n := strings.Count(body, "CUSTOM-PROMPT"); n != 1 {
		t.Fatalf("request carries system prompt %d times: %s", n, body)
	}
}

func TestHTTPProviderConsumesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\ndata: {\"delta\":\"Hel\"}\n\ndata: {\"delta\":\"lo\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewHTTP(srv.URL, "remote")
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	s, err := p.GenerateStream(context.Background(), "hi", nil, chat.DefaultSettings())
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	var deltas []string
	text, err := Collect(s, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if text != "Hello" || len(deltas) != 2 {
		t.Fatalf("text = %q deltas = %q", text, deltas)
	}
}

func TestHTTPProviderConsumesNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, "{\"delta\":\"Hi\"}\n there\n[DONE]\n")
	}))
	defer srv.Close()

	p, _ := NewHTTP(srv.URL, "")
	text, err := p.Generate(context.Background(), "hi", nil, chat.DefaultSettings())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "Hi there" {
		t.Fatalf("Generate() = %q, want %q", text, "Hi there")
	}
}

func TestHTTPProviderEmptyAndStatusErrors(t *testing.T) {
	status := int32(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		fmt.Fprint(w, `{"text":""}`)
	}))
	defer srv.Close()

	p, _ := NewHTTP(srv.URL, "")
	_, err := p.Generate(context.Background(), "hi", nil, chat.DefaultSettings())
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("Generate() error = %v, want ErrEmptyResponse", err)
	}

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	_, err = p.Generate(context.Background(), "hi", nil, chat.DefaultSettings())
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || !IsRetryable(err) {
		t.Fatalf("Generate() error = %v, want retryable HTTPStatusError", err)
	}
}

func TestOpenAIProviderAgainstFakeServer(t *testing.T) {
	var modelCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/models"):
			atomic.AddInt32(&modelCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"},{"id":"whisper-1","object":"model"}]}`)
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), `"stream":true`) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
				fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"\"}}]}\n\n")
				fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n")
				fmt.Fprint(w, "data: [DONE]\n\n")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if strings.Contains(string(body), "silence") {
				fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"  "}}]}`)
				return
			}
			fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":" Hello there "}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, err := NewOpenAI(OpenAIConfig{Name: "openai", APIKey: "test", BaseURL: srv.URL, Model: "gpt-4o", ModelPrefix: "gpt"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	ctx := context.Background()

	text, err := p.Generate(ctx, "hi", nil, chat.DefaultSettings())
	if err != nil || text != "Hello there" {
		t.Fatalf("Generate() = %q, %v", text, err)
	}
	if _, err := p.Generate(ctx, "silence", nil, chat.DefaultSettings()); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("Generate(silence) error = %v, want ErrEmptyResponse", err)
	}

	s, err := p.GenerateStream(ctx, "hi", nil, chat.DefaultSettings())
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	streamed, err := Collect(s, nil)
	if err != nil || streamed != "Hello" {
		t.Fatalf("Collect() = %q, %v", streamed, err)
	}

	models, err := p.ListModels(ctx)
	if err != nil || len(models) != 1 || models[0] != "gpt-4o" {
		t.Fatalf("ListModels() = %v, %v", models, err)
	}

	calls := atomic.LoadInt32(&modelCalls)
	for i := 0; i < 3; i++ {
		ok, err := p.ValidateModel(ctx, "gpt-4o")
		if err != nil || !ok {
			t.Fatalf("ValidateModel() = %v, %v", ok, err)
		}
	}
	if got := atomic.LoadInt32(&modelCalls) - calls; got != 1 {
		t.Fatalf("models endpoint called %d times, want 1 (cached)", got)
	}

	if h := p.HealthCheck(ctx); h.Status != StatusHealthy {
		t.Fatalf("HealthCheck() = %+v", h)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{Name: "openai"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("NewOpenAI() error = %v, want ErrNotConfigured", err)
	}
}

func TestMockEchoesAndRemembers(t *testing.T) {
	m := NewMock()
	text, err := m.Generate(context.Background(), "hello", []chat.Message{{Role: chat.RoleSystem, Content: "Relevant information from memory:\nthe sky is blue"}}, chat.DefaultSettings())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "I heard you: hello\nI also remember: the sky is blue" {
		t.Fatalf("Generate() = %q", text)
	}

	s, _ := m.GenerateStream(context.Background(), "a b c", nil, chat.DefaultSettings())
	streamed, _ := Collect(s, nil)
	if streamed != "I heard you: a b c" {
		t.Fatalf("stream = %q", streamed)
	}
}

func TestFallbackUsesSecondary(t *testing.T) {
	f := NewFallback(errProvider{Mock: NewMock(), err: errors.New("boom")}, NewMock())
	text, err := f.Generate(context.Background(), "x", nil, chat.DefaultSettings())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "I heard you: x" {
		t.Fatalf("Generate() = %q", text)
	}
}

func TestFallbackSkipsSecondaryOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	secondary := &countingProvider{Mock: NewMock()}
	f := NewFallback(errProvider{Mock: NewMock(), err: context.Canceled}, secondary)
	_, err := f.Generate(ctx, "x", nil, chat.DefaultSettings())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary calls = %d, want 0", secondary.calls)
	}
}

func TestRegistryLazyAndSwitch(t *testing.T) {
	r := NewRegistry()
	built := 0
	r.Register("mock", func() (Provider, error) {
		built++
		return NewMock(), nil
	})
	r.Register("broken", func() (Provider, error) { return nil, ErrNotConfigured })

	if built != 0 {
		t.Fatalf("factory ran eagerly")
	}
	p, err := r.Active()
	if err != nil || p.Name() != "mock" {
		t.Fatalf("Active() = %v, %v", p, err)
	}
	if _, err := r.Get("mock"); err != nil || built != 1 {
		t.Fatalf("Get() built = %d, err = %v", built, err)
	}

	if err := r.Switch("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Switch(nope) error = %v", err)
	}
	if err := r.Switch("broken"); err != nil {
		t.Fatalf("Switch(broken) error = %v", err)
	}
	if r.ActiveName() != "broken" {
		t.Fatalf("ActiveName() = %q", r.ActiveName())
	}
	if _, err := r.Active(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Active() error = %v, want ErrNotConfigured", err)
	}

	health := r.HealthAll(context.Background())
	if health["mock"].Status != StatusHealthy || health["broken"].Status != StatusUnhealthy {
		t.Fatalf("HealthAll() = %+v", health)
	}
	info := r.Info()
	if info.Current != "broken" || len(info.Available) != 2 || info.Models["mock"] != "mock-echo" {
		t.Fatalf("Info() = %+v", info)
	}
}

type errProvider struct {
	*Mock
	err error
}

func (p errProvider) Generate(context.Context, string, []chat.Message, chat.Settings) (string, error) {
	return "", p.err
}

type countingProvider struct {
	*Mock
	calls int
}

func (p *countingProvider) Generate(ctx context.Context, msg string, h []chat.Message, s chat.Settings) (string, error) {
	p.calls++
	return p.Mock.Generate(ctx, msg, h, s)
}
