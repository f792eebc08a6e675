package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/confab/internal/chat"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	// ModelPrefix filters ListModels results, e.g. "gpt".
	ModelPrefix string
	// StaticModels is returned when the models endpoint is unreachable.
	StaticModels []string
}

// OpenAI talks to any endpoint that speaks the OpenAI chat completions API.
type OpenAI struct {
	name         string
	model        string
	modelPrefix  string
	staticModels []string
	client       *openai.Client

	mu     sync.Mutex
	models map[string]bool
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: %w: api key is empty", cfg.Name, ErrNotConfigured)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAI{
		name:         name,
		model:        cfg.Model,
		modelPrefix:  cfg.ModelPrefix,
		staticModels: cfg.StaticModels,
		client:       openai.NewClientWithConfig(clientCfg),
		models:       make(map[string]bool),
	}, nil
}

// NewGemini targets Gemini through its OpenAI-compatible endpoint.
func NewGemini(apiKey, baseURL, model string) (*OpenAI, error) {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return NewOpenAI(OpenAIConfig{
		Name:         "gemini",
		APIKey:       apiKey,
		BaseURL:      baseURL,
		Model:        model,
		ModelPrefix:  "gemini",
		StaticModels: []string{"gemini-1.5-flash", "gemini-1.5-pro"},
	})
}

func (p *OpenAI) Name() string         { return p.name }
func (p *OpenAI) DefaultModel() string { return p.model }

func (p *OpenAI) request(message string, history []chat.Message, settings chat.Settings) openai.ChatCompletionRequest {
	turns := buildTurns(message, history, settings)
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content})
	}
	return openai.ChatCompletionRequest{
		Model:            modelOrDefault(settings, p.model),
		Messages:         msgs,
		Temperature:      float32(settings.Temperature),
		MaxTokens:        settings.MaxTokens,
		TopP:             float32(settings.TopP),
		FrequencyPenalty: float32(settings.FrequencyPenalty),
		PresencePenalty:  float32(settings.PresencePenalty),
	}
}

func (p *OpenAI) Generate(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(message, history, settings))
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (p *OpenAI) GenerateStream(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (Stream, error) {
	req := p.request(message, history, settings)
	req.Stream = true
	s, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion stream: %w", p.name, err)
	}
	return &openAIStream{name: p.name, stream: s}, nil
}

type openAIStream struct {
	name   string
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("%s stream recv: %w", s.name, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error { return s.stream.Close() }

// ValidateModel checks name against the backend's model list. Definitive
// answers are cached for the life of the process.
func (p *OpenAI) ValidateModel(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	ok, cached := p.models[name]
	p.mu.Unlock()
	if cached {
		return ok, nil
	}

	list, err := p.client.ListModels(ctx)
	if err != nil {
		return false, fmt.Errorf("%s list models: %w", p.name, err)
	}
	found := false
	for _, m := range list.Models {
		if strings.TrimPrefix(m.ID, "models/") == name {
			found = true
			break
		}
	}
	p.mu.Lock()
	p.models[name] = found
	p.mu.Unlock()
	return found, nil
}

// ListModels returns the backend's models matching the configured prefix,
// or the static list when the backend cannot be reached.
func (p *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return append([]string(nil), p.staticModels...), nil
	}
	out := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		id := strings.TrimPrefix(m.ID, "models/")
		if p.modelPrefix == "" || strings.Contains(id, p.modelPrefix) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *OpenAI) HealthCheck(ctx context.Context) Health {
	started := time.Now()
	_, err := p.client.ListModels(ctx)
	return healthFrom(p.name, p.model, started, err)
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
