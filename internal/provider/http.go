package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/confab/internal/chat"
	"github.com/ent0n29/confab/internal/reliability"
)

// HTTPStatusError reports a non-2xx answer from an HTTP backend.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("provider http status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// HTTP forwards requests to a generic JSON endpoint. The endpoint may answer
// with a single JSON object, plain text, server-sent events or NDJSON.
type HTTP struct {
	name   string
	url    string
	model  string
	client *http.Client
}

type httpRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []turn        `json:"messages"`
	Settings chat.Settings `json:"settings"`
	Stream   bool          `json:"stream"`
}

func NewHTTP(url, model string) (*HTTP, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("http: %w: url is empty", ErrNotConfigured)
	}
	return &HTTP{
		name:  "http",
		url:   url,
		model: model,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

func (p *HTTP) Name() string         { return p.name }
func (p *HTTP) DefaultModel() string { return p.model }

func (p *HTTP) do(ctx context.Context, message string, history []chat.Message, settings chat.Settings, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(httpRequest{
		Model:    modelOrDefault(settings, p.model),
		Messages: buildTurns(message, history, settings),
		Settings: settings,
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	}

	res, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}

func (p *HTTP) Generate(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (string, error) {
	s, err := p.GenerateStream(ctx, message, history, settings)
	if err != nil {
		return "", err
	}
	text, err := Collect(s, nil)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (p *HTTP) GenerateStream(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (Stream, error) {
	res, err := p.do(ctx, message, history, settings, true)
	if err != nil {
		return nil, err
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		return &lineStream{body: res.Body, scanner: scanner}, nil
	}

	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return &sliceStream{deltas: []string{strings.TrimSpace(string(body))}}, nil
	}
	return &sliceStream{deltas: []string{extractText(obj)}}, nil
}

// lineStream reads SSE "data:" lines or NDJSON records one delta at a time.
type lineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *lineStream) Recv() (string, error) {
	for s.scanner.Scan() {
		raw := strings.TrimRight(s.scanner.Text(), "\r")
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			raw = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			line = strings.TrimSpace(raw)
		}
		if line == "[DONE]" {
			return "", io.EOF
		}

		delta := raw
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		if delta != "" {
			return delta, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return "", io.EOF
}

func (s *lineStream) Close() error { return s.body.Close() }

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "content", "output", "message", "response"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func (p *HTTP) ValidateModel(context.Context, string) (bool, error) { return true, nil }

func (p *HTTP) ListModels(context.Context) ([]string, error) {
	if p.model == "" {
		return []string{}, nil
	}
	return []string{p.model}, nil
}

func (p *HTTP) HealthCheck(ctx context.Context) Health {
	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		var res *http.Response
		res, err = p.client.Do(req)
		if err == nil {
			res.Body.Close()
			if res.StatusCode >= 500 {
				err = &HTTPStatusError{StatusCode: res.StatusCode}
			}
		}
	}
	return healthFrom(p.name, p.model, started, err)
}
