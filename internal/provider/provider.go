// Package provider abstracts the language-model backends that turn a user
// message plus history into an assistant reply.
package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ent0n29/confab/internal/chat"
)

var (
	// ErrEmptyResponse is returned when a backend answered without any text.
	ErrEmptyResponse   = errors.New("provider returned an empty response")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotConfigured   = errors.New("provider is not configured")
)

// Provider generates assistant replies.
type Provider interface {
	Name() string
	Generate(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (string, error)
	GenerateStream(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (Stream, error)
	ValidateModel(ctx context.Context, name string) (bool, error)
	ListModels(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) Health
}

// Stream yields non-empty text deltas. Recv returns io.EOF once the reply is
// complete. A stream belongs to a single call and must be closed.
type Stream interface {
	Recv() (string, error)
	Close() error
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

type Health struct {
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	Model     string    `json:"model,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// modeler is implemented by providers that know their default model.
type modeler interface {
	DefaultModel() string
}

// Collect drains s and returns the concatenated text.
func Collect(s Stream, onDelta func(string) error) (string, error) {
	defer s.Close()
	var out []byte
	for {
		delta, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return string(out), nil
			}
			return string(out), err
		}
		out = append(out, delta...)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return string(out), err
			}
		}
	}
}

func healthFrom(name, model string, started time.Time, err error) Health {
	h := Health{
		Provider:  name,
		Status:    StatusHealthy,
		Model:     model,
		LatencyMS: time.Since(started).Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
	}
	return h
}
