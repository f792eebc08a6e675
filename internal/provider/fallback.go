package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/confab/internal/chat"
)

// Fallback tries a primary provider first and uses the secondary on error.
// Cancellation of the caller's context is never retried.
type Fallback struct {
	primary   Provider
	secondary Provider
}

func NewFallback(primary, secondary Provider) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Primary() Provider   { return f.primary }
func (f *Fallback) Secondary() Provider { return f.secondary }

func (f *Fallback) Name() string { return f.primary.Name() }

func (f *Fallback) DefaultModel() string {
	if m, ok := f.primary.(modeler); ok {
		return m.DefaultModel()
	}
	return ""
}

func shouldFallBack(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (f *Fallback) Generate(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (string, error) {
	text, err := f.primary.Generate(ctx, message, history, settings)
	if !shouldFallBack(ctx, err) || f.secondary == nil {
		return text, err
	}
	// The secondary has its own default model.
	settings.Model = ""
	fbText, fbErr := f.secondary.Generate(ctx, message, history, settings)
	if fbErr != nil {
		return "", fmt.Errorf("primary provider error: %w; fallback provider error: %v", err, fbErr)
	}
	return fbText, nil
}

func (f *Fallback) GenerateStream(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (Stream, error) {
	s, err := f.primary.GenerateStream(ctx, message, history, settings)
	if !shouldFallBack(ctx, err) || f.secondary == nil {
		return s, err
	}
	settings.Model = ""
	fb, fbErr := f.secondary.GenerateStream(ctx, message, history, settings)
	if fbErr != nil {
		return nil, fmt.Errorf("primary provider error: %w; fallback provider error: %v", err, fbErr)
	}
	return fb, nil
}

func (f *Fallback) ValidateModel(ctx context.Context, name string) (bool, error) {
	return f.primary.ValidateModel(ctx, name)
}

func (f *Fallback) ListModels(ctx context.Context) ([]string, error) {
	return f.primary.ListModels(ctx)
}

func (f *Fallback) HealthCheck(ctx context.Context) Health {
	h := f.primary.HealthCheck(ctx)
	if h.Status != StatusHealthy && f.secondary != nil {
		if f.secondary.HealthCheck(ctx).Status == StatusHealthy {
			h.Status = StatusDegraded
		}
	}
	return h
}
