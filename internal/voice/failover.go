package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Failover prefers primary and switches to fallback when primary fails.
// Once on fallback it stays there until fallback fails, then primary is retried.
type Failover struct {
	primary  Transcriber
	fallback Transcriber
	state    failoverState
}

func NewFailover(primary, fallback Transcriber) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

func (f *Failover) Name() string {
	if f.state.isFallbackActive() {
		return f.fallback.Name()
	}
	return f.primary.Name()
}

func (f *Failover) Transcribe(ctx context.Context, in Input) (Transcription, error) {
	if f.state.isFallbackActive() {
		t, fbErr := f.fallback.Transcribe(ctx, in)
		if fbErr == nil {
			return t, nil
		}
		t, prErr := f.primary.Transcribe(ctx, in)
		if prErr == nil {
			f.state.deactivateFallback()
			return t, nil
		}
		return Transcription{}, fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	t, prErr := f.primary.Transcribe(ctx, in)
	if prErr == nil || errors.Is(prErr, ErrEmptyTranscription) || ctx.Err() != nil {
		return t, prErr
	}
	t, fbErr := f.fallback.Transcribe(ctx, in)
	if fbErr != nil {
		return Transcription{}, fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	f.state.activateFallback()
	return t, nil
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback() {
	s.fallbackActive.Store(true)
}

func (s *failoverState) deactivateFallback() {
	s.fallbackActive.Store(false)
}

func (s *failoverState) isFallbackActive() bool {
	return s.fallbackActive.Load()
}
