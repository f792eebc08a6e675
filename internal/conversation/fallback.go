package conversation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/chat"
)

// FallbackStore wraps a network backend and replays any failed operation on
// a local store. ErrNotFound is an answer, not a failure, and is returned
// as is.
type FallbackStore struct {
	primary    Store
	local      Store
	logger     *zap.Logger
	onFallback func(op string)
}

func NewFallbackStore(primary, local Store, logger *zap.Logger, onFallback func(op string)) *FallbackStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackStore{primary: primary, local: local, logger: logger, onFallback: onFallback}
}

func (s *FallbackStore) degraded(op string, err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	s.logger.Warn("storage backend failed, using local fallback", zap.String("op", op), zap.Error(err))
	if s.onFallback != nil {
		s.onFallback(op)
	}
	return true
}

func (s *FallbackStore) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	err := s.primary.Append(ctx, sessionID, msg)
	if s.degraded("append", err) {
		return s.local.Append(ctx, sessionID, msg)
	}
	return err
}

func (s *FallbackStore) Load(ctx context.Context, sessionID string) (*chat.Conversation, error) {
	conv, err := s.primary.Load(ctx, sessionID)
	if s.degraded("load", err) {
		return s.local.Load(ctx, sessionID)
	}
	return conv, err
}

func (s *FallbackStore) History(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	msgs, err := s.primary.History(ctx, sessionID, limit, offset)
	if s.degraded("history", err) {
		return s.local.History(ctx, sessionID, limit, offset)
	}
	return msgs, err
}

func (s *FallbackStore) ListSummaries(ctx context.Context, limit, offset int) ([]chat.ConversationSummary, error) {
	out, err := s.primary.ListSummaries(ctx, limit, offset)
	if s.degraded("list_summaries", err) {
		return s.local.ListSummaries(ctx, limit, offset)
	}
	return out, err
}

func (s *FallbackStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.primary.Delete(ctx, sessionID)
	if s.degraded("delete", err) {
		return s.local.Delete(ctx, sessionID)
	}
	return ok, err
}

func (s *FallbackStore) ClearAll(ctx context.Context) (int, error) {
	n, err := s.primary.ClearAll(ctx)
	if s.degraded("clear_all", err) {
		return s.local.ClearAll(ctx)
	}
	return n, err
}

func (s *FallbackStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := s.primary.CleanupOlderThan(ctx, maxAge)
	if s.degraded("cleanup", err) {
		return s.local.CleanupOlderThan(ctx, maxAge)
	}
	return n, err
}

// Health reports the primary's state; a healthy local store keeps the
// service usable, so only a double failure is returned.
func (s *FallbackStore) Health(ctx context.Context) error {
	err := s.primary.Health(ctx)
	if err == nil {
		return nil
	}
	if localErr := s.local.Health(ctx); localErr != nil {
		return errors.Join(err, localErr)
	}
	return nil
}

// PrimaryHealth exposes the wrapped backend's state for detailed health.
func (s *FallbackStore) PrimaryHealth(ctx context.Context) error {
	return s.primary.Health(ctx)
}

func (s *FallbackStore) Close() error {
	return errors.Join(s.primary.Close(), s.local.Close())
}
