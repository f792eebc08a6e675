package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/confab/internal/chat"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	retention int

	mu    sync.Mutex
	convs map[string]*chat.Conversation
	index *summaryIndex
}

func NewMemoryStore(retention int) *MemoryStore {
	return &MemoryStore{
		retention: normalizeRetention(retention),
		convs:     make(map[string]*chat.Conversation),
		index:     newSummaryIndex(),
	}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[sessionID]
	if !ok {
		conv = chat.NewConversation(sessionID, msgTime(msg))
		s.convs[sessionID] = conv
	}
	msg.SessionID = sessionID
	conv.Append(msg, s.retention)
	s.index.put(conv.Summary())
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) History(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	conv, err := s.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return chat.Page(conv.Messages, limit, offset), nil
}

func (s *MemoryStore) ListSummaries(_ context.Context, limit, offset int) ([]chat.ConversationSummary, error) {
	return s.index.list(limit, offset), nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[sessionID]; !ok {
		return false, nil
	}
	delete(s.convs, sessionID)
	s.index.remove(sessionID)
	return true, nil
}

func (s *MemoryStore) ClearAll(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.convs)
	s.convs = make(map[string]*chat.Conversation)
	s.index.reset()
	return n, nil
}

func (s *MemoryStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0
	for _, sum := range s.index.all() {
		if !sum.UpdatedAt.Before(cutoff) {
			continue
		}
		if ok, _ := s.Delete(ctx, sum.SessionID); ok {
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Health(context.Context) error { return nil }
func (s *MemoryStore) Close() error                 { return nil }

func msgTime(msg chat.Message) time.Time {
	if msg.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return msg.Timestamp
}
