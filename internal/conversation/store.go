// Package conversation persists per-session message logs behind pluggable
// backends.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/confab/internal/chat"
)

var (
	ErrNotFound          = errors.New("conversation not found")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// DefaultRetention is the number of messages kept per session.
const DefaultRetention = 50

// Store is an append-only message log per session. Appends for one session
// are serialised and keep the newest Retention messages; appends for
// different sessions are independent.
type Store interface {
	Append(ctx context.Context, sessionID string, msg chat.Message) error
	// Load returns ErrNotFound when the session has no log.
	Load(ctx context.Context, sessionID string) (*chat.Conversation, error)
	// History pages from the newest end: offset skips that many newest
	// messages. A missing session yields an empty slice.
	History(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error)
	// ListSummaries is ordered by UpdatedAt, newest first.
	ListSummaries(ctx context.Context, limit, offset int) ([]chat.ConversationSummary, error)
	Delete(ctx context.Context, sessionID string) (bool, error)
	ClearAll(ctx context.Context) (int, error)
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
	Health(ctx context.Context) error
	Close() error
}

func normalizeRetention(n int) int {
	if n <= 0 {
		return DefaultRetention
	}
	return n
}
