package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/chat"
)

const testRetention = 5

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	out := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore(testRetention) },
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir(), testRetention, zap.NewNop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "conv.db"), testRetention)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), url, testRetention)
			require.NoError(t, err)
			_, err = s.ClearAll(context.Background())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return out
}

func msg(t *testing.T, sessionID string, role chat.Role, content string, at time.Time) chat.Message {
	t.Helper()
	m, err := chat.NewMessage(sessionID, role, content)
	require.NoError(t, err)
	m.Timestamp = at
	return m
}

func TestStoreContract(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("append then load", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				sid := uuid.NewString()
				now := time.Now().UTC().Truncate(time.Microsecond)

				require.NoError(t, s.Append(ctx, sid, msg(t, sid, chat.RoleUser, "Hello", now)))
				require.NoError(t, s.Append(ctx, sid, msg(t, sid, chat.RoleAssistant, "Hi there", now.Add(time.Second))))

				conv, err := s.Load(ctx, sid)
				require.NoError(t, err)
				require.Equal(t, 2, conv.MessageCount())
				require.Equal(t, chat.RoleUser, conv.Messages[0].Role)
				require.Equal(t, "Hi there", conv.Messages[1].Content)
				require.True(t, conv.UpdatedAt.Equal(now.Add(time.Second)), "updated_at = %v", conv.UpdatedAt)
			})

			t.Run("missing session", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				_, err := s.Load(ctx, "nope")
				require.True(t, errors.Is(err, ErrNotFound))

				hist, err := s.History(ctx, "nope", 10, 0)
				require.NoError(t, err)
				require.Empty(t, hist)

				found, err := s.Delete(ctx, "nope")
				require.NoError(t, err)
				require.False(t, found)
			})

			t.Run("retention keeps newest", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				sid := uuid.NewString()
				base := time.Now().UTC()
				for i := 0; i < testRetention+3; i++ {
					require.NoError(t, s.Append(ctx, sid, msg(t, sid, chat.RoleUser, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Millisecond))))
				}
				conv, err := s.Load(ctx, sid)
				require.NoError(t, err)
				require.Equal(t, testRetention, conv.MessageCount())
				require.Equal(t, "m3", conv.Messages[0].Content)
				require.Equal(t, fmt.Sprintf("m%d", testRetention+2), conv.Messages[testRetention-1].Content)

				sums, err := s.ListSummaries(ctx, 10, 0)
				require.NoError(t, err)
				require.Len(t, sums, 1)
				require.Equal(t, testRetention, sums[0].MessageCount)
				require.Equal(t, "m7", sums[0].LastMessagePreview)
			})

			t.Run("summaries ordered by updated_at", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				base := time.Now().UTC()
				ids := []string{"a-" + uuid.NewString(), "b-" + uuid.NewString(), "c-" + uuid.NewString()}
				for i, sid := range ids {
					require.NoError(t, s.Append(ctx, sid, msg(t, sid, chat.RoleUser, "x", base.Add(time.Duration(i)*time.Second))))
				}
				// Touch the oldest so it becomes newest.
				require.NoError(t, s.Append(ctx, ids[0], msg(t, ids[0], chat.RoleUser, "y", base.Add(10*time.Second))))

				sums, err := s.ListSummaries(ctx, 2, 0)
				require.NoError(t, err)
				require.Len(t, sums, 2)
				require.Equal(t, ids[0], sums[0].SessionID)
				require.Equal(t, ids[2], sums[1].SessionID)

				rest, err := s.ListSummaries(ctx, 2, 2)
				require.NoError(t, err)
				require.Len(t, rest, 1)
				require.Equal(t, ids[1], rest[0].SessionID)
			})

			t.Run("delete clear cleanup", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				old := time.Now().UTC().Add(-72 * time.Hour)
				fresh := time.Now().UTC()
				require.NoError(t, s.Append(ctx, "old", msg(t, "old", chat.RoleUser, "x", old)))
				require.NoError(t, s.Append(ctx, "fresh", msg(t, "fresh", chat.RoleUser, "x", fresh)))
				require.NoError(t, s.Append(ctx, "gone", msg(t, "gone", chat.RoleUser, "x", fresh)))

				found, err := s.Delete(ctx, "gone")
				require.NoError(t, err)
				require.True(t, found)
				found, err = s.Delete(ctx, "gone")
				require.NoError(t, err)
				require.False(t, found)

				n, err := s.CleanupOlderThan(ctx, 24*time.Hour)
				require.NoError(t, err)
				require.Equal(t, 1, n)
				_, err = s.Load(ctx, "old")
				require.True(t, errors.Is(err, ErrNotFound))

				n, err = s.ClearAll(ctx)
				require.NoError(t, err)
				require.Equal(t, 1, n)
				sums, err := s.ListSummaries(ctx, 10, 0)
				require.NoError(t, err)
				require.Empty(t, sums)
			})

			t.Run("concurrent appends to one session", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				sid := uuid.NewString()
				const n = testRetention
				var wg sync.WaitGroup
				errs := make(chan error, n)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						errs <- s.Append(ctx, sid, msg(t, sid, chat.RoleUser, fmt.Sprintf("c%d", i), time.Now().UTC()))
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}
				conv, err := s.Load(ctx, sid)
				require.NoError(t, err)
				require.Equal(t, n, conv.MessageCount())
				seen := map[string]bool{}
				for _, m := range conv.Messages {
					seen[m.Content] = true
				}
				require.Len(t, seen, n)
			})

			t.Run("pagination covers log", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				sid := uuid.NewString()
				base := time.Now().UTC()
				for i := 0; i < testRetention; i++ {
					require.NoError(t, s.Append(ctx, sid, msg(t, sid, chat.RoleUser, fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Millisecond))))
				}
				svc := NewService(s)
				var collected []string
				for page := 1; ; page++ {
					hp, err := svc.Page(ctx, sid, page, 2)
					require.NoError(t, err)
					require.Equal(t, testRetention, hp.TotalMessages)
					// Newer pages come first; prepend to rebuild chronological order.
					chunk := make([]string, 0, len(hp.Messages))
					for _, m := range hp.Messages {
						chunk = append(chunk, m.Content)
					}
					collected = append(chunk, collected...)
					if !hp.HasMore {
						break
					}
					require.Less(t, page, 10)
				}
				require.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, collected)

				empty, err := svc.Page(ctx, uuid.NewString(), 1, 2)
				require.NoError(t, err)
				require.Zero(t, empty.TotalMessages)
				require.False(t, empty.HasMore)
			})
		})
	}
}

func TestServiceExport(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(10))
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, svc.Append(ctx, "s1", msg(t, "s1", chat.RoleUser, "Hello", at)))
	require.NoError(t, svc.Append(ctx, "s1", msg(t, "s1", chat.RoleAssistant, "Hi", at.Add(time.Second))))

	body, f, err := svc.Export(ctx, "s1", "json")
	require.NoError(t, err)
	require.Equal(t, "application/json", f.ContentType)
	var round chat.Conversation
	require.NoError(t, json.Unmarshal(body, &round))
	require.Equal(t, "s1", round.SessionID)
	require.Len(t, round.Messages, 2)

	body, _, err = svc.Export(ctx, "s1", "text")
	require.NoError(t, err)
	require.Contains(t, string(body), "Conversation: s1\nCreated: 2026-03-04 05:06:07\nMessages: 2\n")
	require.Contains(t, string(body), "[2026-03-04 05:06:07] USER: Hello")
	require.Contains(t, string(body), "[2026-03-04 05:06:08] ASSISTANT: Hi")

	body, f, err = svc.Export(ctx, "s1", "markdown")
	require.NoError(t, err)
	require.Equal(t, "md", f.Extension)
	require.Contains(t, string(body), "# Conversation s1")
	require.Contains(t, string(body), "## 🤖 Assistant - 2026-03-04 05:06:08")

	_, _, err = svc.Export(ctx, "s1", "pdf")
	require.True(t, errors.Is(err, ErrUnsupportedFormat))
	_, _, err = svc.Export(ctx, "missing", "json")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreRebuildsIndexFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := NewFileStore(dir, 10, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "s1", msg(t, "s1", chat.RoleUser, "persisted", time.Now().UTC())))
	require.NoError(t, s.Append(ctx, "weird/../id", msg(t, "weird/../id", chat.RoleUser, "escaped", time.Now().UTC())))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o600))

	reopened, err := NewFileStore(dir, 10, zap.NewNop())
	require.NoError(t, err)
	sums, err := reopened.ListSummaries(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, sums, 2)

	conv, err := reopened.Load(ctx, "weird/../id")
	require.NoError(t, err)
	require.Equal(t, "escaped", conv.Messages[0].Content)
}

func TestFallbackStoreReplaysOnLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryStore(10)
	var ops []string
	s := NewFallbackStore(brokenStore{}, local, zap.NewNop(), func(op string) { ops = append(ops, op) })

	require.NoError(t, s.Append(ctx, "s1", msg(t, "s1", chat.RoleUser, "hi", time.Now().UTC())))
	conv, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, conv.MessageCount())
	require.Equal(t, []string{"append", "load"}, ops)
	require.NoError(t, s.Health(ctx))
}

func TestFallbackStorePassesNotFoundThrough(t *testing.T) {
	ctx := context.Background()
	called := false
	s := NewFallbackStore(NewMemoryStore(10), NewMemoryStore(10), zap.NewNop(), func(string) { called = true })
	_, err := s.Load(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, called)
}

type brokenStore struct{}

var errBackendDown = errors.New("backend down")

func (brokenStore) Append(context.Context, string, chat.Message) error { return errBackendDown }
func (brokenStore) Load(context.Context, string) (*chat.Conversation, error) {
	return nil, errBackendDown
}
func (brokenStore) History(context.Context, string, int, int) ([]chat.Message, error) {
	return nil, errBackendDown
}
func (brokenStore) ListSummaries(context.Context, int, int) ([]chat.ConversationSummary, error) {
	return nil, errBackendDown
}
func (brokenStore) Delete(context.Context, string) (bool, error) { return false, errBackendDown }
func (brokenStore) ClearAll(context.Context) (int, error)        { return 0, errBackendDown }
func (brokenStore) CleanupOlderThan(context.Context, time.Duration) (int, error) {
	return 0, errBackendDown
}
func (brokenStore) Health(context.Context) error { return errBackendDown }
func (brokenStore) Close() error                 { return nil }
