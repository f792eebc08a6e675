package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/confab/internal/chat"
	"github.com/ent0n29/confab/internal/reliability"
)

// PostgresStore persists conversations in PostgreSQL. Each append is one
// transaction: the conversation row is locked, the message inserted, the log
// trimmed to the retention window and the listing columns refreshed.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retention int
}

func NewPostgresStore(ctx context.Context, databaseURL string, retention int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, retention: normalizeRetention(retention)}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			message_count INT NOT NULL DEFAULT 0,
			last_message_preview TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations (updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES conversations(session_id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_session ON conversation_messages (session_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	ts := msgTime(msg)
	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	preview := chat.Preview(msg.Content, chat.PreviewRunes)

	policy := reliability.Policy{MaxRetries: 3, Base: 20 * time.Millisecond, Cap: 500 * time.Millisecond}
	return reliability.Retry(ctx, policy, func(int) error {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversations (session_id, created_at, updated_at) VALUES ($1, $2, $2)
				 ON CONFLICT (session_id) DO NOTHING`, sessionID, ts); err != nil {
				return fmt.Errorf("upsert conversation: %w", err)
			}
			if _, err := tx.Exec(ctx, `SELECT 1 FROM conversations WHERE session_id=$1 FOR UPDATE`, sessionID); err != nil {
				return fmt.Errorf("lock conversation: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversation_messages (id, session_id, role, content, metadata, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				msg.ID, sessionID, string(msg.Role), msg.Content, meta, ts); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`DELETE FROM conversation_messages WHERE session_id=$1 AND seq NOT IN (
					SELECT seq FROM conversation_messages WHERE session_id=$1 ORDER BY seq DESC LIMIT $2)`,
				sessionID, s.retention); err != nil {
				return fmt.Errorf("trim messages: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE conversations SET
					message_count = (SELECT count(*) FROM conversation_messages WHERE session_id=$1),
					updated_at = GREATEST(updated_at, $2),
					last_message_preview = $3
				 WHERE session_id=$1`, sessionID, ts, preview); err != nil {
				return fmt.Errorf("update conversation: %w", err)
			}
			return nil
		})
		if err != nil && !isSerializationFailure(err) {
			return reliability.Permanent(err)
		}
		return err
	})
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*chat.Conversation, error) {
	conv := &chat.Conversation{SessionID: sessionID}
	err := s.pool.QueryRow(ctx,
		`SELECT title, created_at, updated_at FROM conversations WHERE session_id=$1`, sessionID,
	).Scan(&conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	conv.Messages, err = s.History(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *PostgresStore) History(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, metadata, created_at FROM (
			SELECT seq, id, session_id, role, content, metadata, created_at
			FROM conversation_messages WHERE session_id=$1
			ORDER BY seq DESC LIMIT $2 OFFSET $3
		) recent ORDER BY seq ASC`,
		sessionID, limitArg, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var (
			m    chat.Message
			role string
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &meta, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = chat.Role(role)
		m.Timestamp = m.Timestamp.UTC()
		if m.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) ListSummaries(ctx context.Context, limit, offset int) ([]chat.ConversationSummary, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, title, message_count, created_at, updated_at, last_message_preview
		 FROM conversations ORDER BY updated_at DESC, session_id ASC LIMIT $1 OFFSET $2`,
		limitArg, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	out := []chat.ConversationSummary{}
	for rows.Next() {
		var sum chat.ConversationSummary
		if err := rows.Scan(&sum.SessionID, &sum.Title, &sum.MessageCount, &sum.CreatedAt, &sum.UpdatedAt, &sum.LastMessagePreview); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE session_id=$1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ClearAll(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations`)
	if err != nil {
		return 0, fmt.Errorf("clear conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal message metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	return meta, nil
}
