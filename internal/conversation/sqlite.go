package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/ent0n29/confab/internal/chat"
)

// SQLiteStore persists conversations in an embedded SQLite database. The
// pool is limited to a single connection, which serialises writers.
type SQLiteStore struct {
	db        *sql.DB
	retention int
}

func NewSQLiteStore(ctx context.Context, path string, retention int) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			last_message_preview TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations (updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_session ON conversation_messages (session_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db, retention: normalizeRetention(retention)}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	ts := msgTime(msg).UnixNano()
	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	var metaArg any
	if meta != nil {
		metaArg = string(meta)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (session_id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`, sessionID, ts, ts); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_messages (id, session_id, role, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, metaArg, ts); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM conversation_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?)`,
		sessionID, sessionID, s.retention); err != nil {
		return fmt.Errorf("trim messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET
			message_count = (SELECT count(*) FROM conversation_messages WHERE session_id = ?),
			updated_at = MAX(updated_at, ?),
			last_message_preview = ?
		 WHERE session_id = ?`,
		sessionID, ts, chat.Preview(msg.Content, chat.PreviewRunes), sessionID); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*chat.Conversation, error) {
	var (
		conv             = &chat.Conversation{SessionID: sessionID}
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT title, created_at, updated_at FROM conversations WHERE session_id = ?`, sessionID,
	).Scan(&conv.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)
	conv.Messages, err = s.History(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, metadata, created_at FROM (
			SELECT seq, id, session_id, role, content, metadata, created_at
			FROM conversation_messages WHERE session_id = ?
			ORDER BY seq DESC LIMIT ? OFFSET ?
		) ORDER BY seq ASC`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var (
			m    chat.Message
			role string
			meta sql.NullString
			ts   int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &meta, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = chat.Role(role)
		m.Timestamp = fromNanos(ts)
		if meta.Valid {
			if m.Metadata, err = unmarshalMetadata([]byte(meta.String)); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) ListSummaries(ctx context.Context, limit, offset int) ([]chat.ConversationSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, title, message_count, created_at, updated_at, last_message_preview
		 FROM conversations ORDER BY updated_at DESC, session_id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	out := []chat.ConversationSummary{}
	for rows.Next() {
		var (
			sum              chat.ConversationSummary
			created, updated int64
		)
		if err := rows.Scan(&sum.SessionID, &sum.Title, &sum.MessageCount, &created, &updated, &sum.LastMessagePreview); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		sum.CreatedAt = fromNanos(created)
		sum.UpdatedAt = fromNanos(updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) deleteWhere(ctx context.Context, where string, args ...any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE session_id IN (SELECT session_id FROM conversations WHERE `+where+`)`, args...); err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.deleteWhere(ctx, "session_id = ?", sessionID)
	return n > 0, err
}

func (s *SQLiteStore) ClearAll(ctx context.Context) (int, error) {
	return s.deleteWhere(ctx, "1 = 1")
}

func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	return s.deleteWhere(ctx, "updated_at < ?", cutoff)
}

func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
