package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGVectorMemory persists documents and their embeddings in PostgreSQL using
// the pgvector extension. Distance is pgvector cosine distance.
type PGVectorMemory struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

func NewPGVectorMemory(ctx context.Context, databaseURL string, embedder Embedder) (*PGVectorMemory, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initVectorSchema(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGVectorMemory{pool: pool, embedder: embedder}, nil
}

func initVectorSchema(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_documents (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dims),
		`CREATE INDEX IF NOT EXISTS idx_memory_documents_created ON memory_documents (created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (m *PGVectorMemory) Add(ctx context.Context, text string, metadata map[string]any) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("add document: empty text")
	}
	id := DocumentID(text)

	var exists bool
	if err := m.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM memory_documents WHERE id=$1)`, id).Scan(&exists); err != nil {
		return "", fmt.Errorf("lookup document: %w", err)
	}
	if exists {
		return id, nil
	}

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed document: %w", err)
	}
	meta := metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	_, err = m.pool.Exec(ctx,
		`INSERT INTO memory_documents (id, document, metadata, embedding)
		 VALUES ($1, $2, $3::jsonb, $4::vector)
		 ON CONFLICT (id) DO NOTHING`,
		id, text, string(metaJSON), vectorLiteral(vec),
	)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

func (m *PGVectorMemory) Query(ctx context.Context, text string, topK int) ([]Document, error) {
	if topK <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := m.pool.Query(ctx,
		`SELECT id, document, metadata, embedding <=> $1::vector AS distance
		 FROM memory_documents ORDER BY distance ASC LIMIT $2`,
		vectorLiteral(vec), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, topK)
	for rows.Next() {
		var (
			d    Document
			meta []byte
		)
		if err := rows.Scan(&d.ID, &d.Document, &meta, &d.Distance); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &d.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if d.Distance < 0 {
			d.Distance = 0
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

func (m *PGVectorMemory) Health(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

func (m *PGVectorMemory) Close() error {
	m.pool.Close()
	return nil
}

// vectorLiteral renders v in pgvector text input form: [1,2,3].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
