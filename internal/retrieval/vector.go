package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// VectorMemory is an in-process embedding index for local/dev use. Vectors
// are normalized so inner product equals cosine similarity.
type VectorMemory struct {
	embedder Embedder

	mu      sync.RWMutex
	ids     []string
	vectors [][]float32
	entries map[string]*entry
}

type entry struct {
	text      string
	metadata  map[string]any
	createdAt time.Time
}

func NewVectorMemory(embedder Embedder) *VectorMemory {
	return &VectorMemory{
		embedder: embedder,
		entries:  make(map[string]*entry),
	}
}

func (m *VectorMemory) Add(ctx context.Context, text string, metadata map[string]any) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("add document: empty text")
	}
	id := DocumentID(text)

	m.mu.RLock()
	_, exists := m.entries[id]
	m.mu.RUnlock()
	if exists {
		return id, nil
	}

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed document: %w", err)
	}
	normalize(vec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return id, nil
	}
	m.ids = append(m.ids, id)
	m.vectors = append(m.vectors, vec)
	m.entries[id] = &entry{text: text, metadata: cloneMetadata(metadata), createdAt: time.Now().UTC()}
	return id, nil
}

func (m *VectorMemory) Query(ctx context.Context, text string, topK int) ([]Document, error) {
	if topK <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	qvec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	normalize(qvec)

	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]Document, 0, len(m.ids))
	for i, id := range m.ids {
		distance := 1 - dot(qvec, m.vectors[i])
		if distance < 0 {
			distance = 0
		}
		e := m.entries[id]
		docs = append(docs, Document{
			ID:       id,
			Document: e.text,
			Metadata: cloneMetadata(e.metadata),
			Distance: distance,
		})
	}
	sortByDistance(docs)
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

func (m *VectorMemory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

func (m *VectorMemory) Health(context.Context) error { return nil }
