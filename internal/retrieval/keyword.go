package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
)

// KeywordMemory ranks documents with BM25 over an in-memory bleve index. It
// needs no embedding model.
type KeywordMemory struct {
	index bleve.Index

	mu   sync.RWMutex
	docs map[string]*entry
}

type keywordDoc struct {
	Content string `json:"content"`
}

func NewKeywordMemory() (*KeywordMemory, error) {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name
	contentField.Store = false
	docMapping.AddFieldMappingsAt("content", contentField)
	indexMapping.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return &KeywordMemory{index: index, docs: make(map[string]*entry)}, nil
}

func (m *KeywordMemory) Add(_ context.Context, text string, metadata map[string]any) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("add document: empty text")
	}
	id := DocumentID(text)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; ok {
		return id, nil
	}
	if err := m.index.Index(id, keywordDoc{Content: text}); err != nil {
		return "", fmt.Errorf("index document: %w", err)
	}
	m.docs[id] = &entry{text: text, metadata: cloneMetadata(metadata)}
	return id, nil
}

func (m *KeywordMemory) Query(ctx context.Context, text string, topK int) ([]Document, error) {
	if topK <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	q := bleve.NewMatchQuery(text)
	q.SetField("content")
	req := bleve.NewSearchRequest(q)
	req.Size = topK

	res, err := m.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]Document, 0, len(res.Hits))
	for _, hit := range res.Hits {
		e, ok := m.docs[hit.ID]
		if !ok {
			continue
		}
		docs = append(docs, Document{
			ID:       hit.ID,
			Document: e.text,
			Metadata: cloneMetadata(e.metadata),
			Distance: 1 / (1 + hit.Score),
		})
	}
	sortByDistance(docs)
	return docs, nil
}

func (m *KeywordMemory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *KeywordMemory) Health(context.Context) error { return nil }

func (m *KeywordMemory) Close() error { return m.index.Close() }
