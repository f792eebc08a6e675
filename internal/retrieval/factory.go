package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Options selects a memory backend and its embedder.
type Options struct {
	Backend     string // vector, pgvector, keyword
	Embedder    string // auto, openai, hash
	APIKey      string
	BaseURL     string
	Model       string
	Dimensions  int
	CacheSize   int
	DatabaseURL string
}

// NewEmbedder builds the embedder named by opts, wrapped in an LRU cache.
// auto selects openai when an API key is present.
func NewEmbedder(opts Options) (Embedder, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Embedder))
	if name == "" || name == "auto" {
		name = "hash"
		if strings.TrimSpace(opts.APIKey) != "" {
			name = "openai"
		}
	}
	var inner Embedder
	switch name {
	case "hash":
		inner = NewHashEmbedder(opts.Dimensions)
	case "openai":
		e, err := NewOpenAIEmbedder(opts.APIKey, opts.BaseURL, opts.Model, opts.Dimensions)
		if err != nil {
			return nil, err
		}
		inner = e
	default:
		return nil, fmt.Errorf("unknown embedder %q", opts.Embedder)
	}
	return NewCachedEmbedder(inner, opts.CacheSize), nil
}

// NewMemory creates the configured retrieval memory.
func NewMemory(ctx context.Context, opts Options) (Memory, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "keyword":
		return NewKeywordMemory()
	case "", "vector":
		emb, err := NewEmbedder(opts)
		if err != nil {
			return nil, err
		}
		return NewVectorMemory(emb), nil
	case "pgvector":
		emb, err := NewEmbedder(opts)
		if err != nil {
			return nil, err
		}
		return NewPGVectorMemory(ctx, opts.DatabaseURL, emb)
	default:
		return nil, fmt.Errorf("unknown retrieval backend %q", opts.Backend)
	}
}
