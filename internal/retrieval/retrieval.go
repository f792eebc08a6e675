// Package retrieval stores text snippets and finds the ones most similar to
// a query so they can be injected into a generation request.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Document is one query hit. Distance is never negative; smaller is closer.
type Document struct {
	ID       string         `json:"id"`
	Document string         `json:"document"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Distance float64        `json:"distance"`
}

// Memory is a content-addressed similarity store. Adding identical text twice
// yields the same id and a single entry.
type Memory interface {
	Add(ctx context.Context, text string, metadata map[string]any) (string, error)
	Query(ctx context.Context, text string, topK int) ([]Document, error)
}

// Checker is implemented by memories that can report readiness.
type Checker interface {
	Health(ctx context.Context) error
}

// DocumentID derives the id of text.
func DocumentID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// FilterByThreshold drops documents whose similarity (1 - distance) is below
// threshold. A zero threshold keeps everything.
func FilterByThreshold(docs []Document, threshold float64) []Document {
	if threshold <= 0 {
		return docs
	}
	maxDistance := 1 - threshold
	out := docs[:0:0]
	for _, d := range docs {
		if d.Distance <= maxDistance {
			out = append(out, d)
		}
	}
	return out
}

func sortByDistance(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Distance < docs[j].Distance })
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
