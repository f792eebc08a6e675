package retrieval

import (
	"strings"
	"unicode"
)

// Chunker splits text into overlapping windows of at most Size runes. Window
// edges are moved back to whitespace when possible so words are not cut.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return Chunker{Size: size, Overlap: overlap}
}

func (c Chunker) Chunk(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	n := len(runes)
	if n == 0 {
		return nil
	}
	if n <= c.Size {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < n {
		end := start + c.Size
		if end >= n {
			end = n
		} else if cut := lastSpace(runes, start, end); cut > start {
			end = cut
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= n {
			break
		}

		next := end - c.Overlap
		if next <= start {
			next = end
		}
		// Start the next window at a word boundary.
		for next < end && next > 0 && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		for next < n && unicode.IsSpace(runes[next]) {
			next++
		}
		start = next
	}
	return chunks
}

// lastSpace finds the last whitespace index in runes[start:end] at or after
// the midpoint, or -1.
func lastSpace(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
