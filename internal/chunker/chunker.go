package chunker

import (
	"strings"

	"machina/internal/domain"
)

const (
	// DefaultSize is the target chunk length in characters.
	DefaultSize = 500
	// DefaultOverlap is the number of characters shared by consecutive chunks.
	DefaultOverlap = 50
)

// Chunker splits text into overlapping, sentence-boundary-aware segments.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. Non-positive sizes fall back to DefaultSize and
// negative overlaps to zero.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

// Size returns the configured chunk length.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap length.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits a document and tags every chunk with the document path and its
// position within the document.
func (c *Chunker) Chunk(document domain.Document) []domain.Chunk {
	source := document.Path
	if source == "" {
		source = document.ID
	}
	texts := Split(document.Content, c.size, c.overlap)
	chunks := make([]domain.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = domain.Chunk{Source: source, Text: t, Index: i}
	}
	return chunks
}

// Split cuts text into chunks of at most size characters. A window that does
// not reach the end of the text is shortened to end at its last period or
// newline when that boundary lies past the window's midpoint. Consecutive
// chunks overlap by up to overlap characters. Blank chunks are dropped.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	runes := []rune(text)
	if len(runes) <= size {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if bp := lastBoundary(runes[start:end]); bp > size/2 {
			end = start + bp + 1
		}
		if t := strings.TrimSpace(string(runes[start:end])); t != "" {
			chunks = append(chunks, t)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func lastBoundary(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == '.' || window[i] == '\n' {
			return i
		}
	}
	return -1
}
