// Package chunker turns normalized text into an ordered sequence of
// overlapping windows ready for embedding.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxChars is the default window size in characters.
const DefaultMaxChars = 1200

// DefaultOverlap is the default number of characters shared between
// neighboring windows.
const DefaultOverlap = 150

// Chunk is one window of a document's normalized text. Indices are 0-based
// and contiguous; neighboring chunks may share overlapping content.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int // 0 when unknown
}

var (
	horizontalWS = regexp.MustCompile(`[ \t]+`)
	excessNL     = regexp.MustCompile(`\n{3,}`)
)

// Normalize collapses noisy whitespace: NUL bytes become spaces, runs of
// horizontal whitespace collapse to one space, three or more consecutive
// newlines collapse to exactly two, and the ends are trimmed.
func Normalize(text string) string {
	t := strings.ReplaceAll(text, "\x00", " ")
	t = horizontalWS.ReplaceAllString(t, " ")
	t = excessNL.ReplaceAllString(t, "\n\n")
	return strings.TrimSpace(t)
}

// Chunker splits normalized text into fixed-size overlapping windows.
type Chunker struct {
	maxChars int
	overlap  int
}

// New creates a Chunker. Non-positive arguments fall back to the defaults.
// overlap must be smaller than maxChars or every step would rescan ground
// already covered and the walk would never terminate.
func New(maxChars, overlap int) (*Chunker, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= maxChars {
		return nil, fmt.Errorf("overlap (%d) must be smaller than max chars (%d)", overlap, maxChars)
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}, nil
}

// Chunk normalizes text and walks it with a forward cursor, emitting
// trimmed non-empty windows with sequential indices. Empty normalized input
// produces an empty sequence. The output is deterministic: identical input
// and parameters always yield an identical chunk sequence.
func (c *Chunker) Chunk(text string) []Chunk {
	t := Normalize(text)
	if t == "" {
		return nil
	}

	var chunks []Chunk
	// Window sizes are measured in characters, so the walk operates on
	// runes; byte offsets would split multi-byte code points.
	runes := []rune(t)
	n := len(runes)
	i := 0
	idx := 0

	for i < n {
		end := i + c.maxChars
		if end > n {
			end = n
		}
		window := strings.TrimSpace(string(runes[i:end]))
		if window != "" {
			chunks = append(chunks, Chunk{Index: idx, Text: window})
			idx++
		}
		if end == n {
			break
		}
		i = end - c.overlap
		if i < 0 {
			i = 0
		}
	}

	return chunks
}
