// Package splitter cuts extracted text into bounded, overlapping chunks.
package splitter

import (
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/xxxsen/mrag/internal/model"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSeparators go from paragraph break down to a hard character cut ("").
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

func OptionsFromSettings(s model.ChunkSettings) Options {
	return Options{
		ChunkSize:    s.ChunkSize,
		ChunkOverlap: s.ChunkOverlap,
		Separators:   s.Separators,
	}
}

func (o Options) normalize() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = 0
	}
	if o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = o.ChunkSize / 4
	}
	if len(o.Separators) == 0 {
		o.Separators = DefaultSeparators
	}
	return o
}

// Split cuts text recursively: it splits on the first separator present in the
// text, merges the pieces back up to ChunkSize runes and recurses with the
// remaining separators into pieces that are still too long. Chunks are trimmed
// and empty ones are dropped.
func Split(text string, opts Options) []string {
	opts = opts.normalize()
	rc := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(opts.ChunkSize),
		textsplitter.WithChunkOverlap(opts.ChunkOverlap),
		textsplitter.WithSeparators(opts.Separators),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)
	chunks, err := rc.SplitText(text)
	if err != nil {
		return SplitSimple(text, opts.Separators[0])
	}
	var out []string
	for _, chunk := range chunks {
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// SplitSimple is the degraded splitter: it only cuts on the primary separator.
func SplitSimple(text string, separator string) []string {
	if separator == "" {
		separator = DefaultSeparators[0]
	}
	var out []string
	for _, part := range strings.Split(text, separator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
