package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/ai"
	"github.com/xxxsen/mrag/internal/model"
	"github.com/xxxsen/mrag/internal/vectorstore"
)

const (
	minK = 1
	maxK = 20

	contextSeparator = "\n\n"
)

// ChunkSource is the read side of the document store used by retrieval.
type ChunkSource interface {
	Vector() vectorstore.Backend
	GetAllChunks(ctx context.Context) ([]string, error)
}

func ClampK(k int) int {
	if k < minK {
		return minK
	}
	if k > maxK {
		return maxK
	}
	return k
}

func retrieve(ctx context.Context, src ChunkSource, st *State, k int) error {
	k = ClampK(k)
	if backend := src.Vector(); backend != nil && backend.IsAvailable() {
		hits, err := backend.SimilaritySearch(ctx, st.Question, k)
		switch {
		case err == nil:
		case errors.Is(err, ai.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
			logutil.GetLogger(ctx).Warn("similarity search degraded to empty result", zap.Error(err))
			hits = nil
		default:
			return fmt.Errorf("similarity search: %w", err)
		}
		if len(hits) > k {
			hits = hits[:k]
		}
		if hits == nil {
			hits = []model.RetrievedChunk{}
		}
		texts := make([]string, 0, len(hits))
		for _, h := range hits {
			texts = append(texts, h.Text)
		}
		st.RetrievedChunks = hits
		st.RetrievalMethod = RetrievalSimilarity
		st.Context = strings.Join(texts, contextSeparator)
		return nil
	}

	chunks, err := src.GetAllChunks(ctx)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	raw := KeywordMatch(st.Question, chunks, k)
	hits := make([]model.RetrievedChunk, 0, len(raw))
	for _, text := range raw {
		hits = append(hits, model.RetrievedChunk{Text: text})
	}
	st.RetrievedChunks = hits
	st.RetrievalMethod = RetrievalKeyword
	st.Context = strings.Join(raw, contextSeparator)
	return nil
}

// KeywordMatch returns up to k chunks containing any question word longer than
// two characters, in corpus order. Without a match it returns the first k chunks.
func KeywordMatch(question string, chunks []string, k int) []string {
	if len(chunks) == 0 {
		return []string{}
	}
	var words []string
	for _, w := range strings.Fields(strings.ToLower(question)) {
		if utf8.RuneCountInString(w) > 2 {
			words = append(words, w)
		}
	}
	relevant := make([]string, 0, k)
	for _, c := range chunks {
		if len(relevant) == k {
			break
		}
		lower := strings.ToLower(c)
		for _, w := range words {
			if strings.Contains(lower, w) {
				relevant = append(relevant, c)
				break
			}
		}
	}
	if len(relevant) > 0 {
		return relevant
	}
	if len(chunks) > k {
		chunks = chunks[:k]
	}
	return append([]string(nil), chunks...)
}
