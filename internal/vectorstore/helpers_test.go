package vectorstore

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"

	"github.com/xxxsen/mrag/internal/ai"
)

// wordEmbedder maps each word to one of eight buckets so texts sharing words are close.
type wordEmbedder struct {
	available bool
	fail      bool
}

func newWordEmbedder() *wordEmbedder {
	return &wordEmbedder{available: true}
}

func (w *wordEmbedder) Available() bool { return w.available }

func (w *wordEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	res, err := w.EmbedBatch(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (w *wordEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if !w.available {
		return nil, ai.ErrUnavailable
	}
	if w.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 8)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%8]++
		}
		out[i] = vec
	}
	return out, nil
}

func (w *wordEmbedder) ModelName() string { return "words" }
