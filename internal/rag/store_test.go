package rag

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/xxxsen/mrag/internal/ai"
	"github.com/xxxsen/mrag/internal/docstore"
	"github.com/xxxsen/mrag/internal/vectorstore"
)

// bucketEmbedder hashes words into eight buckets. Query embeddings can be made to
// block until the caller gives up.
type bucketEmbedder struct {
	blockQueries bool
}

func (bucketEmbedder) Available() bool   { return true }
func (bucketEmbedder) ModelName() string { return "buckets" }

func (b bucketEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	res, err := b.EmbedBatch(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (b bucketEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if b.blockQueries && taskType == ai.TaskTypeQuery {
		<-ctx.Done()
		return nil, ctx.Err()
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

func boltStore(t *testing.T, e ai.IEmbedder) (*docstore.Store, *vectorstore.BoltBackend) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "rag.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	backend, err := vectorstore.NewBoltBackend(db, "", e)
	require.NoError(t, err)
	return docstore.New(context.Background(), backend), backend
}

func TestSimilarityIgnoresStagingCopy(t *testing.T) {
	ctx := context.Background()
	store, backend := boltStore(t, bucketEmbedder{})
	require.NoError(t, store.AddDocument(ctx, "a", "a.txt", []string{"current text"}))
	// leftover of an interrupted replace
	require.NoError(t, backend.AddChunks(ctx, docstore.StagingID("a"), "a.txt", []string{"stale staged text"}))

	res, err := NewPipeline(store, nil, settingsWithK(5)).Run(ctx, "staged text")
	require.NoError(t, err)
	require.Equal(t, RetrievalSimilarity, res.RetrievalMethod)
	require.Len(t, res.RetrievedChunks, 1)
	require.Equal(t, "current text", res.RetrievedChunks[0].Text)
	require.Equal(t, []string{"current text"}, res.Sources)
}

func TestQueryEmbeddingTimeoutDegrades(t *testing.T) {
	ctx := context.Background()
	m := ai.NewManager(nil, bucketEmbedder{blockQueries: true}, ai.ManagerConfig{Timeout: 1})
	store, _ := boltStore(t, m.Embedder())
	require.NoError(t, store.AddDocument(ctx, "a", "a.txt", []string{"the cat sat"}))

	start := time.Now()
	res, err := NewPipeline(store, m, settingsWithK(5)).Run(ctx, "cat")
	require.NoError(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
	require.Equal(t, RetrievalSimilarity, res.RetrievalMethod)
	require.Empty(t, res.RetrievedChunks)
	require.Equal(t, GenerationNoLLM, res.Generation)
	require.Equal(t, NoLLMAnswer(1), res.Answer)
}

func TestUnavailableSearchDegrades(t *testing.T) {
	b := &searchBackend{err: ai.ErrUnavailable}
	res, err := NewPipeline(vectorSource{backend: b, chunks: []string{"x"}}, nil, settingsWithK(5)).Run(context.Background(), "q")
	require.NoError(t, err)
	require.Empty(t, res.RetrievedChunks)
	require.Empty(t, res.Context)
}
