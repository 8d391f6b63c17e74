package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/xxxsen/mrag/internal/ai"
	"github.com/xxxsen/mrag/internal/config"
	"github.com/xxxsen/mrag/internal/model"
)

// Backend is a semantic chunk store keyed by the doc_id carried in chunk metadata.
type Backend interface {
	Name() string
	// IsAvailable reports whether both the embedder and the store are usable. It has no side effects.
	IsAvailable() bool
	// AddChunks embeds texts and stores them as chunk_index 0..n-1 of docID. A failed call commits nothing.
	AddChunks(ctx context.Context, docID, filename string, texts []string) error
	// SimilaritySearch returns at most k hits ordered by ascending distance.
	SimilaritySearch(ctx context.Context, question string, k int) ([]model.RetrievedChunk, error)
	// DeleteByDocID is idempotent: deleting an unknown id succeeds.
	DeleteByDocID(ctx context.Context, docID string) error
	ListDocuments(ctx context.Context) ([]model.DocumentSummary, error)
	// GetChunksByDocID returns chunks ordered by chunk_index, or ErrNotFound.
	GetChunksByDocID(ctx context.Context, docID string) ([]model.Chunk, error)
	Points(ctx context.Context) ([]model.VectorPoint, error)
	Close() error
}

// StagingSuffix marks the temporary copy of a document written while it is being
// replaced. Search never returns staging chunks.
const StagingSuffix = "_replacing"

func IsStagingID(docID string) bool {
	return strings.HasSuffix(docID, StagingSuffix)
}

// Replacer is implemented by backends that can swap a document's chunks in one transaction.
type Replacer interface {
	ReplaceChunks(ctx context.Context, docID, filename string, texts []string) error
}

type Deps struct {
	Embedder ai.IEmbedder
	Bolt     *bbolt.DB
	DB       *sql.DB
}

type Factory func(args interface{}, deps Deps) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

// New builds the configured backend. Type "none" yields a nil backend.
func New(cfg config.VectorStoreConfig, deps Deps) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" || key == config.VectorStoreNone {
		return nil, nil
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported vector store type: %s", cfg.Type)
	}
	return factory(cfg.Data, deps)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode vector store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode vector store config: %w", err)
	}
	return nil
}

func embedderAvailable(e ai.IEmbedder) bool {
	return e != nil && e.Available()
}

func embedDocuments(ctx context.Context, e ai.IEmbedder, texts []string) ([][]float32, error) {
	if !embedderAvailable(e) {
		return nil, ai.ErrUnavailable
	}
	vectors, err := e.EmbedBatch(ctx, texts, ai.TaskTypeDocument)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(texts))
	}
	return vectors, nil
}

func clampK(k int) int {
	if k < 1 {
		return 1
	}
	if k > 20 {
		return 20
	}
	return k
}

// cosineDistance is 1 - cosine similarity. Zero or mismatched vectors count as orthogonal.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// pointID is stable for a (doc_id, chunk_index) pair, so re-adding after a delete reuses the same ids.
func pointID(docID string, idx int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s_%d", docID, idx))).String()
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
