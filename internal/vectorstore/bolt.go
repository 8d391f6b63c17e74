package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xxxsen/common/logutil"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/ai"
	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

const defaultBoltBucket = "rag_chunks"

type boltConfig struct {
	Bucket string `json:"bucket"`
}

type boltChunk struct {
	DocID      string    `json:"doc_id"`
	Filename   string    `json:"filename"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"v"`
}

// BoltBackend stores chunks in one bbolt bucket keyed "doc_id\x00%08d", so a
// prefix scan yields a document's chunks in chunk_index order. Search is brute force.
type BoltBackend struct {
	db       *bbolt.DB
	bucket   []byte
	embedder ai.IEmbedder
}

func init() {
	Register("bolt", createBoltBackend)
}

func createBoltBackend(args interface{}, deps Deps) (Backend, error) {
	cfg := &boltConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if deps.Bolt == nil {
		return nil, fmt.Errorf("bolt vector store needs an open bolt db")
	}
	return NewBoltBackend(deps.Bolt, cfg.Bucket, deps.Embedder)
}

func NewBoltBackend(db *bbolt.DB, bucket string, embedder ai.IEmbedder) (*BoltBackend, error) {
	if bucket == "" {
		bucket = defaultBoltBucket
	}
	b := &BoltBackend{db: db, bucket: []byte(bucket), embedder: embedder}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return b, nil
}

func docPrefix(docID string) []byte {
	return []byte(docID + "\x00")
}

func chunkKey(docID string, idx int) []byte {
	return []byte(fmt.Sprintf("%s\x00%08d", docID, idx))
}

func (b *BoltBackend) Name() string {
	return "bolt"
}

func (b *BoltBackend) IsAvailable() bool {
	return b.db != nil && embedderAvailable(b.embedder)
}

func (b *BoltBackend) AddChunks(ctx context.Context, docID, filename string, texts []string) error {
	vectors, err := embedDocuments(ctx, b.embedder, texts)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putChunks(tx.Bucket(b.bucket), docID, filename, texts, vectors)
	})
}

func (b *BoltBackend) ReplaceChunks(ctx context.Context, docID, filename string, texts []string) error {
	vectors, err := embedDocuments(ctx, b.embedder, texts)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if err := deletePrefix(bucket, docPrefix(docID)); err != nil {
			return err
		}
		return putChunks(bucket, docID, filename, texts, vectors)
	})
}

func putChunks(bucket *bbolt.Bucket, docID, filename string, texts []string, vectors [][]float32) error {
	for i, text := range texts {
		data, err := json.Marshal(boltChunk{
			DocID:      docID,
			Filename:   filename,
			ChunkIndex: i,
			Text:       text,
			Vector:     vectors[i],
		})
		if err != nil {
			return err
		}
		if err := bucket.Put(chunkKey(docID, i), data); err != nil {
			return err
		}
	}
	return nil
}

func deletePrefix(bucket *bbolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltBackend) DeleteByDocID(ctx context.Context, docID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return deletePrefix(tx.Bucket(b.bucket), docPrefix(docID))
	})
}

func (b *BoltBackend) forEach(ctx context.Context, fn func(item *boltChunk) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, v []byte) error {
			var item boltChunk
			if err := json.Unmarshal(v, &item); err != nil {
				logutil.GetLogger(ctx).Warn("skip undecodable chunk", zap.ByteString("key", k), zap.Error(err))
				return nil
			}
			return fn(&item)
		})
	})
}

func (b *BoltBackend) SimilaritySearch(ctx context.Context, question string, k int) ([]model.RetrievedChunk, error) {
	if !b.IsAvailable() || isBlank(question) {
		return nil, nil
	}
	query, err := b.embedder.Embed(ctx, question, ai.TaskTypeQuery)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	type scored struct {
		text     string
		distance float64
	}
	var all []scored
	err = b.forEach(ctx, func(item *boltChunk) error {
		if IsStagingID(item.DocID) {
			return nil
		}
		all = append(all, scored{text: item.Text, distance: cosineDistance(query, item.Vector)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].distance < all[j].distance
	})
	k = clampK(k)
	if k > len(all) {
		k = len(all)
	}
	out := make([]model.RetrievedChunk, 0, k)
	for _, s := range all[:k] {
		score := s.distance
		out = append(out, model.RetrievedChunk{Text: s.text, Score: &score})
	}
	return out, nil
}

func (b *BoltBackend) ListDocuments(ctx context.Context) ([]model.DocumentSummary, error) {
	var out []model.DocumentSummary
	index := make(map[string]int)
	err := b.forEach(ctx, func(item *boltChunk) error {
		if i, ok := index[item.DocID]; ok {
			out[i].ChunkCount++
			return nil
		}
		index[item.DocID] = len(out)
		out = append(out, model.DocumentSummary{ID: item.DocID, Filename: item.Filename, ChunkCount: 1})
		return nil
	})
	return out, err
}

func (b *BoltBackend) GetChunksByDocID(ctx context.Context, docID string) ([]model.Chunk, error) {
	var out []model.Chunk
	prefix := docPrefix(docID)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item boltChunk
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode chunk %q: %w", k, err)
			}
			out = append(out, model.Chunk{Text: item.Text, ChunkIndex: item.ChunkIndex, Embedding: item.Vector})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, appErr.ErrNotFound
	}
	return out, nil
}

func (b *BoltBackend) Points(ctx context.Context) ([]model.VectorPoint, error) {
	var out []model.VectorPoint
	err := b.forEach(ctx, func(item *boltChunk) error {
		if len(item.Vector) == 0 {
			return nil
		}
		out = append(out, model.VectorPoint{
			ID:         pointID(item.DocID, item.ChunkIndex),
			DocID:      item.DocID,
			Filename:   item.Filename,
			ChunkIndex: item.ChunkIndex,
			Text:       item.Text,
			Embedding:  item.Vector,
		})
		return nil
	})
	return out, err
}

// Close is a no-op; the bolt file is owned by the caller that opened it.
func (b *BoltBackend) Close() error {
	return nil
}
