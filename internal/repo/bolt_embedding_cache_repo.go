package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xxxsen/mrag/internal/model"
	"go.etcd.io/bbolt"
)

var bucketEmbeddingCache = []byte("embedding_cache")

type storedEmbedding struct {
	Vector []float32 `json:"v"`
	Ctime  int64     `json:"t"`
}

// BoltEmbeddingCacheRepo keeps cached embeddings next to the bolt vector store.
type BoltEmbeddingCacheRepo struct {
	db *bbolt.DB
}

func NewBoltEmbeddingCacheRepo(db *bbolt.DB) (*BoltEmbeddingCacheRepo, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddingCache)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache bucket: %w", err)
	}
	return &BoltEmbeddingCacheRepo{db: db}, nil
}

func embeddingCacheKey(modelName, taskType, contentHash string) []byte {
	return []byte(modelName + "\x00" + taskType + "\x00" + contentHash)
}

func (r *BoltEmbeddingCacheRepo) Get(ctx context.Context, modelName, taskType, contentHash string) ([]float32, bool, error) {
	var (
		out []float32
		ok  bool
	)
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEmbeddingCache).Get(embeddingCacheKey(modelName, taskType, contentHash))
		if data == nil {
			return nil
		}
		var stored storedEmbedding
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		out, ok = stored.Vector, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (r *BoltEmbeddingCacheRepo) Save(ctx context.Context, item *model.EmbeddingCache) error {
	data, err := json.Marshal(storedEmbedding{Vector: item.Embedding, Ctime: item.Ctime})
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddingCache).Put(embeddingCacheKey(item.ModelName, item.TaskType, item.ContentHash), data)
	})
}

func (r *BoltEmbeddingCacheRepo) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	var removed int64
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddingCache)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var stored storedEmbedding
			if err := json.Unmarshal(v, &stored); err != nil || stored.Ctime < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = int64(len(stale))
		return nil
	})
	return removed, err
}
