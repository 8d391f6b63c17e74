package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/mrag/internal/ai"
	"github.com/xxxsen/mrag/internal/model"
	"github.com/xxxsen/mrag/internal/pkg/dbutil"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

const pgChunkTable = "rag_chunks"

// PGBackend keeps chunks in postgres and searches with the pgvector cosine operator.
type PGBackend struct {
	db       *sql.DB
	embedder ai.IEmbedder
}

func init() {
	Register("pgvector", createPGBackend)
}

func createPGBackend(args interface{}, deps Deps) (Backend, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("pgvector store needs a database")
	}
	return NewPGBackend(deps.DB, deps.Embedder), nil
}

func NewPGBackend(db *sql.DB, embedder ai.IEmbedder) *PGBackend {
	return &PGBackend{db: db, embedder: embedder}
}

func (p *PGBackend) Name() string {
	return "pgvector"
}

func (p *PGBackend) IsAvailable() bool {
	return p.db != nil && embedderAvailable(p.embedder)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *PGBackend) AddChunks(ctx context.Context, docID, filename string, texts []string) error {
	vectors, err := embedDocuments(ctx, p.embedder, texts)
	if err != nil {
		return err
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return insertChunks(ctx, tx, docID, filename, texts, vectors)
	})
}

func (p *PGBackend) ReplaceChunks(ctx context.Context, docID, filename string, texts []string) error {
	vectors, err := embedDocuments(ctx, p.embedder, texts)
	if err != nil {
		return err
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteDoc(ctx, tx, docID); err != nil {
			return err
		}
		return insertChunks(ctx, tx, docID, filename, texts, vectors)
	})
}

func (p *PGBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertChunks(ctx context.Context, db execer, docID, filename string, texts []string, vectors [][]float32) error {
	now := time.Now().Unix()
	rows := make([]map[string]interface{}, 0, len(texts))
	for i, text := range texts {
		rows = append(rows, map[string]interface{}{
			"id":          pointID(docID, i),
			"doc_id":      docID,
			"filename":    filename,
			"chunk_index": i,
			"content":     text,
			"embedding":   pgvector.NewVector(vectors[i]),
			"ctime":       now,
		})
	}
	sqlStr, args, err := builder.BuildInsert(pgChunkTable, rows)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = db.ExecContext(ctx, sqlStr, args...)
	return err
}

func deleteDoc(ctx context.Context, db execer, docID string) error {
	sqlStr, args, err := builder.BuildDelete(pgChunkTable, map[string]interface{}{"doc_id": docID})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (p *PGBackend) DeleteByDocID(ctx context.Context, docID string) error {
	return deleteDoc(ctx, p.db, docID)
}

func (p *PGBackend) SimilaritySearch(ctx context.Context, question string, k int) ([]model.RetrievedChunk, error) {
	if !p.IsAvailable() || isBlank(question) {
		return nil, nil
	}
	query, err := p.embedder.Embed(ctx, question, ai.TaskTypeQuery)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	const q = `
		SELECT content, embedding <=> $1 AS distance
		FROM rag_chunks
		WHERE right(doc_id, char_length($3)) <> $3
		ORDER BY distance ASC, doc_id ASC, chunk_index ASC
		LIMIT $2
	`
	rows, err := p.db.QueryContext(ctx, q, pgvector.NewVector(query), clampK(k), StagingSuffix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RetrievedChunk
	for rows.Next() {
		var (
			text     string
			distance float64
		)
		if err := rows.Scan(&text, &distance); err != nil {
			return nil, err
		}
		out = append(out, model.RetrievedChunk{Text: text, Score: &distance})
	}
	return out, rows.Err()
}

func (p *PGBackend) ListDocuments(ctx context.Context) ([]model.DocumentSummary, error) {
	const q = `
		SELECT doc_id, MIN(filename), COUNT(*)
		FROM rag_chunks
		GROUP BY doc_id
		ORDER BY MIN(ctime) ASC, doc_id ASC
	`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DocumentSummary
	for rows.Next() {
		var item model.DocumentSummary
		if err := rows.Scan(&item.ID, &item.Filename, &item.ChunkCount); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *PGBackend) GetChunksByDocID(ctx context.Context, docID string) ([]model.Chunk, error) {
	where := map[string]interface{}{
		"doc_id":   docID,
		"_orderby": "chunk_index asc",
	}
	sqlStr, args, err := builder.BuildSelect(pgChunkTable, where, []string{"content", "chunk_index", "embedding"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := p.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Chunk
	for rows.Next() {
		var (
			item model.Chunk
			vec  pgvector.Vector
		)
		if err := rows.Scan(&item.Text, &item.ChunkIndex, &vec); err != nil {
			return nil, err
		}
		item.Embedding = vec.Slice()
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, appErr.ErrNotFound
	}
	return out, nil
}

func (p *PGBackend) Points(ctx context.Context) ([]model.VectorPoint, error) {
	where := map[string]interface{}{
		"_orderby": "doc_id asc, chunk_index asc",
	}
	sqlStr, args, err := builder.BuildSelect(pgChunkTable, where, []string{"id", "doc_id", "filename", "chunk_index", "content", "embedding"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := p.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.VectorPoint
	for rows.Next() {
		var (
			item model.VectorPoint
			vec  pgvector.Vector
		)
		if err := rows.Scan(&item.ID, &item.DocID, &item.Filename, &item.ChunkIndex, &item.Text, &vec); err != nil {
			return nil, err
		}
		item.Embedding = vec.Slice()
		out = append(out, item)
	}
	return out, rows.Err()
}

// Close is a no-op; the *sql.DB is shared with the embedding cache.
func (p *PGBackend) Close() error {
	return nil
}
