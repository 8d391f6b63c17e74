package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/ai"
	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

const (
	defaultQdrantCollection = "mrag_chunks"
	qdrantScrollPage        = 256
)

type qdrantConfig struct {
	URL        string `json:"url"`
	APIKey     string `json:"api_key"`
	Collection string `json:"collection"`
	TimeoutSec int    `json:"timeout_sec"`
}

// QdrantBackend talks to Qdrant over REST. It has no multi-point transaction, so
// it does not implement Replacer and the document store runs its staging protocol.
type QdrantBackend struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
	embedder   ai.IEmbedder

	mu      sync.Mutex
	created bool
}

type qdrantStatusError struct {
	method string
	path   string
	status int
	body   string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d: %s", e.method, e.path, e.status, e.body)
}

func isQdrantNotFound(err error) bool {
	var se *qdrantStatusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

type qdrantPayload struct {
	DocID      string `json:"doc_id"`
	Filename   string `json:"filename"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Staging    bool   `json:"staging,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}   `json:"id"`
	Vector  []float32     `json:"vector,omitempty"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantFilter struct {
	Must    []qdrantCondition `json:"must,omitempty"`
	MustNot []qdrantCondition `json:"must_not,omitempty"`
}

type qdrantMatch struct {
	Value interface{} `json:"value"`
}

type qdrantCondition struct {
	Key   string      `json:"key"`
	Match qdrantMatch `json:"match"`
}

func docFilter(docID string) *qdrantFilter {
	return &qdrantFilter{Must: []qdrantCondition{{Key: "doc_id", Match: qdrantMatch{Value: docID}}}}
}

func liveFilter() *qdrantFilter {
	return &qdrantFilter{MustNot: []qdrantCondition{{Key: "staging", Match: qdrantMatch{Value: true}}}}
}

func init() {
	Register("qdrant", createQdrantBackend)
}

func createQdrantBackend(args interface{}, deps Deps) (Backend, error) {
	cfg := &qdrantConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	return NewQdrantBackend(cfg.URL, cfg.APIKey, cfg.Collection, time.Duration(cfg.TimeoutSec)*time.Second, deps.Embedder), nil
}

func NewQdrantBackend(baseURL, apiKey, collection string, timeout time.Duration, embedder ai.IEmbedder) *QdrantBackend {
	if collection == "" {
		collection = defaultQdrantCollection
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &QdrantBackend{
		url:        strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Timeout: timeout},
		embedder:   embedder,
	}
}

func (q *QdrantBackend) Name() string {
	return "qdrant"
}

func (q *QdrantBackend) IsAvailable() bool {
	return q.url != "" && embedderAvailable(q.embedder)
}

func (q *QdrantBackend) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(q.collection) + suffix
}

func (q *QdrantBackend) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.url+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(resp.Body)
		return &qdrantStatusError{method: method, path: path, status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ensureCollection creates the collection on first write, sized by the first embedding.
func (q *QdrantBackend) ensureCollection(ctx context.Context, dimension int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.created {
		return nil
	}
	err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, nil)
	if err == nil {
		q.created = true
		return nil
	}
	if !isQdrantNotFound(err) {
		return err
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath(""), body, nil); err != nil {
		return fmt.Errorf("create qdrant collection: %w", err)
	}
	logutil.GetLogger(ctx).Info("qdrant collection created", zap.String("collection", q.collection), zap.Int("dimension", dimension))
	q.created = true
	return nil
}

func (q *QdrantBackend) AddChunks(ctx context.Context, docID, filename string, texts []string) error {
	vectors, err := embedDocuments(ctx, q.embedder, texts)
	if err != nil {
		return err
	}
	if len(vectors) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}
	points := make([]qdrantPoint, len(texts))
	ids := make([]string, len(texts))
	for i, text := range texts {
		ids[i] = pointID(docID, i)
		points[i] = qdrantPoint{
			ID:     ids[i],
			Vector: vectors[i],
			Payload: qdrantPayload{
				DocID:      docID,
				Filename:   filename,
				ChunkIndex: i,
				Text:       text,
				Staging:    IsStagingID(docID),
			},
		}
	}
	err = q.do(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), map[string]interface{}{"points": points}, nil)
	if err == nil {
		return nil
	}
	// A failed upsert may have applied part of the batch; remove whatever landed.
	if derr := q.do(ctx, http.MethodPost, q.collectionPath("/points/delete?wait=true"), map[string]interface{}{"points": ids}, nil); derr != nil {
		logutil.GetLogger(ctx).Error("qdrant compensating delete failed", zap.String("doc_id", docID), zap.Error(derr))
	}
	return fmt.Errorf("upsert points: %w", err)
}

func (q *QdrantBackend) DeleteByDocID(ctx context.Context, docID string) error {
	err := q.do(ctx, http.MethodPost, q.collectionPath("/points/delete?wait=true"), map[string]interface{}{"filter": docFilter(docID)}, nil)
	if isQdrantNotFound(err) {
		return nil
	}
	return err
}

func (q *QdrantBackend) SimilaritySearch(ctx context.Context, question string, k int) ([]model.RetrievedChunk, error) {
	if !q.IsAvailable() || isBlank(question) {
		return nil, nil
	}
	vector, err := q.embedder.Embed(ctx, question, ai.TaskTypeQuery)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	req := map[string]interface{}{
		"vector":       vector,
		"limit":        clampK(k),
		"with_payload": true,
		"filter":       liveFilter(),
	}
	var resp struct {
		Result []struct {
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/search"), req, &resp); err != nil {
		if isQdrantNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]model.RetrievedChunk, 0, len(resp.Result))
	for _, r := range resp.Result {
		// points written without the staging flag
		if IsStagingID(r.Payload.DocID) {
			continue
		}
		distance := 1 - r.Score
		out = append(out, model.RetrievedChunk{Text: r.Payload.Text, Score: &distance})
	}
	if len(out) > clampK(k) {
		out = out[:clampK(k)]
	}
	return out, nil
}

func (q *QdrantBackend) scroll(ctx context.Context, filter *qdrantFilter, withVector bool) ([]qdrantPoint, error) {
	var (
		all    []qdrantPoint
		offset interface{}
	)
	for {
		req := map[string]interface{}{
			"limit":        qdrantScrollPage,
			"with_payload": true,
			"with_vector":  withVector,
		}
		if filter != nil {
			req["filter"] = filter
		}
		if offset != nil {
			req["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []qdrantPoint `json:"points"`
				NextPageOffset interface{}   `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/scroll"), req, &resp); err != nil {
			if isQdrantNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		all = append(all, resp.Result.Points...)
		if resp.Result.NextPageOffset == nil || len(resp.Result.Points) == 0 {
			return all, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

func (q *QdrantBackend) ListDocuments(ctx context.Context) ([]model.DocumentSummary, error) {
	points, err := q.scroll(ctx, nil, false)
	if err != nil {
		return nil, err
	}
	var out []model.DocumentSummary
	index := make(map[string]int)
	for _, p := range points {
		if i, ok := index[p.Payload.DocID]; ok {
			out[i].ChunkCount++
			continue
		}
		index[p.Payload.DocID] = len(out)
		out = append(out, model.DocumentSummary{ID: p.Payload.DocID, Filename: p.Payload.Filename, ChunkCount: 1})
	}
	return out, nil
}

func (q *QdrantBackend) GetChunksByDocID(ctx context.Context, docID string) ([]model.Chunk, error) {
	points, err := q.scroll(ctx, docFilter(docID), true)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, appErr.ErrNotFound
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Payload.ChunkIndex < points[j].Payload.ChunkIndex
	})
	out := make([]model.Chunk, 0, len(points))
	for _, p := range points {
		out = append(out, model.Chunk{Text: p.Payload.Text, ChunkIndex: p.Payload.ChunkIndex, Embedding: p.Vector})
	}
	return out, nil
}

func (q *QdrantBackend) Points(ctx context.Context) ([]model.VectorPoint, error) {
	points, err := q.scroll(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	out := make([]model.VectorPoint, 0, len(points))
	for _, p := range points {
		if len(p.Vector) == 0 {
			continue
		}
		out = append(out, model.VectorPoint{
			ID:         fmt.Sprint(p.ID),
			DocID:      p.Payload.DocID,
			Filename:   p.Payload.Filename,
			ChunkIndex: p.Payload.ChunkIndex,
			Text:       p.Payload.Text,
			Embedding:  p.Vector,
		})
	}
	return out, nil
}

func (q *QdrantBackend) Close() error {
	q.client.CloseIdleConnections()
	return nil
}
