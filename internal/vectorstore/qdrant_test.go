package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

// fakeQdrant implements the subset of the Qdrant REST API the backend uses.
type fakeQdrant struct {
	mu         sync.Mutex
	collection bool
	dimension  int
	order      []string
	points     map[string]qdrantPoint
	failUpsert bool
	upserts    int
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *httptest.Server) {
	f := &fakeQdrant{points: map[string]qdrantPoint{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQdrant) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/collections/test")
	var body map[string]json.RawMessage
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if path == "" {
		switch r.Method {
		case http.MethodGet:
			if !f.collection {
				http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
				return
			}
		case http.MethodPut:
			var vectors struct {
				Size int `json:"size"`
			}
			_ = json.Unmarshal(body["vectors"], &vectors)
			f.collection = true
			f.dimension = vectors.Size
		}
		writeResult(w, true)
		return
	}
	if !f.collection {
		http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
		return
	}
	switch path {
	case "/points":
		f.upserts++
		var points []qdrantPoint
		_ = json.Unmarshal(body["points"], &points)
		// apply the first point, then fail, to exercise compensation
		if f.failUpsert {
			if len(points) > 0 {
				f.put(points[0])
			}
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		for _, p := range points {
			f.put(p)
		}
		writeResult(w, map[string]string{"status": "completed"})
	case "/points/delete":
		if raw, ok := body["points"]; ok {
			var ids []string
			_ = json.Unmarshal(raw, &ids)
			for _, id := range ids {
				f.remove(id)
			}
		}
		if raw, ok := body["filter"]; ok {
			var filter qdrantFilter
			_ = json.Unmarshal(raw, &filter)
			for _, id := range append([]string(nil), f.order...) {
				if matches(f.points[id], &filter) {
					f.remove(id)
				}
			}
		}
		writeResult(w, map[string]string{"status": "completed"})
	case "/points/scroll":
		var filter *qdrantFilter
		if raw, ok := body["filter"]; ok {
			filter = &qdrantFilter{}
			_ = json.Unmarshal(raw, filter)
		}
		var withVector bool
		_ = json.Unmarshal(body["with_vector"], &withVector)
		var out []qdrantPoint
		for _, id := range f.order {
			p := f.points[id]
			if filter != nil && !matches(p, filter) {
				continue
			}
			if !withVector {
				p.Vector = nil
			}
			out = append(out, p)
		}
		writeResult(w, map[string]interface{}{"points": out, "next_page_offset": nil})
	case "/points/search":
		var vector []float32
		var limit int
		var filter *qdrantFilter
		_ = json.Unmarshal(body["vector"], &vector)
		_ = json.Unmarshal(body["limit"], &limit)
		if raw, ok := body["filter"]; ok {
			filter = &qdrantFilter{}
			_ = json.Unmarshal(raw, filter)
		}
		type hit struct {
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		}
		var hits []hit
		for _, id := range f.order {
			p := f.points[id]
			if filter != nil && !matches(p, filter) {
				continue
			}
			hits = append(hits, hit{Score: 1 - cosineDistance(vector, p.Vector), Payload: p.Payload})
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if len(hits) > limit {
			hits = hits[:limit]
		}
		writeResult(w, hits)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeQdrant) put(p qdrantPoint) {
	id := p.ID.(string)
	if _, ok := f.points[id]; !ok {
		f.order = append(f.order, id)
	}
	f.points[id] = p
}

func (f *fakeQdrant) remove(id string) {
	if _, ok := f.points[id]; !ok {
		return
	}
	delete(f.points, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func matches(p qdrantPoint, filter *qdrantFilter) bool {
	for _, c := range filter.Must {
		if !conditionHolds(p, c) {
			return false
		}
	}
	for _, c := range filter.MustNot {
		if conditionHolds(p, c) {
			return false
		}
	}
	return true
}

func conditionHolds(p qdrantPoint, c qdrantCondition) bool {
	switch c.Key {
	case "doc_id":
		return p.Payload.DocID == c.Match.Value
	case "staging":
		return p.Payload.Staging == c.Match.Value
	}
	return false
}

func writeResult(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": result, "status": "ok"})
}

func newTestQdrant(t *testing.T) (*fakeQdrant, *QdrantBackend) {
	f, srv := newFakeQdrant(t)
	return f, NewQdrantBackend(srv.URL, "", "test", time.Second, newWordEmbedder())
}

func TestQdrantEmptyCollection(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQdrant(t)
	docs, err := q.ListDocuments(ctx)
	require.NoError(t, err)
	require.Empty(t, docs)
	_, err = q.GetChunksByDocID(ctx, "doc")
	require.True(t, errors.Is(err, appErr.ErrNotFound))
	require.NoError(t, q.DeleteByDocID(ctx, "doc"))
	res, err := q.SimilaritySearch(ctx, "cat", 3)
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestQdrantRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, q := newTestQdrant(t)
	require.NoError(t, q.AddChunks(ctx, "d1", "pets.txt", []string{"the cat sat", "a dog ran"}))
	require.NoError(t, q.AddChunks(ctx, "d2", "sky.txt", []string{"birds fly high"}))
	require.Equal(t, 8, f.dimension)

	docs, err := q.ListDocuments(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.DocumentSummary{
		{ID: "d1", Filename: "pets.txt", ChunkCount: 2},
		{ID: "d2", Filename: "sky.txt", ChunkCount: 1},
	}, docs)

	chunks, err := q.GetChunksByDocID(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "the cat sat", chunks[0].Text)
	require.Equal(t, 1, chunks[1].ChunkIndex)

	res, err := q.SimilaritySearch(ctx, "the cat sat", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "the cat sat", res[0].Text)
	require.InDelta(t, 0, *res[0].Score, 1e-6)

	points, err := q.Points(ctx)
	require.NoError(t, err)
	require.Len(t, points, 3)
	require.Equal(t, pointID("d1", 0), points[0].ID)

	require.NoError(t, q.DeleteByDocID(ctx, "d1"))
	_, err = q.GetChunksByDocID(ctx, "d1")
	require.True(t, errors.Is(err, appErr.ErrNotFound))
	docs, err = q.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestQdrantReaddReusesPointIDs(t *testing.T) {
	ctx := context.Background()
	f, q := newTestQdrant(t)
	require.NoError(t, q.AddChunks(ctx, "d1", "a.txt", []string{"one", "two"}))
	require.NoError(t, q.DeleteByDocID(ctx, "d1"))
	require.NoError(t, q.AddChunks(ctx, "d1", "a.txt", []string{"three", "four"}))
	require.Len(t, f.points, 2)
	_, ok := f.points[pointID("d1", 1)]
	require.True(t, ok)
}

func TestQdrantFailedUpsertIsCompensated(t *testing.T) {
	ctx := context.Background()
	f, q := newTestQdrant(t)
	require.NoError(t, q.AddChunks(ctx, "keep", "k.txt", []string{"stay"}))
	f.failUpsert = true
	require.Error(t, q.AddChunks(ctx, "doc", "a.txt", []string{"x", "y"}))
	f.failUpsert = false
	_, err := q.GetChunksByDocID(ctx, "doc")
	require.True(t, errors.Is(err, appErr.ErrNotFound))
	require.Len(t, f.points, 1)
}

func TestCosineDistance(t *testing.T) {
	require.InDelta(t, 0, cosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-9)
	require.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.InDelta(t, 2, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	require.Equal(t, 1.0, cosineDistance([]float32{0, 0}, []float32{1, 0}))
	require.False(t, math.IsNaN(cosineDistance(nil, nil)))
}

func TestQdrantSearchSkipsStagingCopies(t *testing.T) {
	ctx := context.Background()
	f, q := newTestQdrant(t)
	require.NoError(t, q.AddChunks(ctx, "a", "a.txt", []string{"current text"}))
	require.NoError(t, q.AddChunks(ctx, "a"+StagingSuffix, "a.txt", []string{"stale staged text"}))
	require.True(t, f.points[pointID("a"+StagingSuffix, 0)].Payload.Staging)

	// a staging point stored without the flag is dropped as well
	legacy := f.points[pointID("a"+StagingSuffix, 0)]
	legacy.Payload.Staging = false
	f.points[pointID("a"+StagingSuffix, 0)] = legacy

	res, err := q.SimilaritySearch(ctx, "staged text", 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "current text", res[0].Text)
}
