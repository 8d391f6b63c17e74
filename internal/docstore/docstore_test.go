package docstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/xxxsen/mrag/internal/vectorstore"
)

func texts(chunks []model.Chunk) []string {
	return chunkTexts(chunks)
}

func TestMemoryStoreProperties(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, nil)
	require.Equal(t, ModeMemory, s.Mode())
	require.Nil(t, s.Vector())

	require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"one", "two", "three"}))
	chunks, err := s.GetChunks(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, texts(chunks))
	for i, c := range chunks {
		require.Equal(t, i, c.ChunkIndex)
	}

	v := s.Version()
	err = s.AddDocument(ctx, "b", "b.txt", nil)
	require.True(t, errors.Is(err, ErrNoChunks))
	require.True(t, errors.Is(err, appErr.ErrInvalid))
	require.Equal(t, v, s.Version())
	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	exists, err := s.DocumentExists(ctx, "b")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMemoryReplaceMovesToEnd(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, nil)
	require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"old a"}))
	require.NoError(t, s.AddDocument(ctx, "b", "b.txt", []string{"b1", "b2"}))
	require.NoError(t, s.AddDocument(ctx, "a", "a2.txt", []string{"new a"}))

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.DocumentSummary{
		{ID: "b", Filename: "b.txt", ChunkCount: 2},
		{ID: "a", Filename: "a2.txt", ChunkCount: 1},
	}, docs)

	all, err := s.GetAllChunks(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b1", "b2", "new a"}, all)
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	for _, s := range []*Store{New(ctx, nil), New(ctx, newFakeBackend())} {
		t.Run(s.Mode(), func(t *testing.T) {
			err := s.DeleteDocument(ctx, "missing")
			require.True(t, errors.Is(err, appErr.ErrNotFound))

			require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"x"}))
			require.NoError(t, s.DeleteDocument(ctx, "a"))
			_, err = s.GetChunks(ctx, "a")
			require.True(t, errors.Is(err, appErr.ErrNotFound))
		})
	}
}

func TestRejectsStagingID(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, nil)
	err := s.AddDocument(ctx, "a"+StagingSuffix, "a.txt", []string{"x"})
	require.True(t, errors.Is(err, appErr.ErrInvalid))
	err = s.AddDocument(ctx, " ", "a.txt", []string{"x"})
	require.True(t, errors.Is(err, appErr.ErrInvalid))
}

func TestUnavailableBackendFallsBackToMemory(t *testing.T) {
	b := newFakeBackend()
	b.available = false
	s := New(context.Background(), b)
	require.Equal(t, ModeMemory, s.Mode())
	require.Nil(t, s.Vector())
}

func TestVectorAddNew(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	s := New(ctx, b)
	require.Equal(t, ModeVector, s.Mode())

	require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"one", "two"}))
	require.Equal(t, []string{"get:a", "add:a"}, b.calls)
	require.Equal(t, []string{"one", "two"}, b.texts("a"))
}

func TestVectorReplaceProtocolOrder(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	s := New(ctx, b)
	require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"para one", "para two"}))
	b.resetCalls()

	require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"new only"}))
	require.Equal(t, []string{
		"get:a",
		"delete:a_replacing",
		"add:a_replacing",
		"delete:a",
		"get:a_replacing",
		"add:a",
		"delete:a_replacing",
	}, b.calls)
	require.Equal(t, []string{"new only"}, b.texts("a"))
	require.Nil(t, b.texts("a_replacing"))

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.DocumentSummary{{ID: "a", Filename: "a.txt", ChunkCount: 1}}, docs)
}

func TestVectorReplaceFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(b *fakeBackend)
		step     string
		lost     bool
		expected []string
	}{
		{
			name:     "check",
			setup:    func(b *fakeBackend) { b.failGet["a"] = true },
			step:     StepCheck,
			expected: []string{"old"},
		},
		{
			name:     "stage",
			setup:    func(b *fakeBackend) { b.failAdd["a_replacing"] = true },
			step:     StepStage,
			expected: []string{"old"},
		},
		{
			name:     "delete original",
			setup:    func(b *fakeBackend) { b.failDel["a"] = true },
			step:     StepDeleteOriginal,
			expected: []string{"old"},
		},
		{
			name:  "verify staging",
			setup: func(b *fakeBackend) { b.failGet["a_replacing"] = true },
			step:  StepVerifyStaging,
			lost:  true,
		},
		{
			name:  "promote",
			setup: func(b *fakeBackend) { b.failAdd["a"] = true },
			step:  StepPromote,
			lost:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := newFakeBackend()
			s := New(ctx, b)
			require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"old"}))
			v := s.Version()
			tt.setup(b)

			err := s.AddDocument(ctx, "a", "a.txt", []string{"new"})
			require.Error(t, err)
			var rerr *ReplaceError
			require.True(t, errors.As(err, &rerr))
			require.Equal(t, "a", rerr.DocID)
			require.Equal(t, tt.step, rerr.Step)
			require.Equal(t, tt.lost, rerr.Lost)
			require.True(t, errors.Is(err, appErr.ErrStoreFailure))
			require.Equal(t, v, s.Version())
			require.Equal(t, tt.expected, b.texts("a"))
			if tt.step == StepDeleteOriginal || tt.step == StepPromote {
				require.Nil(t, b.texts("a_replacing"))
			}
		})
	}
}

func TestVectorAddFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	b.failAdd["a"] = true
	s := New(ctx, b)
	err := s.AddDocument(ctx, "a", "a.txt", []string{"x"})
	var rerr *ReplaceError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, StepAdd, rerr.Step)
	require.False(t, rerr.Lost)
	exists, err := s.DocumentExists(ctx, "a")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestReplacerSkipsStaging(t *testing.T) {
	ctx := context.Background()
	b := &replacingBackend{fakeBackend: newFakeBackend()}
	s := New(ctx, b)
	require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"old"}))
	require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"new"}))
	require.Equal(t, 1, b.replaced)
	require.Equal(t, []string{"new"}, b.texts("a"))
	for _, call := range b.calls {
		require.NotContains(t, call, StagingSuffix)
	}
}

func TestStagingHiddenAndRecovered(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	s := New(ctx, b)
	// interrupted after the original was deleted
	require.NoError(t, b.AddChunks(ctx, "a_replacing", "a.txt", []string{"staged"}))
	// interrupted before the original was deleted
	require.NoError(t, b.AddChunks(ctx, "b", "b.txt", []string{"kept"}))
	require.NoError(t, b.AddChunks(ctx, "b_replacing", "b.txt", []string{"stale"}))

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.DocumentSummary{{ID: "b", Filename: "b.txt", ChunkCount: 1}}, docs)

	v := s.Version()
	n, err := s.RecoverReplacements(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Greater(t, s.Version(), v)
	require.Equal(t, []string{"staged"}, b.texts("a"))
	require.Equal(t, []string{"kept"}, b.texts("b"))
	require.Nil(t, b.texts("a_replacing"))
	require.Nil(t, b.texts("b_replacing"))

	n, err = s.RecoverReplacements(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRecoverMemoryNoop(t *testing.T) {
	n, err := New(context.Background(), nil).RecoverReplacements(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestConcurrentReplaceSameID(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	s := New(ctx, b)
	require.NoError(t, s.AddDocument(ctx, "a", "a.txt", []string{"seed"}))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AddDocument(ctx, "a", "a.txt", []string{fmt.Sprintf("v%d-1", i), fmt.Sprintf("v%d-2", i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, 2, docs[0].ChunkCount)
	got := b.texts("a")
	require.Len(t, got, 2)
	require.Equal(t, got[0][:len(got[0])-2], got[1][:len(got[1])-2])
}

type hashEmbedder struct{}

func (hashEmbedder) Available() bool   { return true }
func (hashEmbedder) ModelName() string { return "hash" }

func (h hashEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	res, err := h.EmbedBatch(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (hashEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 4)
		for j, r := range text {
			vec[j%4] += float32(r)
		}
		out[i] = vec
	}
	return out, nil
}

func TestBoltReingestScenario(t *testing.T) {
	ctx := context.Background()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "store.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	backend, err := vectorstore.NewBoltBackend(db, "", hashEmbedder{})
	require.NoError(t, err)

	s := New(ctx, backend)
	require.Equal(t, ModeVector, s.Mode())
	require.NoError(t, s.AddDocument(ctx, "doc", "notes.md", []string{"para one", "para two"}))
	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.DocumentSummary{{ID: "doc", Filename: "notes.md", ChunkCount: 2}}, docs)

	require.NoError(t, s.AddDocument(ctx, "doc", "notes.md", []string{"new only"}))
	docs, err = s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.DocumentSummary{{ID: "doc", Filename: "notes.md", ChunkCount: 1}}, docs)
	all, err := s.GetAllChunks(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"new only"}, all)
}
