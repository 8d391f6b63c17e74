package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mrag/internal/docstore"
	"github.com/xxxsen/mrag/internal/extract"
	"github.com/xxxsen/mrag/internal/filestore"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/xxxsen/mrag/internal/rag"
)

type ragFixture struct {
	svc      *RAGService
	settings *SettingsService
	store    *docstore.Store
}

func newRAGFixture(t *testing.T, files filestore.Store) *ragFixture {
	t.Helper()
	ctx := context.Background()
	settings, _ := newSettingsService(t)
	_, err := settings.Save(ctx, []byte(`{"chunks":{"chunk_size":100,"chunk_overlap":0}}`))
	require.NoError(t, err)
	store := docstore.New(ctx, nil)
	pipeline := rag.NewPipeline(store, nil, settings)
	return &ragFixture{
		svc:      NewRAGService(store, pipeline, settings, extract.New(), files),
		settings: settings,
		store:    store,
	}
}

func twoParagraphs() []byte {
	return []byte("para one " + strings.Repeat("a", 60) + "\n\npara two " + strings.Repeat("b", 60))
}

func TestIngestReingestScenario(t *testing.T) {
	ctx := context.Background()
	f := newRAGFixture(t, nil)

	res, err := f.svc.Ingest(ctx, IngestInput{Filename: "notes.txt", Data: twoParagraphs()})
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)
	require.Equal(t, 2, res.Chunks)

	docs, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, 2, docs[0].ChunkCount)

	res, err = f.svc.Reingest(ctx, res.ID, "notes.txt", []byte("new only"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Chunks)

	chunks, err := f.svc.GetChunks(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "new only", chunks[0].Text)

	out, err := f.svc.Query(ctx, "para")
	require.NoError(t, err)
	require.Equal(t, []string{"new only"}, out.Sources)
	require.Equal(t, rag.GenerationNoLLM, out.Generation)
}

func TestIngestValidation(t *testing.T) {
	ctx := context.Background()
	f := newRAGFixture(t, nil)

	_, err := f.svc.Ingest(ctx, IngestInput{Filename: " ", Data: []byte("x")})
	require.True(t, errors.Is(err, appErr.ErrInvalid))

	_, err = f.svc.Ingest(ctx, IngestInput{DocID: "a_replacing", Filename: "a.txt", Data: []byte("x")})
	require.True(t, errors.Is(err, appErr.ErrInvalid))

	_, err = f.svc.Ingest(ctx, IngestInput{Filename: "empty.txt", Data: []byte("  \n\n ")})
	require.True(t, errors.Is(err, appErr.ErrInvalid))

	_, err = f.svc.Ingest(ctx, IngestInput{Filename: "bad.txt", Data: []byte{0xff, 0xfe, 'a'}})
	require.True(t, errors.Is(err, appErr.ErrExtraction))

	docs, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestIngestBinaryFallsBackToRawText(t *testing.T) {
	ctx := context.Background()
	f := newRAGFixture(t, nil)
	data := append([]byte("%PDF-1.4 "), []byte("hello\x00world")...)
	res, err := f.svc.Ingest(ctx, IngestInput{DocID: "pdf", Filename: "a.pdf", Data: data})
	require.NoError(t, err)
	require.Equal(t, "pdf", res.ID)
	require.Equal(t, 1, res.Chunks)
}

func TestIngestProgressEvents(t *testing.T) {
	ctx := context.Background()
	f := newRAGFixture(t, nil)

	var statuses []string
	emit := func(ev ProgressEvent) { statuses = append(statuses, ev.Status) }
	_, err := f.svc.IngestWithProgress(ctx, IngestInput{DocID: "d", Filename: "a.md", Data: []byte("# Title\n\nbody")}, emit)
	require.NoError(t, err)
	require.Equal(t, []string{ProgressReceived, ProgressExtracting, ProgressChunking, ProgressStoring, ProgressDone}, statuses)

	statuses = nil
	_, err = f.svc.IngestWithProgress(ctx, IngestInput{Filename: ""}, emit)
	require.Error(t, err)
	require.Equal(t, []string{ProgressError}, statuses)
}

func TestReingestUnknownAndArchive(t *testing.T) {
	ctx := context.Background()
	f := newRAGFixture(t, filestore.NewLocalStore(t.TempDir()))

	_, err := f.svc.Reingest(ctx, "missing", "a.txt", []byte("x"))
	require.True(t, errors.Is(err, appErr.ErrNotFound))

	_, err = f.svc.Ingest(ctx, IngestInput{DocID: "doc", Filename: "notes.txt", Data: twoParagraphs()})
	require.NoError(t, err)

	_, err = f.settings.Save(ctx, []byte(`{"chunks":{"chunk_size":1000}}`))
	require.NoError(t, err)
	res, err := f.svc.Reingest(ctx, "doc", "", nil)
	require.NoError(t, err)
	require.Equal(t, "notes.txt", res.Filename)
	require.Equal(t, 1, res.Chunks)

	require.NoError(t, f.svc.Delete(ctx, "doc"))
	require.True(t, errors.Is(f.svc.Delete(ctx, "doc"), appErr.ErrNotFound))
}

func TestReingestWithoutArchive(t *testing.T) {
	ctx := context.Background()
	f := newRAGFixture(t, nil)
	_, err := f.svc.Ingest(ctx, IngestInput{DocID: "doc", Filename: "a.txt", Data: []byte("text")})
	require.NoError(t, err)
	_, err = f.svc.Reingest(ctx, "doc", "", nil)
	require.True(t, errors.Is(err, appErr.ErrInvalid))
}

func TestQueryRejectsBlank(t *testing.T) {
	f := newRAGFixture(t, nil)
	_, err := f.svc.Query(context.Background(), "   ")
	require.True(t, errors.Is(err, appErr.ErrInvalid))
}

func TestVectorMapUnavailableInMemoryMode(t *testing.T) {
	f := newRAGFixture(t, nil)
	res := f.svc.VectorMap(context.Background())
	require.False(t, res.Available)
	require.NotNil(t, res.Points)
	require.Empty(t, res.Points)
}

func TestPublicMessage(t *testing.T) {
	require.Equal(t, "document not found", PublicMessage(appErr.ErrNotFound))
	require.Equal(t, "internal error", PublicMessage(errors.New("db password leaked")))
	require.Equal(t, "document store failure", PublicMessage(&docstore.ReplaceError{DocID: "a", Step: docstore.StepAdd, Err: errors.New("x")}))
}
