package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

var errBackend = errors.New("backend down")

type fakeDoc struct {
	filename string
	texts    []string
}

// fakeBackend is an in-memory vectorstore.Backend that records calls and
// fails selected operations on selected ids.
type fakeBackend struct {
	mu        sync.Mutex
	order     []string
	docs      map[string]*fakeDoc
	calls     []string
	failAdd   map[string]bool
	failDel   map[string]bool
	failGet   map[string]bool
	available bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		docs:      map[string]*fakeDoc{},
		failAdd:   map[string]bool{},
		failDel:   map[string]bool{},
		failGet:   map[string]bool{},
		available: true,
	}
}

func (f *fakeBackend) record(op, id string) {
	f.calls = append(f.calls, fmt.Sprintf("%s:%s", op, id))
}

func (f *fakeBackend) Name() string      { return "fake" }
func (f *fakeBackend) IsAvailable() bool { return f.available }
func (f *fakeBackend) Close() error      { return nil }

func (f *fakeBackend) AddChunks(ctx context.Context, docID, filename string, texts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add", docID)
	if f.failAdd[docID] {
		return errBackend
	}
	if _, ok := f.docs[docID]; !ok {
		f.order = append(f.order, docID)
		f.docs[docID] = &fakeDoc{filename: filename}
	}
	d := f.docs[docID]
	d.texts = append(d.texts, texts...)
	return nil
}

func (f *fakeBackend) DeleteByDocID(ctx context.Context, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete", docID)
	if f.failDel[docID] {
		return errBackend
	}
	if _, ok := f.docs[docID]; !ok {
		return nil
	}
	delete(f.docs, docID)
	for i, id := range f.order {
		if id == docID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeBackend) ListDocuments(ctx context.Context) ([]model.DocumentSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.DocumentSummary, 0, len(f.order))
	for _, id := range f.order {
		d := f.docs[id]
		out = append(out, model.DocumentSummary{ID: id, Filename: d.filename, ChunkCount: len(d.texts)})
	}
	return out, nil
}

func (f *fakeBackend) GetChunksByDocID(ctx context.Context, docID string) ([]model.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get", docID)
	if f.failGet[docID] {
		return nil, errBackend
	}
	d, ok := f.docs[docID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	out := make([]model.Chunk, len(d.texts))
	for i, text := range d.texts {
		out[i] = model.Chunk{Text: text, ChunkIndex: i}
	}
	return out, nil
}

func (f *fakeBackend) SimilaritySearch(ctx context.Context, question string, k int) ([]model.RetrievedChunk, error) {
	return nil, nil
}

func (f *fakeBackend) Points(ctx context.Context) ([]model.VectorPoint, error) {
	return nil, nil
}

func (f *fakeBackend) texts(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok {
		return append([]string(nil), d.texts...)
	}
	return nil
}

func (f *fakeBackend) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// replacingBackend swaps chunks in one step.
type replacingBackend struct {
	*fakeBackend
	replaced int
}

func (r *replacingBackend) ReplaceChunks(ctx context.Context, docID, filename string, texts []string) error {
	r.mu.Lock()
	r.replaced++
	r.mu.Unlock()
	if err := r.DeleteByDocID(ctx, docID); err != nil {
		return err
	}
	return r.AddChunks(ctx, docID, filename, texts)
}
