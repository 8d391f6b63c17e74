package docstore

import (
	"context"
	"sync"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

type memoryDoc struct {
	id       string
	filename string
	chunks   []string
}

// memoryStrategy keeps documents in insertion order; a replaced document moves to the end.
type memoryStrategy struct {
	mu   sync.RWMutex
	docs []*memoryDoc
}

func newMemoryStrategy() *memoryStrategy {
	return &memoryStrategy{}
}

func (m *memoryStrategy) mode() string {
	return ModeMemory
}

func (m *memoryStrategy) indexOf(id string) int {
	for i, d := range m.docs {
		if d.id == id {
			return i
		}
	}
	return -1
}

func (m *memoryStrategy) list(ctx context.Context) ([]model.DocumentSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.DocumentSummary, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, model.DocumentSummary{ID: d.id, Filename: d.filename, ChunkCount: len(d.chunks)})
	}
	return out, nil
}

func (m *memoryStrategy) get(ctx context.Context, id string) ([]model.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.indexOf(id)
	if i < 0 {
		return nil, appErr.ErrNotFound
	}
	out := make([]model.Chunk, len(m.docs[i].chunks))
	for idx, text := range m.docs[i].chunks {
		out[idx] = model.Chunk{Text: text, ChunkIndex: idx}
	}
	return out, nil
}

func (m *memoryStrategy) add(ctx context.Context, id, filename string, texts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(id); i >= 0 {
		m.docs = append(m.docs[:i], m.docs[i+1:]...)
	}
	m.docs = append(m.docs, &memoryDoc{id: id, filename: filename, chunks: append([]string(nil), texts...)})
	return nil
}

func (m *memoryStrategy) delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(id)
	if i < 0 {
		return appErr.ErrNotFound
	}
	m.docs = append(m.docs[:i], m.docs[i+1:]...)
	return nil
}
