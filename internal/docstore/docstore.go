package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/xxxsen/mrag/internal/pkg/keylock"
	"github.com/xxxsen/mrag/internal/vectorstore"
)

const (
	ModeMemory = "memory"
	ModeVector = "vector"

	StagingSuffix = vectorstore.StagingSuffix
)

type strategy interface {
	mode() string
	list(ctx context.Context) ([]model.DocumentSummary, error)
	get(ctx context.Context, id string) ([]model.Chunk, error)
	add(ctx context.Context, id, filename string, texts []string) error
	delete(ctx context.Context, id string) error
}

// Store is the single source of truth for ingested documents. It writes to the
// vector backend when one is available and to process memory otherwise.
type Store struct {
	impl    strategy
	backend vectorstore.Backend
	locks   *keylock.KeyLock
	version atomic.Uint64
}

func New(ctx context.Context, backend vectorstore.Backend) *Store {
	s := &Store{locks: keylock.New()}
	if backend != nil && backend.IsAvailable() {
		s.backend = backend
		s.impl = &vectorStrategy{backend: backend}
	} else {
		s.impl = newMemoryStrategy()
	}
	fields := []zap.Field{zap.String("mode", s.impl.mode())}
	if s.backend != nil {
		fields = append(fields, zap.String("backend", s.backend.Name()))
	}
	logutil.GetLogger(ctx).Info("document store ready", fields...)
	return s
}

func StagingID(id string) string {
	return id + StagingSuffix
}

func IsStagingID(id string) bool {
	return vectorstore.IsStagingID(id)
}

func (s *Store) Mode() string {
	return s.impl.mode()
}

// Vector returns the backend used for similarity search, or nil in memory mode.
func (s *Store) Vector() vectorstore.Backend {
	return s.backend
}

// Version changes after every successful mutation.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

func (s *Store) ListDocuments(ctx context.Context) ([]model.DocumentSummary, error) {
	docs, err := s.impl.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.DocumentSummary, 0, len(docs))
	for _, d := range docs {
		if IsStagingID(d.ID) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) GetChunks(ctx context.Context, id string) ([]model.Chunk, error) {
	return s.impl.get(ctx, id)
}

func (s *Store) DocumentExists(ctx context.Context, id string) (bool, error) {
	_, err := s.impl.get(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, appErr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// AddDocument stores chunks under id, replacing any previous version. Calls
// for the same id are serialized.
func (s *Store) AddDocument(ctx context.Context, id, filename string, chunks []string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty document id", appErr.ErrInvalid)
	}
	if IsStagingID(id) {
		return fmt.Errorf("%w: document id must not end with %s", appErr.ErrInvalid, StagingSuffix)
	}
	if len(chunks) == 0 {
		return ErrNoChunks
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.impl.add(ctx, id, filename, chunks); err != nil {
		return err
	}
	s.version.Add(1)
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.impl.delete(ctx, id); err != nil {
		return err
	}
	s.version.Add(1)
	return nil
}

// GetAllChunks concatenates the chunks of every document in listing order.
func (s *Store) GetAllChunks(ctx context.Context) ([]string, error) {
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for _, d := range docs {
		chunks, err := s.impl.get(ctx, d.ID)
		if err != nil {
			if errors.Is(err, appErr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, chunkTexts(chunks)...)
	}
	return out, nil
}

// RecoverReplacements resolves staged copies left by an interrupted replace.
// A staged copy is promoted when its original is missing and dropped otherwise.
// It returns the number of staged copies handled.
func (s *Store) RecoverReplacements(ctx context.Context) (int, error) {
	vs, ok := s.impl.(*vectorStrategy)
	if !ok {
		return 0, nil
	}
	docs, err := vs.list(ctx)
	if err != nil {
		return 0, err
	}
	logger := logutil.GetLogger(ctx)
	handled := 0
	var errs []error
	for _, d := range docs {
		if !IsStagingID(d.ID) {
			continue
		}
		if err := s.recoverOne(ctx, vs, d); err != nil {
			logger.Error("recover staged document failed", zap.String("doc_id", d.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		handled++
	}
	if handled > 0 {
		s.version.Add(1)
	}
	return handled, errors.Join(errs...)
}

func (s *Store) recoverOne(ctx context.Context, vs *vectorStrategy, staged model.DocumentSummary) error {
	id := strings.TrimSuffix(staged.ID, StagingSuffix)
	unlock := s.locks.Lock(id)
	defer unlock()
	logger := logutil.GetLogger(ctx).With(zap.String("doc_id", id))

	exists, err := vs.exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		logger.Info("dropping stale staged copy")
		return s.backend.DeleteByDocID(ctx, staged.ID)
	}
	chunks, err := vs.get(ctx, staged.ID)
	if err != nil {
		return err
	}
	if err := s.backend.AddChunks(ctx, id, staged.Filename, chunkTexts(chunks)); err != nil {
		return fmt.Errorf("%w: promote %s: %v", appErr.ErrStoreFailure, id, err)
	}
	logger.Info("promoted staged copy", zap.Int("chunks", len(chunks)))
	return s.backend.DeleteByDocID(ctx, staged.ID)
}
