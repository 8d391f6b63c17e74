package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/xxxsen/mrag/internal/vectorstore"
)

type vectorStrategy struct {
	backend vectorstore.Backend
}

func (v *vectorStrategy) mode() string {
	return ModeVector
}

func (v *vectorStrategy) list(ctx context.Context) ([]model.DocumentSummary, error) {
	docs, err := v.backend.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %v", appErr.ErrStoreFailure, err)
	}
	return docs, nil
}

func (v *vectorStrategy) get(ctx context.Context, id string) ([]model.Chunk, error) {
	chunks, err := v.backend.GetChunksByDocID(ctx, id)
	if err != nil {
		if errors.Is(err, appErr.ErrNotFound) {
			return nil, appErr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get chunks: %v", appErr.ErrStoreFailure, err)
	}
	return chunks, nil
}

func (v *vectorStrategy) exists(ctx context.Context, id string) (bool, error) {
	_, err := v.get(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, appErr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// add stores texts under id. When id already holds a document and the backend
// cannot swap it in one transaction, the new chunks are staged under a
// temporary id first so that a failure before the original is deleted leaves
// the original untouched:
//
//	stage -> delete original -> verify staging -> promote -> drop staging
func (v *vectorStrategy) add(ctx context.Context, id, filename string, texts []string) error {
	logger := logutil.GetLogger(ctx).With(zap.String("doc_id", id))
	exists, err := v.exists(ctx, id)
	if err != nil {
		return &ReplaceError{DocID: id, Step: StepCheck, Err: err}
	}
	if !exists {
		if err := v.backend.AddChunks(ctx, id, filename, texts); err != nil {
			return &ReplaceError{DocID: id, Step: StepAdd, Err: err}
		}
		return nil
	}
	if r, ok := v.backend.(vectorstore.Replacer); ok {
		if err := r.ReplaceChunks(ctx, id, filename, texts); err != nil {
			return &ReplaceError{DocID: id, Step: StepReplace, Err: err}
		}
		return nil
	}

	staging := StagingID(id)
	// leftovers of an interrupted replace would otherwise mix with the new chunks
	if err := v.backend.DeleteByDocID(ctx, staging); err != nil {
		return &ReplaceError{DocID: id, Step: StepStage, Err: err}
	}
	if err := v.backend.AddChunks(ctx, staging, filename, texts); err != nil {
		logger.Warn("stage replacement failed, original kept", zap.Error(err))
		return &ReplaceError{DocID: id, Step: StepStage, Err: err}
	}
	if err := v.backend.DeleteByDocID(ctx, id); err != nil {
		logger.Warn("delete original failed, dropping staged copy", zap.Error(err))
		v.dropStaging(ctx, staging)
		return &ReplaceError{DocID: id, Step: StepDeleteOriginal, Err: err}
	}
	staged, err := v.backend.GetChunksByDocID(ctx, staging)
	if err != nil {
		logger.Error("staged copy missing after original was deleted, document lost", zap.String("step", StepVerifyStaging), zap.Error(err))
		return &ReplaceError{DocID: id, Step: StepVerifyStaging, Lost: true, Err: err}
	}
	if err := v.backend.AddChunks(ctx, id, filename, chunkTexts(staged)); err != nil {
		v.dropStaging(ctx, staging)
		logger.Error("promote staged copy failed, document lost", zap.String("step", StepPromote), zap.Error(err))
		return &ReplaceError{DocID: id, Step: StepPromote, Lost: true, Err: err}
	}
	v.dropStaging(ctx, staging)
	return nil
}

func (v *vectorStrategy) dropStaging(ctx context.Context, staging string) {
	if err := v.backend.DeleteByDocID(ctx, staging); err != nil {
		logutil.GetLogger(ctx).Warn("drop staged copy failed, left for recovery", zap.String("doc_id", staging), zap.Error(err))
	}
}

func (v *vectorStrategy) delete(ctx context.Context, id string) error {
	exists, err := v.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return appErr.ErrNotFound
	}
	if err := v.backend.DeleteByDocID(ctx, id); err != nil {
		return fmt.Errorf("%w: delete %s: %v", appErr.ErrStoreFailure, id, err)
	}
	v.dropStaging(ctx, StagingID(id))
	return nil
}

func chunkTexts(chunks []model.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
