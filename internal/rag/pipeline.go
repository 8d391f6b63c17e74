package rag

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

type SettingsSource interface {
	Get(ctx context.Context) (*model.Settings, error)
}

// Pipeline runs retrieval then generation. It holds no per-call state.
type Pipeline struct {
	src      ChunkSource
	llm      LLM
	settings SettingsSource
}

func NewPipeline(src ChunkSource, llm LLM, settings SettingsSource) *Pipeline {
	return &Pipeline{src: src, llm: llm, settings: settings}
}

func (p *Pipeline) Run(ctx context.Context, question string) (*Result, error) {
	logger := logutil.GetLogger(ctx)
	settings, err := p.settings.Get(ctx)
	if err != nil {
		logger.Error("load settings failed", zap.Error(err))
		return nil, fmt.Errorf("%w: load settings", appErr.ErrInternal)
	}
	st := &State{Question: question}
	if err := retrieve(ctx, p.src, st, settings.Retriever.K); err != nil {
		logger.Error("retrieval failed", zap.Error(err))
		return nil, fmt.Errorf("%w: retrieval failed", appErr.ErrInternal)
	}
	if err := generate(ctx, p.llm, p.src, settings.Chat, st); err != nil {
		logger.Error("generation failed", zap.String("retrieval_method", st.RetrievalMethod), zap.Error(err))
		return nil, fmt.Errorf("%w: generation failed", appErr.ErrInternal)
	}
	logger.Debug("rag query done",
		zap.String("retrieval_method", st.RetrievalMethod),
		zap.String("generation", st.Generation),
		zap.Int("retrieved", len(st.RetrievedChunks)),
	)
	return st.result(), nil
}
