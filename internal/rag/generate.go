package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/ai"
	"github.com/xxxsen/mrag/internal/model"
)

const (
	systemPrompt = "Answer the question using the provided context. If the context is empty, say that you have no information."

	maxSources = 3
)

// LLM is the text generation capability.
type LLM interface {
	IsAvailable() bool
	Generate(ctx context.Context, req ai.ChatRequest) (string, error)
}

func NoDocumentsAnswer() string {
	return "No document ingested. Upload a PDF or text file via /api/rag/ingest."
}

func NoLLMAnswer(chunkCount int) string {
	return fmt.Sprintf("Context available (%d chunks). Configure an API key for generated answers.", chunkCount)
}

func buildPrompt(question, context string) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s", context, question)
}

func generate(ctx context.Context, llm LLM, src ChunkSource, chat model.ChatSettings, st *State) error {
	if llm != nil && llm.IsAvailable() && (st.Context != "" || st.Question != "") {
		temperature := chat.Temperature
		answer, err := llm.Generate(ctx, ai.ChatRequest{
			System:      systemPrompt,
			Prompt:      buildPrompt(st.Question, st.Context),
			Model:       chat.Model,
			Temperature: &temperature,
		})
		switch {
		case err == nil:
			st.Answer = answer
			st.Generation = GenerationLLM
			st.Sources = sources(st.Context)
			return nil
		case errors.Is(err, ai.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
			logutil.GetLogger(ctx).Warn("llm unavailable, using fallback answer", zap.Error(err))
		default:
			return fmt.Errorf("generate answer: %w", err)
		}
	}
	chunks, err := src.GetAllChunks(ctx)
	if err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	if len(chunks) == 0 {
		st.Answer = NoDocumentsAnswer()
		st.Generation = GenerationNoDocuments
	} else {
		st.Answer = NoLLMAnswer(len(chunks))
		st.Generation = GenerationNoLLM
	}
	st.Sources = sources(st.Context)
	return nil
}

func sources(context string) []string {
	if context == "" {
		return []string{}
	}
	parts := strings.Split(context, contextSeparator)
	if len(parts) > maxSources {
		parts = parts[:maxSources]
	}
	return parts
}
