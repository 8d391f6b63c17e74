package ai

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type ManagerConfig struct {
	Timeout int
}

// Manager is the process wide LLM and embedding capability. Absent pieces are
// replaced by null implementations so callers only ever ask Available.
type Manager struct {
	generator IGenerator
	embedder  IEmbedder
	cfg       ManagerConfig
}

func NewManager(generator IGenerator, embedder IEmbedder, cfg ManagerConfig) *Manager {
	if generator == nil {
		generator = nullGenerator{}
	}
	if embedder == nil {
		embedder = nullEmbedder{}
	} else if cfg.Timeout > 0 {
		embedder = &timeoutEmbedder{next: embedder, timeout: time.Duration(cfg.Timeout) * time.Second}
	}
	return &Manager{
		generator: generator,
		embedder:  embedder,
		cfg:       cfg,
	}
}

func (m *Manager) IsAvailable() bool {
	return m.generator.Available()
}

func (m *Manager) EmbeddingAvailable() bool {
	return m.embedder.Available()
}

func (m *Manager) Embedder() IEmbedder {
	return m.embedder
}

func (m *Manager) Generate(ctx context.Context, req ChatRequest) (string, error) {
	if !m.generator.Available() {
		return "", ErrUnavailable
	}
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.Timeout)*time.Second)
		defer cancel()
	}
	resp, err := m.generator.Generate(ctx, req)
	if err != nil {
		return "", wrapCtxErr(ctx, "generate", err)
	}
	text := strings.TrimSpace(resp)
	if text == "" {
		return "", fmt.Errorf("empty ai response")
	}
	return text, nil
}

func (m *Manager) EmbeddingModelName() string {
	return m.embedder.ModelName()
}

// timeoutEmbedder bounds every embedding call like Generate is bounded.
type timeoutEmbedder struct {
	next    IEmbedder
	timeout time.Duration
}

func (t *timeoutEmbedder) Available() bool {
	return t.next.Available()
}

func (t *timeoutEmbedder) ModelName() string {
	return t.next.ModelName()
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := t.next.Embed(ctx, text, taskType)
	if err != nil {
		return nil, wrapCtxErr(ctx, "embed", err)
	}
	return res, nil
}

func (t *timeoutEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := t.next.EmbedBatch(ctx, texts, taskType)
	if err != nil {
		return nil, wrapCtxErr(ctx, "embed batch", err)
	}
	return res, nil
}

func wrapCtxErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return err
}

type nullGenerator struct{}

func (nullGenerator) Available() bool { return false }

func (nullGenerator) Generate(ctx context.Context, req ChatRequest) (string, error) {
	return "", ErrUnavailable
}

type nullEmbedder struct{}

func (nullEmbedder) Available() bool { return false }

func (nullEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (nullEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return nil, ErrUnavailable
}

func (nullEmbedder) ModelName() string { return "" }
