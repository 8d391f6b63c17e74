package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnavailable marks a capability that is not configured; callers degrade instead of failing.
var ErrUnavailable = errors.New("ai capability unavailable")

const (
	TaskTypeDocument = "RETRIEVAL_DOCUMENT"
	TaskTypeQuery    = "RETRIEVAL_QUERY"
)

type ChatRequest struct {
	System      string
	Prompt      string
	Model       string
	Temperature *float64
}

type IProvider interface {
	Name() string
	Available() bool
	Generate(ctx context.Context, model string, req ChatRequest) (string, error)
	EmbedBatch(ctx context.Context, model string, texts []string, taskType string) ([][]float32, error)
}

type IGenerator interface {
	Available() bool
	Generate(ctx context.Context, req ChatRequest) (string, error)
}

type IEmbedder interface {
	Available() bool
	Embed(ctx context.Context, text string, taskType string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error)
	ModelName() string
}

type generator struct {
	provider IProvider
	model    string
}

// NewGenerator binds a provider to a model. An empty model follows the model named by the request.
func NewGenerator(p IProvider, model string) IGenerator {
	return &generator{provider: p, model: strings.TrimSpace(model)}
}

func (g *generator) Available() bool {
	return g.provider != nil && g.provider.Available()
}

func (g *generator) Generate(ctx context.Context, req ChatRequest) (string, error) {
	if !g.Available() {
		return "", ErrUnavailable
	}
	model := g.model
	if model == "" {
		model = req.Model
	}
	if model == "" {
		return "", fmt.Errorf("generator model is required")
	}
	return g.provider.Generate(ctx, model, req)
}

type embedder struct {
	provider IProvider
	model    string
}

func NewEmbedder(p IProvider, model string) IEmbedder {
	return &embedder{provider: p, model: strings.TrimSpace(model)}
}

func (e *embedder) Available() bool {
	return e.provider != nil && e.provider.Available() && e.model != ""
}

func (e *embedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	res, err := e.EmbedBatch(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (e *embedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if !e.Available() {
		return nil, ErrUnavailable
	}
	if len(texts) == 0 {
		return nil, nil
	}
	res, err := e.provider.EmbedBatch(ctx, e.model, texts, taskType)
	if err != nil {
		return nil, err
	}
	if len(res) != len(texts) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", e.provider.Name(), len(res), len(texts))
	}
	return res, nil
}

func (e *embedder) ModelName() string {
	return e.model
}

type ProviderFactory func(args interface{}) (IProvider, error)

var registry = map[string]ProviderFactory{}

func Register(name string, factory ProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

func NewProvider(name string, args interface{}) (IProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("ai.provider is required")
	}
	factory := registry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported ai provider: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ai provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode ai provider config: %w", err)
	}
	return nil
}

// resolveAPIKey prefers the configured key and falls back to the named environment variable.
func resolveAPIKey(key, env, defaultEnv string) string {
	if key = strings.TrimSpace(key); key != "" {
		return key
	}
	if env = strings.TrimSpace(env); env == "" {
		env = defaultEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}
