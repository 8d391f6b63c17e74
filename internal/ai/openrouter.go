package ai

import (
	"context"
	"fmt"
	"strings"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

type openrouterConfig struct {
	APIKey      string `json:"api_key"`
	APIKeyEnv   string `json:"api_key_env"`
	BaseURL     string `json:"base_url"`
	HTTPReferer string `json:"http_referer"`
	XTitle      string `json:"x_title"`
	TimeoutSec  int    `json:"timeout_sec"`
}

// openrouterProvider speaks the OpenAI chat protocol but serves no embeddings.
type openrouterProvider struct {
	*openAIProvider
}

func (p *openrouterProvider) EmbedBatch(ctx context.Context, model string, texts []string, taskType string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: openrouter does not provide embeddings", ErrUnavailable)
}

func createOpenRouterFactory(args interface{}) (IProvider, error) {
	cfg := &openrouterConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	headers := map[string]string{}
	if v := strings.TrimSpace(cfg.HTTPReferer); v != "" {
		headers["HTTP-Referer"] = v
	}
	if v := strings.TrimSpace(cfg.XTitle); v != "" {
		headers["X-Title"] = v
	}
	return &openrouterProvider{openAIProvider: &openAIProvider{
		name:    "openrouter",
		apiKey:  resolveAPIKey(cfg.APIKey, cfg.APIKeyEnv, "OPENROUTER_API_KEY"),
		baseURL: baseURL,
		headers: headers,
		client:  newHTTPClient(cfg.TimeoutSec),
	}}, nil
}

func init() {
	Register("openrouter", createOpenRouterFactory)
}
