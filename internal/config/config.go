package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port        int               `json:"port"`
	DataDir     string            `json:"data_dir"`
	MaxUploadMB int64             `json:"max_upload_mb"`
	LogConfig   logger.LogConfig  `json:"log_config"`
	Security    SecurityConfig    `json:"security"`
	AI          AIConfig          `json:"ai"`
	VectorStore VectorStoreConfig `json:"vector_store"`
	Database    DatabaseConfig    `json:"database"`
	FileStore   FileStoreConfig   `json:"file_store"`
	Jobs        JobsConfig        `json:"jobs"`
}

type SecurityConfig struct {
	APIKey             string   `json:"api_key"`
	APIKeyEnv          string   `json:"api_key_env"`
	AllowedOrigins     []string `json:"allowed_origins"`
	RequireOriginCheck bool     `json:"require_origin_check"`
	RateLimitMS        int      `json:"rate_limit_ms"`
}

type AIProviderConfig struct {
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Data     interface{} `json:"data"`
}

type EmbedCacheConfig struct {
	LRUSize    int  `json:"lru_size"`
	LRUTTLSec  int  `json:"lru_ttl_sec"`
	Persistent bool `json:"persistent"`
}

type AIConfig struct {
	Generators []AIProviderConfig `json:"generators"`
	Embedder   *AIProviderConfig  `json:"embedder"`
	Timeout    int                `json:"timeout"`
	EmbedCache EmbedCacheConfig   `json:"embed_cache"`
}

type VectorStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

func (c DatabaseConfig) Enabled() bool {
	return c.DSN != "" || c.Host != ""
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type JobsConfig struct {
	EmbeddingCacheCleanup string `json:"embedding_cache_cleanup"`
	ReplacementRecovery   string `json:"replacement_recovery"`
	CacheMaxAgeDays       int    `json:"cache_max_age_days"`
}

const (
	VectorStoreNone     = "none"
	VectorStoreBolt     = "bolt"
	VectorStorePGVector = "pgvector"
	VectorStoreQdrant   = "qdrant"
)

func (cfg *Config) BoltPath() string {
	return filepath.Join(cfg.DataDir, "mrag.db")
}

func (cfg *Config) SettingsPath() string {
	return filepath.Join(cfg.DataDir, "settings.json")
}

// ResolveAPIKey returns the shared secret for the frontend guard, empty when the guard is off.
func (s SecurityConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(s.APIKey); key != "" {
		return key
	}
	env := strings.TrimSpace(s.APIKeyEnv)
	if env == "" {
		env = "MRAG_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(env))
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.Security.RateLimitMS < 0 {
		cfg.Security.RateLimitMS = 0
	}
	if cfg.AI.Timeout <= 0 {
		cfg.AI.Timeout = 60
	}
	for i, g := range cfg.AI.Generators {
		if strings.TrimSpace(g.Provider) == "" {
			return fmt.Errorf("ai.generators[%d].provider is required", i)
		}
	}
	if cfg.AI.Embedder != nil {
		if strings.TrimSpace(cfg.AI.Embedder.Provider) == "" {
			return fmt.Errorf("ai.embedder.provider is required")
		}
		if strings.TrimSpace(cfg.AI.Embedder.Model) == "" {
			return fmt.Errorf("ai.embedder.model is required")
		}
	}
	cfg.VectorStore.Type = strings.ToLower(strings.TrimSpace(cfg.VectorStore.Type))
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = VectorStoreNone
	}
	switch cfg.VectorStore.Type {
	case VectorStoreNone, VectorStoreBolt, VectorStoreQdrant:
	case VectorStorePGVector:
		if !cfg.Database.Enabled() {
			return fmt.Errorf("database is required for pgvector store")
		}
	default:
		return fmt.Errorf("vector_store.type must be none, bolt, pgvector or qdrant")
	}
	cfg.FileStore.Type = strings.ToLower(strings.TrimSpace(cfg.FileStore.Type))
	if cfg.FileStore.Type == "" {
		cfg.FileStore.Type = "none"
	}
	switch cfg.FileStore.Type {
	case "none", "local", "s3":
	default:
		return fmt.Errorf("file_store.type must be none, local or s3")
	}
	if cfg.Jobs.CacheMaxAgeDays <= 0 {
		cfg.Jobs.CacheMaxAgeDays = 30
	}
	if cfg.Jobs.EmbeddingCacheCleanup == "" {
		cfg.Jobs.EmbeddingCacheCleanup = "0 3 * * *"
	}
	if cfg.Jobs.ReplacementRecovery == "" {
		cfg.Jobs.ReplacementRecovery = "*/10 * * * *"
	}
	return nil
}
