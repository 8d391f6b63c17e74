package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/ai"
	"github.com/xxxsen/mrag/internal/config"
	"github.com/xxxsen/mrag/internal/db"
	"github.com/xxxsen/mrag/internal/docstore"
	"github.com/xxxsen/mrag/internal/embedcache"
	"github.com/xxxsen/mrag/internal/extract"
	"github.com/xxxsen/mrag/internal/filestore"
	"github.com/xxxsen/mrag/internal/handler"
	"github.com/xxxsen/mrag/internal/job"
	"github.com/xxxsen/mrag/internal/middleware"
	"github.com/xxxsen/mrag/internal/rag"
	"github.com/xxxsen/mrag/internal/repo"
	"github.com/xxxsen/mrag/internal/schedule"
	"github.com/xxxsen/mrag/internal/service"
	"github.com/xxxsen/mrag/internal/vectorstore"
)

const apiPrefix = "/api"

func main() {
	var configPath string
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "mrag",
		Short: "mrag retrieval augmented generation server",
	}

	loadConfig := func() (*config.Config, error) {
		if configPath == "" {
			return nil, fmt.Errorf("--config is required")
		}
		return config.Load(configPath)
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run mrag server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
			return runServer(cfg)
		},
	}

	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "inspect runtime settings",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "print the effective runtime settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			settings, err := repo.NewSettingsRepo(cfg.SettingsPath()).Load(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(settings)
		},
	}
	settingsCmd.AddCommand(showCmd)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd, settingsCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	lg := logutil.GetLogger(ctx)
	lg.Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("vector_store", cfg.VectorStore.Type),
		zap.String("file_store", cfg.FileStore.Type),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	boltDB, err := repo.OpenBolt(cfg.BoltPath())
	if err != nil {
		return fmt.Errorf("open bolt: %w", err)
	}
	defer boltDB.Close()

	var sqlDB *sql.DB
	if cfg.Database.Enabled() {
		sqlDB, err = db.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()
		if err := db.ApplyMigrations(ctx, sqlDB); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	cacheStore, err := buildCacheRepo(boltDB, sqlDB)
	if err != nil {
		return err
	}
	manager, err := buildAIManager(cfg.AI, cacheStore)
	if err != nil {
		return err
	}
	lg.Info("ai capabilities",
		zap.Bool("llm", manager.IsAvailable()),
		zap.Bool("embedding", manager.EmbeddingAvailable()),
		zap.String("embedding_model", manager.EmbeddingModelName()),
	)

	backend, err := vectorstore.New(cfg.VectorStore, vectorstore.Deps{
		Embedder: manager.Embedder(),
		Bolt:     boltDB,
		DB:       sqlDB,
	})
	if err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}
	if backend != nil {
		defer backend.Close()
	}
	store := docstore.New(ctx, backend)

	settingsService := service.NewSettingsService(repo.NewSettingsRepo(cfg.SettingsPath()))
	pipeline := rag.NewPipeline(store, manager, settingsService)
	files, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}
	ragService := service.NewRAGService(store, pipeline, settingsService, extract.New(), files)

	scheduler := schedule.NewCronScheduler()
	recovery := job.NewReplacementRecoveryJob(store)
	if err := scheduler.AddJob(recovery, cfg.Jobs.ReplacementRecovery); err != nil {
		return fmt.Errorf("schedule recovery: %w", err)
	}
	if cfg.AI.EmbedCache.Persistent {
		if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(cacheStore, cfg.Jobs.CacheMaxAgeDays), cfg.Jobs.EmbeddingCacheCleanup); err != nil {
			return fmt.Errorf("schedule cache cleanup: %w", err)
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()
	if err := scheduler.RunNow(recovery); err != nil {
		lg.Warn("startup replacement recovery failed", zap.Error(err))
	}

	deps := handler.RouterDeps{
		Health:    handler.NewHealthHandler(service.NewStatusService(store, manager)),
		RAG:       handler.NewRAGHandler(ragService, cfg.MaxUploadMB*1024*1024),
		Settings:  handler.NewSettingsHandler(settingsService),
		RateLimit: time.Duration(cfg.Security.RateLimitMS) * time.Millisecond,
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		apiPrefix,
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.Security.AllowedOrigins),
			middleware.FrontendGuard(middleware.GuardConfig{
				APIKey:             cfg.Security.ResolveAPIKey(),
				AllowedOrigins:     cfg.Security.AllowedOrigins,
				RequireOriginCheck: cfg.Security.RequireOriginCheck,
				SkipPaths:          []string{apiPrefix + handler.HealthPath},
			}),
			gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{apiPrefix + "/rag/ingest-stream"})),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	lg.Info("http server listening", zap.String("addr", addr), zap.String("storage", store.Mode()))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("server stopping...")
	return nil
}

type embeddingCacheRepo interface {
	embedcache.CacheRepo
	job.CacheCleaner
}

// buildCacheRepo prefers postgres when a database is configured and the local bolt file otherwise.
func buildCacheRepo(boltDB *bbolt.DB, sqlDB *sql.DB) (embeddingCacheRepo, error) {
	if sqlDB != nil {
		return repo.NewEmbeddingCacheRepo(sqlDB), nil
	}
	r, err := repo.NewBoltEmbeddingCacheRepo(boltDB)
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	return r, nil
}

func buildAIManager(cfg config.AIConfig, cache embeddingCacheRepo) (*ai.Manager, error) {
	entries := make([]ai.GeneratorEntry, 0, len(cfg.Generators))
	for _, g := range cfg.Generators {
		p, err := ai.NewProvider(g.Provider, g.Data)
		if err != nil {
			return nil, fmt.Errorf("init generator %s: %w", g.Provider, err)
		}
		entries = append(entries, ai.GeneratorEntry{Name: g.Provider, Generator: ai.NewGenerator(p, g.Model)})
	}
	var embedder ai.IEmbedder
	if cfg.Embedder != nil {
		p, err := ai.NewProvider(cfg.Embedder.Provider, cfg.Embedder.Data)
		if err != nil {
			return nil, fmt.Errorf("init embedder %s: %w", cfg.Embedder.Provider, err)
		}
		embedder = ai.NewEmbedder(p, cfg.Embedder.Model)
		if cfg.EmbedCache.Persistent {
			embedder = embedcache.WrapDBCacheToEmbedder(embedder, cache)
		}
		if cfg.EmbedCache.LRUSize > 0 {
			embedder = embedcache.WrapLruCacheToEmbedder(embedder, cfg.EmbedCache.LRUSize, time.Duration(cfg.EmbedCache.LRUTTLSec)*time.Second)
		}
	}
	return ai.NewManager(ai.NewGroupGenerator(entries), embedder, ai.ManagerConfig{Timeout: cfg.Timeout}), nil
}
