package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/nyanta/internal/api"
	"github.com/kalambet/nyanta/internal/chunking"
	"github.com/kalambet/nyanta/internal/config"
	"github.com/kalambet/nyanta/internal/generation"
	"github.com/kalambet/nyanta/internal/ingest"
	"github.com/kalambet/nyanta/internal/pipeline"
	"github.com/kalambet/nyanta/internal/retrieval"
	"github.com/kalambet/nyanta/internal/session"
	"github.com/kalambet/nyanta/internal/storage"
)

// vectorIndex is what both index backends provide.
type vectorIndex interface {
	retrieval.Index
	DeleteDocument(ctx context.Context, documentID string) error
}

// app is the fully wired set of components behind the HTTP and MCP surfaces.
type app struct {
	deps  api.Deps
	store *storage.Store
	redis *redis.Client
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.RequireGeneration(); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{store: store}

	embedder := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
		APIKey:    cfg.Embedding.APIKey,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
	})

	var index vectorIndex
	switch cfg.Index.Backend {
	case config.IndexBackendSQLite, "":
		index = retrieval.NewSQLiteIndex(store.DB(), embedder, cfg.Index.Name)
	case config.IndexBackendQdrant:
		index = retrieval.NewQdrantIndex(retrieval.QdrantConfig{
			URL:        cfg.Index.QdrantURL,
			APIKey:     cfg.Index.QdrantAPIKey,
			Collection: cfg.Index.Name,
		}, embedder)
	default:
		a.close()
		return nil, fmt.Errorf("unknown index backend %q (want %q or %q)", cfg.Index.Backend, config.IndexBackendSQLite, config.IndexBackendQdrant)
	}

	var statusStore retrieval.StatusStore
	if cfg.Cache.RedisAddr != "" {
		client, err := retrieval.NewRedisClient(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			slog.Warn("redis unavailable, caching index status in memory", "addr", cfg.Cache.RedisAddr, "error", err)
		} else {
			a.redis = client
			statusStore = retrieval.NewRedisStatusStore(client, cfg.Index.Name)
		}
	}
	status := retrieval.NewStatusCache(index, statusStore, cfg.Cache.StatusTTL)

	generator := generation.NewClient(generation.Config{
		APIKey:      cfg.Generation.APIKey,
		BaseURL:     cfg.Generation.BaseURL,
		Model:       cfg.Generation.Model,
		Temperature: cfg.Generation.Temperature,
		Timeout:     cfg.Generation.Timeout,
	})

	a.deps = api.Deps{
		Store:    store,
		Sessions: session.NewManager(store, cfg.Session.HistoryLimit),
		Pipeline: pipeline.New(store, index, generator, pipeline.Options{
			TopK:              cfg.Retrieval.TopK,
			RetrievalTimeout:  cfg.Retrieval.Timeout,
			GenerationTimeout: cfg.Generation.Timeout,
		}),
		Indexer: ingest.NewIndexer(
			chunking.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap),
			index, store, status, cfg.Ingest.UpsertTimeout,
		),
		Status:         status,
		Vectors:        index,
		Token:          cfg.Server.Token,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
	}
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}
