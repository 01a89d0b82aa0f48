// Package app wires the long-lived components shared by the server and the
// standalone worker.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/consentlens/internal/cache"
	"github.com/kiranshivaraju/consentlens/internal/config"
	"github.com/kiranshivaraju/consentlens/internal/jobs"
	"github.com/kiranshivaraju/consentlens/internal/pipeline"
	"github.com/kiranshivaraju/consentlens/internal/queue"
	"github.com/kiranshivaraju/consentlens/internal/source"
	"github.com/kiranshivaraju/consentlens/internal/source/chrome"
	"github.com/kiranshivaraju/consentlens/internal/store"
)

// Version is reported by the health endpoint and the CLI.
var Version = "0.1.0"

// UserAgent identifies outbound fetches.
const UserAgent = "consentlens/1.0 (+https://github.com/kiranshivaraju/consentlens)"

// App holds connected dependencies. Close releases them.
type App struct {
	Config *config.Config
	Store  store.Store
	Cache  *cache.RedisCache
	Queue  *queue.RedisQueue
	Runner *pipeline.Runner
	Jobs   *jobs.Service
}

// New connects the store (applying migrations) and Redis, then builds the
// pipeline and job service on top of them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.Database, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("database connected", "sqlite", cfg.Database.IsSQLite())

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		st.Close()
		redisCache.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	q := queue.NewRedisQueue(redisCache.Client(), queue.Options{
		ResultTTL:  cfg.Worker.ResultTTL,
		JobTimeout: cfg.Worker.JobTimeout,
	})

	runner := NewRunner(cfg, st, logger)
	svc := jobs.NewService(st, q, runner, jobs.Options{OutputDir: cfg.Pipeline.OutputDir}, logger)

	return &App{
		Config: cfg,
		Store:  st,
		Cache:  redisCache,
		Queue:  q,
		Runner: runner,
		Jobs:   svc,
	}, nil
}

// NewRunner builds a pipeline runner from configuration. sink may be nil
// when runs are never persisted.
func NewRunner(cfg *config.Config, sink pipeline.Sink, logger *slog.Logger) *pipeline.Runner {
	var renderer source.Renderer
	if cfg.Pipeline.EnableJSRender {
		renderer = chrome.New(cfg.Pipeline.RenderSettle, UserAgent)
	}
	loader := source.NewLoader(source.Options{
		RequestTimeout: cfg.Pipeline.RequestTimeout,
		EnableJSRender: cfg.Pipeline.EnableJSRender,
		RenderTimeout:  cfg.Pipeline.RenderTimeout,
		UserAgent:      UserAgent,
	}, renderer, logger)

	return pipeline.NewRunner(loader, sink, pipeline.Config{OutputDir: cfg.Pipeline.OutputDir}, logger)
}

// Close releases the store and Redis connections.
func (a *App) Close() {
	a.Cache.Close()
	a.Store.Close()
}

// ParseLevel maps LOG_LEVEL to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
