// Package main is the entrypoint for the ConsentLens API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/consentlens/internal/api"
	"github.com/kiranshivaraju/consentlens/internal/api/handler"
	mw "github.com/kiranshivaraju/consentlens/internal/api/middleware"
	"github.com/kiranshivaraju/consentlens/internal/api/response"
	"github.com/kiranshivaraju/consentlens/internal/app"
	"github.com/kiranshivaraju/consentlens/internal/config"
	"github.com/kiranshivaraju/consentlens/internal/queue"
	"github.com/kiranshivaraju/consentlens/internal/retention"
)

const shutdownTimeout = 30 * time.Second

// Pinger is anything whose connectivity the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(level); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(level *slog.LevelVar) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.Info("config loaded", "env", cfg.Server.Env, "js_render", cfg.Pipeline.EnableJSRender)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect store, Redis and build the pipeline
	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	cleaner, err := retention.New(a.Store, cfg.Retention.Schedule, cfg.Retention.Days, slog.Default())
	if err != nil {
		return fmt.Errorf("configure retention: %w", err)
	}

	// 3. Build router with dependencies
	deps := api.Dependencies{
		Auth:            mw.NewAuth(cfg.Server.APIKeyHash),
		RateLimit:       mw.NewRateLimit(a.Cache, cfg.Server.RateLimitPerMinute),
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,

		HealthHandler: healthHandler(map[string]Pinger{
			"database": a.Store,
			"cache":    a.Cache,
		}),
		AnalyzeHandler:      handler.NewAnalyzeHandler(a.Runner, cfg.Pipeline.RequestTimeout, cfg.Pipeline.DefaultFormat),
		AsyncAnalyzeHandler: handler.NewAsyncAnalyzeHandler(a.Jobs, cfg.Pipeline.DefaultFormat),
		JobStatusHandler:    handler.NewJobStatusHandler(a.Jobs),
		QueuesHandler:       handler.NewQueuesHandler(a.Queue),
	}

	router := api.NewRouter(deps)

	// 4. Start HTTP server and background loops
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Pipeline.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return cleaner.Run(gctx)
	})
	if cfg.Worker.Embedded {
		pool := queue.NewPool(a.Queue, queue.HandlerFunc(a.Jobs.Execute), cfg.Worker.Concurrency, slog.Default())
		g.Go(func() error {
			return pool.Run(gctx)
		})
	}

	// Wait for shutdown signal or a failed loop
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks the connectivity of every named dependency.
func healthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := make(map[string]string, len(checks))
		degraded := false
		for name, p := range checks {
			services[name] = "ok"
			if err := p.Ping(r.Context()); err != nil {
				services[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}

		response.JSON(w, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   app.Version,
			"services":  services,
		})
	}
}
