// Package main runs a standalone pool of analysis workers against the Redis
// queues, for deployments that set EMBEDDED_WORKERS=false on the server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/consentlens/internal/app"
	"github.com/kiranshivaraju/consentlens/internal/config"
	"github.com/kiranshivaraju/consentlens/internal/queue"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(level); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(level *slog.LevelVar) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(app.ParseLevel(cfg.Server.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	pool := queue.NewPool(a.Queue, queue.HandlerFunc(a.Jobs.Execute), cfg.Worker.Concurrency, slog.Default())
	return pool.Run(ctx)
}
