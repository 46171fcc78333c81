// loom-server exposes the run queue over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/config"
	"loom/internal/infra/queue"
	"loom/internal/logging"
	"loom/internal/server"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := runServer(*configFile); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func runServer(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	store := queue.NewPostgresStore(pool, cfg.EnvID, logging.NewComponentLogger("queue"))
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	srv := server.NewServer(store, logging.NewComponentLogger("http"))
	slog.Info("serving run API", "addr", cfg.HTTPAddr)
	err = srv.Serve(ctx, cfg.HTTPAddr)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
