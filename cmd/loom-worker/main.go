// loom-worker claims and executes runs until stopped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"loom/internal/blueprints"
	"loom/internal/config"
	"loom/internal/engine"
	packinfra "loom/internal/infra/pack"
	"loom/internal/infra/queue"
	"loom/internal/logging"
	"loom/internal/observability"
	"loom/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := runWorker(*configFile); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func runWorker(configFile string) error {
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
	packs := packinfra.NewPostgresStore(pool, logging.NewComponentLogger("pack"))
	if err := packs.EnsureSchema(ctx); err != nil {
		return err
	}

	registry := engine.NewRegistry()
	blueprints.RegisterCore(registry)
	registry.Register(blueprints.InstallName, blueprints.NewInstaller(packs))

	executor := engine.NewExecutor(store, registry, cfg.Lease(), logging.NewComponentLogger("engine"))
	supervisor := worker.NewSupervisor(store, executor, worker.Config{
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.PollInterval(),
		BatchSize:    cfg.WorkerBatchSize,
		Lease:        cfg.Lease(),
	}, logging.NewComponentLogger("worker"))

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	collector := observability.NewCollector(store, metrics, cfg.CollectorInterval(),
		logging.NewComponentLogger("collector"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, metrics) })

	err = g.Wait()
	if shutdownErr := metrics.Shutdown(context.Background()); shutdownErr != nil {
		slog.Warn("metrics shutdown", "error", shutdownErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, metrics *observability.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}
