// Package worker runs the claim loop: poll for eligible runs, execute
// each to a terminal state, repeat until shut down.
package worker

import (
	"context"
	"time"

	"loom/internal/domain/run"
	"loom/internal/engine"
	loomerr "loom/internal/errors"
	"loom/internal/infra/queue"
	"loom/internal/logging"
)

// Config holds the supervisor's tunables, typically sourced from the
// WORKER_* environment knobs.
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

// Supervisor is one worker's claim-execute loop. Run several supervisors
// (or several processes) for parallelism; the claim CAS keeps them from
// colliding.
type Supervisor struct {
	store    *queue.PostgresStore
	executor *engine.Executor
	cfg      Config
	logger   logging.Logger
}

// NewSupervisor wires a supervisor over the store and executor.
func NewSupervisor(store *queue.PostgresStore, executor *engine.Executor, cfg Config, logger logging.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Supervisor{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
	}
}

// Run loops until ctx is cancelled. An empty claim sleeps one poll
// interval; errors are logged and the loop continues, so a database
// hiccup degrades to polling rather than killing the worker.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("worker %s started (poll=%s, lease=%s)",
		s.cfg.WorkerID, s.cfg.PollInterval, s.cfg.Lease)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("worker %s stopping: %v", s.cfg.WorkerID, context.Cause(ctx))
			return err
		}

		claimed, err := s.claimOne(ctx)
		if err != nil {
			s.logger.Error("claim failed: %v", err)
			s.sleep(ctx)
			continue
		}
		if claimed == nil {
			s.sleep(ctx)
			continue
		}

		if err := s.executor.Execute(ctx, claimed, s.cfg.WorkerID); err != nil {
			s.logger.Error("execute run %s: %v", claimed.ID, err)
		}
	}
}

// claimOne claims with a short transient-error retry so a blip on the
// database does not burn a full poll interval.
func (s *Supervisor) claimOne(ctx context.Context) (*run.Run, error) {
	var claimed *run.Run
	err := loomerr.RetryWithLog(ctx, loomerr.RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0.25,
	}, func(ctx context.Context) error {
		var err error
		claimed, err = s.store.Claim(ctx, s.cfg.WorkerID, s.cfg.BatchSize, s.cfg.Lease)
		return err
	}, s.logger)
	return claimed, err
}

func (s *Supervisor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.PollInterval):
	}
}
