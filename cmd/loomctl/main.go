// loomctl is the operator CLI for the run queue: enqueue, inspect,
// cancel, and queue stats.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loom/internal/config"
	"loom/internal/domain/run"
	"loom/internal/infra/queue"
	"loom/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loomctl",
		Short:         "Operate the run queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "optional YAML config file")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newEnqueueCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newStatsCmd())
	return root
}

// withStore loads config, connects, and hands fn a live store.
func withStore(fn func(ctx context.Context, store *queue.PostgresStore) error) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, queue.NewPostgresStore(pool, cfg.EnvID, logging.Nop()))
}

func newEnqueueCmd() *cobra.Command {
	var (
		inputsJSON string
		actor      string
		priority   int
		runAt      string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <blueprint>",
		Short: "Enqueue a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inputs run.Document
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("parse --inputs: %w", err)
				}
			}
			spec := run.EnqueueSpec{
				Name:     args[0],
				Inputs:   inputs,
				Actor:    actor,
				Priority: priority,
			}
			if runAt != "" {
				t, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("parse --run-at: %w", err)
				}
				spec.RunAt = &t
			}
			return withStore(func(ctx context.Context, store *queue.PostgresStore) error {
				r, err := store.Enqueue(ctx, spec)
				if err != nil {
					return err
				}
				fmt.Printf("enqueued %s (%s) correlation_id=%s\n",
					color.CyanString(r.ID), r.Name, r.CorrelationID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "inputs document as JSON")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on the run")
	cmd.Flags().IntVar(&priority, "priority", run.DefaultPriority, "priority band (lower is more urgent)")
	cmd.Flags().StringVar(&runAt, "run-at", "", "defer eligibility until this RFC3339 time")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *queue.PostgresStore) error {
				r, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if r == nil {
					return fmt.Errorf("run %s not found", args[0])
				}
				printRun(r)

				steps, err := store.ListSteps(ctx, r.ID)
				if err != nil {
					return err
				}
				for _, st := range steps {
					fmt.Printf("  [%d] %-24s %-12s %s\n",
						st.Idx, st.Name, stepStatusColor(st.Status), st.ID)
				}
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		status string
		name   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *queue.PostgresStore) error {
				runs, err := store.ListRuns(ctx, run.ListFilter{
					Status: run.Status(status),
					Name:   name,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				for i := range runs {
					printRun(&runs[i])
				}
				fmt.Printf("%d run(s)\n", len(runs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&name, "name", "", "filter by blueprint name")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *queue.PostgresStore) error {
				cancelled, err := store.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if cancelled == nil {
					return fmt.Errorf("run %s is already terminal or unknown", args[0])
				}
				fmt.Printf("cancelled %s\n", color.YellowString(cancelled.ID))
				return nil
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue health rollups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *queue.PostgresStore) error {
				stats, err := store.CollectStats(ctx)
				if err != nil {
					return err
				}
				for status, count := range stats.DepthByStatus {
					fmt.Printf("%-12s %d\n", statusColor(status), count)
				}
				fmt.Printf("ready=%d future=%d oldest_ready=%.1fs\n",
					stats.ReadyDepth, stats.FutureDepth, stats.OldestReadySeconds)
				fmt.Printf("leases: active=%d expired=%d\n",
					stats.RunningWithActiveLease, stats.RunningWithExpiredLease)
				return nil
			})
		},
	}
}

func printRun(r *run.Run) {
	fmt.Printf("%s  %-12s %-28s actor=%s corr=%s\n",
		r.ID, statusColor(r.Status), r.Name, r.Actor, r.CorrelationID)
}

func statusColor(s run.Status) string {
	switch s {
	case run.StatusCompleted:
		return color.GreenString(string(s))
	case run.StatusFailed:
		return color.RedString(string(s))
	case run.StatusRunning:
		return color.CyanString(string(s))
	case run.StatusCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func stepStatusColor(s run.StepStatus) string {
	switch s {
	case run.StepCompleted:
		return color.GreenString(string(s))
	case run.StepFailed:
		return color.RedString(string(s))
	case run.StepRunning:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}
