package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/migrate-go/migration"
	"github.com/dshills/migrate-go/migration/checkpoint"
	"github.com/dshills/migrate-go/migration/scheduler"
)

func (a *app) logger(cmd *cobra.Command) *slog.Logger {
	return a.cfg.Log.NewLogger(cmd.ErrOrStderr())
}

// withStore opens the configured store, runs fn and closes the store.
func (a *app) withStore(cmd *cobra.Command, fn func(*checkpoint.Manager) error) error {
	store, err := a.cfg.OpenStore(a.logger(cmd))
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status WORKFLOW_ID...",
		Short: "Show workflow status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *checkpoint.Manager) error {
				coord, err := migration.New(store, migration.WithLogger(a.logger(cmd)))
				if err != nil {
					return err
				}
				defer coord.Close(context.Background())

				statuses := make([]*migration.WorkflowStatus, len(args))
				g, ctx := errgroup.WithContext(cmd.Context())
				g.SetLimit(8)
				for i, id := range args {
					g.Go(func() error {
						st, err := coord.GetWorkflowStatus(ctx, id)
						if err != nil {
							return fmt.Errorf("%s: %w", id, err)
						}
						statuses[i] = st
						return nil
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}

				if asJSON {
					return writeJSON(cmd.OutOrStdout(), statuses)
				}
				return writeStatusTable(cmd.OutOrStdout(), statuses)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newStuckCmd(a *app) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List active workflows with no recent checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(store *checkpoint.Manager) error {
				if threshold <= 0 {
					threshold = a.cfg.StuckThreshold
				}
				stuck, err := store.FindStuckWorkflows(cmd.Context(), threshold)
				if err != nil {
					return err
				}
				if len(stuck) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No stuck workflows.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "WORKFLOW\tNAME\tSTATUS\tSTEP\tUPDATED")
				for _, cp := range stuck {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
						cp.WorkflowID, cp.Metadata.WorkflowName, cp.Status,
						cp.Step, cp.TotalSteps, cp.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "inactivity window (default from config)")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark stuck workflows as failed so they can be resumed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(store *checkpoint.Manager) error {
				ids, err := store.SweepStuck(cmd.Context(), threshold)
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "swept %s\n", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d workflows swept\n", len(ids))
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", checkpoint.DefaultStartupSweepThreshold, "inactivity window")
	return cmd
}

func newCleanupCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive and delete old completed checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return a.withStore(cmd, func(store *checkpoint.Manager) error {
				n, err := store.Cleanup(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d checkpoints archived\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of completed checkpoints")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history WORKFLOW_ID",
		Short: "Show checkpoint snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *checkpoint.Manager) error {
				entries, err := store.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RECORDED\tSTATUS\tSTEP\tATTEMPT\tCIRCUIT\tERRORS")
				for _, e := range entries {
					cp := e.Checkpoint
					fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%d\n",
						e.RecordedAt.Format(time.RFC3339Nano), cp.Status, cp.Step, cp.TotalSteps,
						cp.Metadata.RetryState.CurrentAttempt, cp.Metadata.RetryState.CircuitState, len(cp.Errors))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", checkpoint.DefaultHistoryLimit, "maximum snapshots")
	return cmd
}

func newSampleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Sample system load the way the scheduler does",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := scheduler.NewProcFSSource(a.cfg.Metrics.ProcMount)
			if err != nil {
				return err
			}
			s, err := src.Sample(cmd.Context())
			if err != nil {
				return err
			}
			sched := scheduler.New(a.cfg.Scheduler, scheduler.WithLogger(a.logger(cmd)))

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "cpu\t%.1f%%\t(threshold %.0f%%)\n", s.CPUPercent, a.cfg.Scheduler.CPUThreshold)
			fmt.Fprintf(w, "memory\t%.1f%%\t(threshold %.0f%%)\n", s.MemoryPercent, a.cfg.Scheduler.MemoryThreshold)
			fmt.Fprintf(w, "load\t%.2f\t(threshold %.1f)\n", s.LoadAverage, a.cfg.Scheduler.LoadThreshold)
			fmt.Fprintf(w, "utilization\t%.2f\t\n", sched.Utilization(s))
			return w.Flush()
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a coordinator and serve metrics and status over HTTP",
		Long: `serve opens the checkpoint store, sweeps workflows abandoned by a previous
process, and serves:

  GET /metrics              Prometheus metrics
  GET /scheduler            admission control snapshot
  GET /workflows/{id}       workflow status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := a.logger(cmd)
			return a.withStore(cmd, func(store *checkpoint.Manager) error {
				return a.serve(cmd.Context(), store, logger)
			})
		},
	}
}

func (a *app) serve(ctx context.Context, store *checkpoint.Manager, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var source scheduler.MetricsSource
	if src, err := scheduler.NewProcFSSource(a.cfg.Metrics.ProcMount); err != nil {
		logger.Warn("system metrics unavailable, admission bound is fixed", "error", err)
	} else {
		source = src
	}

	opts := append(a.cfg.CoordinatorOptions(logger, source), migration.WithMetrics(migration.NewMetrics(registry)))
	coord, err := migration.New(store, opts...)
	if err != nil {
		return err
	}

	swept, err := store.Initialize(ctx)
	if err != nil {
		logger.Warn("startup sweep failed", "error", err)
	} else if len(swept) > 0 {
		logger.Info("swept abandoned workflows", "count", len(swept))
	}

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           newHandler(coord, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), coord.Close(shutdownCtx))
	})
	return g.Wait()
}

func newHandler(coord *migration.Coordinator, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /scheduler", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, coord.SchedulerStatus())
	})
	mux.HandleFunc("GET /workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := coord.GetWorkflowStatus(r.Context(), r.PathValue("id"))
		if errors.Is(err, migration.ErrWorkflowNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, st)
	})
	return mux
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStatusTable(out io.Writer, statuses []*migration.WorkflowStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tNAME\tSTATE\tPROGRESS\tATTEMPTS\tCIRCUIT\tLAST ERROR")
	for _, st := range statuses {
		lastErr := "-"
		if st.Error != nil {
			lastErr = fmt.Sprintf("[%s] %s", st.Error.Kind, st.Error.Message)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d (%d%%)\t%d\t%s\t%s\n",
			st.WorkflowID, st.Name, st.State,
			st.Progress.Current, st.Progress.Total, st.Progress.Percentage,
			st.Attempts, st.Circuit, lastErr)
	}
	return w.Flush()
}
