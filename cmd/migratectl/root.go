package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/migrate-go/config"
)

// app carries state shared by subcommands.
type app struct {
	configPath string
	cfg        *config.Config
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context, args []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "migratectl",
		Short: "Inspect and maintain migration workflows",
		Long: `migratectl reads the checkpoint store used by migration coordinators.

It reports workflow status and history, finds and sweeps workflows whose
process went away, archives old completed checkpoints, samples the system
metrics that drive admission control, and serves Prometheus metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("MIGRATE_CONFIG"), "path to config YAML file")

	root.AddCommand(
		newStatusCmd(a),
		newStuckCmd(a),
		newSweepCmd(a),
		newCleanupCmd(a),
		newHistoryCmd(a),
		newSampleCmd(a),
		newServeCmd(a),
	)
	return root
}
