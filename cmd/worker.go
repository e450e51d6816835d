package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/circlesave/circle-matcher/internal/scheduler"
)

var workerCmd = &cobra.Command{
	Use:         "worker",
	Short:       "Run the transition worker",
	Long:        "Polls for due scheduled tasks and deactivates the old memberships of rebalance transitions until signalled.",
	Annotations: mode("worker"),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		return scheduler.NewWorker(st, cfg.Scheduler).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
