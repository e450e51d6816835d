package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/circlesave/circle-matcher/internal/model"
)

var matchCmd = &cobra.Command{
	Use:         "match",
	Short:       "Run one matching pass",
	Long:        "Places unmatched users, opens rebalance transitions and flags split candidates, then prints the run summary as JSON.",
	Annotations: mode("match"),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, runErr := env.Orchestrator.Run(ctx)
		if summary != nil {
			if err := writeSummary(os.Stdout, summary); err != nil {
				return err
			}
		}
		if runErr != nil {
			return eris.Wrap(runErr, "match")
		}
		return nil
	},
}

func writeSummary(w io.Writer, s *model.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(s), "write summary")
}

func init() {
	rootCmd.AddCommand(matchCmd)
}
