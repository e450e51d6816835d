package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/config"
)

var cfg *config.Config

// modeAnnotation names the config validation mode a command needs.
const modeAnnotation = "config-mode"

var rootCmd = &cobra.Command{
	Use:   "circle-matcher",
	Short: "Savings circle matching and rebalancing engine",
	Long:  "Places unmatched users into savings circles, forms new circles, rebalances drifted circles through durable transitions, and flags incohesive circles.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if mode := cmd.Annotations[modeAnnotation]; mode != "" {
			if err := cfg.Validate(mode); err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func mode(m string) map[string]string {
	return map[string]string{modeAnnotation: m}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
