package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inboxops/triage-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Cost-tiered triage pipeline for inbound messages",
	Long:  "Classifies inbound items with deterministic rules, escalates ambiguous ones through tiered model inference behind client-aware admission control, and persists consolidated verdicts.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
