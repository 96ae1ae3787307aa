package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inboxops/triage-engine/internal/stage"
)

var initRulesOut string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database schema and a starter rules file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("schema ready", zap.String("driver", cfg.Store.Driver))

		if initRulesOut != "" {
			if _, err := os.Stat(initRulesOut); err == nil {
				return eris.Errorf("refusing to overwrite existing rules file %s", initRulesOut)
			}
			if err := os.WriteFile(initRulesOut, []byte(stage.DefaultRulesYAML()), 0o644); err != nil {
				return eris.Wrapf(err, "write rules file %s", initRulesOut)
			}
			fmt.Fprintf(os.Stderr, "Wrote default rules to %s\n", initRulesOut)
		}

		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initRulesOut, "rules-out", "", "write the built-in rule table to this path for customization")
	rootCmd.AddCommand(initCmd)
}
