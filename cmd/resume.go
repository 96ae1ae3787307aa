package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/inboxops/triage-engine/internal/model"
)

var (
	resumeUser    string
	resumeSession string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Re-triage items from a run that were never consolidated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		client := model.ClientContext{UserID: resumeUser, SessionID: resumeSession}

		run, err := env.Pipeline.Resume(ctx, client, args[0])
		if err != nil {
			return eris.Wrap(err, "pipeline resume")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeUser, "user", "", "client user ID for admission accounting")
	resumeCmd.Flags().StringVar(&resumeSession, "session", "", "client session ID for admission accounting")
	rootCmd.AddCommand(resumeCmd)
}
