package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inboxops/triage-engine/internal/model"
)

var (
	runFile    string
	runUser    string
	runSession string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Triage a batch of items from a JSON file or stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		items, err := readItems(runFile)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return eris.New("no items to triage")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		client := model.ClientContext{UserID: runUser, SessionID: runSession}

		run, err := env.Pipeline.Run(ctx, client, items)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("batch complete",
			zap.String("run", run.ID),
			zap.String("status", string(run.Status)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "JSON file with items to triage (default stdin)")
	runCmd.Flags().StringVar(&runUser, "user", "", "client user ID for admission accounting")
	runCmd.Flags().StringVar(&runSession, "session", "", "client session ID for admission accounting")
	rootCmd.AddCommand(runCmd)
}

// itemInput is the accepted wire shape for batch input. ID and received_at
// are filled in when absent.
type itemInput struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	ReceivedAt time.Time         `json:"received_at"`
}

func readItems(path string) ([]model.Item, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	var inputs []itemInput
	if err := json.NewDecoder(r).Decode(&inputs); err != nil {
		return nil, eris.Wrap(err, "decode items")
	}

	items := make([]model.Item, 0, len(inputs))
	for _, in := range inputs {
		if in.Content == "" {
			continue
		}
		item := model.Item{
			ID:         in.ID,
			Content:    in.Content,
			Metadata:   in.Metadata,
			ReceivedAt: in.ReceivedAt,
		}
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		if item.ReceivedAt.IsZero() {
			item.ReceivedAt = time.Now().UTC()
		}
		items = append(items, item)
	}
	return items, nil
}
