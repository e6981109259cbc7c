package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"offgrid/internal/bootstrap"
	"offgrid/internal/history"
	"offgrid/internal/models"
	"offgrid/internal/queue"
	"offgrid/internal/storage"
)

type statusReport struct {
	Queue     models.QueueStats      `json:"queue"`
	Messages  models.MessageStats    `json:"messages"`
	Bootstrap models.BootstrapStats  `json:"bootstrap"`
	Nodes     []models.BootstrapNode `json:"nodes"`
}

// statusCmd reads the store without joining the network. Message bodies are
// never decrypted, so no passphrase is needed.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue, message and bootstrap statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		kv, err := storage.Open(cfg.Storage, nil)
		if err != nil {
			return err
		}
		defer kv.Close()

		q := queue.New(kv, cfg.Queue, nil)
		if err := q.Initialize(ctx); err != nil {
			return err
		}
		mcfg := cfg.Messages
		mcfg.Encrypt = false
		msgs, err := history.New(kv, nil, "", mcfg, nil)
		if err != nil {
			return err
		}
		if err := msgs.Initialize(ctx); err != nil {
			return err
		}
		coord := bootstrap.New(kv, nil, cfg.Bootstrap, nil)
		if err := coord.Initialize(ctx); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(statusReport{
			Queue:     q.Stats(),
			Messages:  msgs.Stats(),
			Bootstrap: coord.Stats(),
			Nodes:     coord.BootstrapNodes(),
		})
	},
}
