package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offgrid/internal/config"
	"offgrid/internal/utils"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Offline-first sync node",
	Long: `syncd keeps a local replica of profiles, changes and messages consistent
with the peer network under intermittent connectivity.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "offgrid.yaml", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, *utils.RemoteLogger, error) {
	var remote *utils.RemoteLogger
	if cfg.RemotePort > 0 {
		rl, err := utils.NewRemoteLogger(cfg.RemotePort)
		if err != nil {
			return nil, nil, fmt.Errorf("remote log port %d: %w", cfg.RemotePort, err)
		}
		remote = rl
	}
	logger, err := utils.NewLogger(cfg.Level, cfg.Development, remote)
	if err != nil {
		if remote != nil {
			_ = remote.Close()
		}
		return nil, nil, err
	}
	return logger, remote, nil
}

func passphrase() (string, error) {
	pass := os.Getenv("OFFGRID_PASSPHRASE")
	if pass == "" {
		return "", fmt.Errorf("OFFGRID_PASSPHRASE is not set")
	}
	return pass, nil
}
