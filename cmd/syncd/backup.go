package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"offgrid/internal/storage"
)

var (
	exportPrefix string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every record under a key prefix to a backup file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		kv, err := storage.Open(cfg.Storage, nil)
		if err != nil {
			return err
		}
		defer kv.Close()

		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", exportOut, err)
		}
		n, err := storage.Export(cmd.Context(), kv, exportPrefix, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d records to %s\n", n, exportOut)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load records from a backup file, overwriting existing keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		kv, err := storage.Open(cfg.Storage, nil)
		if err != nil {
			return err
		}
		defer kv.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()
		n, err := storage.Import(cmd.Context(), kv, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d records\n", n)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPrefix, "prefix", "", "Only export keys with this prefix")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "offgrid.backup", "Backup file path")
}
