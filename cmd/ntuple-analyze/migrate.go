package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/ntuple-tools/internal/config"
	"github.com/banshee-data/ntuple-tools/internal/storage/sqlite"
)

func newMigrateCmd() *cobra.Command {
	var dbPath, configPath string
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Manage the results database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := storePath(dbPath, configPath)
			if err != nil {
				return err
			}
			// Open applies pending migrations.
			store, err := sqlite.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			if args[0] == "down" {
				if err := store.MigrateDown(); err != nil {
					return err
				}
			}
			version, dirty, err := store.MigrateVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (dirty=%t)\n", path, version, dirty)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "results database path")
	cmd.Flags().StringVarP(&configPath, "config", "f", "", "read the database path from this configuration")
	return cmd
}

func storePath(dbPath, configPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	if configPath == "" {
		return "", fmt.Errorf("one of --db or --config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Store == "" {
		return "", &config.ConfigurationError{Key: "store", Reason: "no results database configured"}
	}
	return cfg.Store, nil
}
