// Command ntuple-analyze runs the trigger-primitive analysis over ntuple
// event files and writes per-sample histograms.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/ntuple-tools/internal/monitoring"
	"github.com/banshee-data/ntuple-tools/internal/version"
)

var (
	debugLevel int
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ntuple-analyze",
	Short: "Trigger-primitive clustering and histogramming over ntuples",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = monitoring.NewLogger(debugLevel)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		monitoring.SetZapLogger(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version.String()
	rootCmd.PersistentFlags().IntVarP(&debugLevel, "debug", "d", 0, "debug verbosity (2 logs every event)")
	rootCmd.AddCommand(newRunCmd(), newSelectionsCmd(), newMigrateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
