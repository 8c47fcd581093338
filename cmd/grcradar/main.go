package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/grclabs/grcradar/internal/config"
	"github.com/grclabs/grcradar/internal/logging"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile     string
	weightsFile string
	verbose     bool
	logger      *logrus.Logger
	cfg         *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "grcradar",
	Short: "GRCRadar - knowledge-graph gap detection for GRC programs",
	Long: `GRCRadar mirrors governance, risk and compliance entities into a
typed knowledge graph, enriches them with text embeddings, and scores the
graph for missing relationships to recommend controls and policy mappings.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Initialize logger
		logger = logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
		if err := logging.Initialize(logging.DefaultConfig(verbose)); err != nil {
			logger.WithError(err).Warn("Failed to initialize structured logging")
		}

		// Load configuration
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			logger.WithError(err).Warn("Failed to load config, using defaults")
			cfg = config.Default()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .grcradar/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&weightsFile, "weights", "", "scorer weights file (default: seeded weights)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("grcradar %s (built %s, commit %s)\n", Version, BuildTime, GitCommit))
}
