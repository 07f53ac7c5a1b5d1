package main

import (
	"fmt"
	"os"
	"time"

	"fragmesh/internal/config"
	"fragmesh/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Set by -ldflags at release time.
var version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fragmesh",
	Short: "fragmesh - runtime composition for independently deployed fragments",
	Long: `fragmesh loads fragment bundles listed in a manifest, resolves their shared
dependencies against a single active version each, and wires them to one event
bus and one shared state store.

Bundles are Go source files executed by an embedded interpreter.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}

		logger, err = logging.New(cfg.Logging.LoggerConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.For(logger, logging.CategoryBoot).Debug("config loaded", zap.String("path", configPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fragmesh version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fragmesh %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fragmesh.yaml", "Config file (defaults apply when missing)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for the initial mount")

	mountCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "fragments.yaml", "Fragment manifest")
	mountCmd.Flags().BoolVar(&watch, "watch", false, "Keep running and apply manifest changes")
	checkCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "fragments.yaml", "Fragment manifest")

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
