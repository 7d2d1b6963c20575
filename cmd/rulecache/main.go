// Command rulecache serves and administers a cached security rule set.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulecache/internal/config"
	"github.com/liamcoop/rulecache/internal/logger"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "rulecache",
		Short:         "Multi-tier cache for security rules",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RULECACHE_CONFIG"), "path to a YAML config file")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		log, err := logger.Setup(logger.Options{
			Level:           cfg.Logging.Level,
			Format:          cfg.Logging.Format,
			ErrorSampleRate: cfg.Logging.ErrorSampleRate,
		})
		if err != nil {
			return nil, nil, err
		}
		return cfg, log, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newValidatePatternCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// loadFunc reads configuration and sets up logging for a subcommand
type loadFunc func() (*config.Config, *slog.Logger, error)
