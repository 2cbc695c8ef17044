// Package main is the ReplyForge command line: the intake server and pipeline
// worker, database migrations and operator maintenance jobs.
//
//	replyforge serve
//	replyforge migrate up
//	replyforge quota reset
//	replyforge events purge
//
// Configuration comes from replyforge.yaml (see --config) overlaid with
// REPLYFORGE_* environment variables.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/ReplyForge/internal/config"
	"github.com/Strob0t/ReplyForge/internal/logger"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "replyforge",
		Short:        "ReplyForge - idempotent agentic chat reply pipeline",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigFile, "path to the YAML config file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildQuotaCmd(),
		buildEventsCmd(),
	)
	return rootCmd
}

// loadConfig reads configuration and installs the default logger. The
// returned closer flushes an async log handler.
func loadConfig() (*config.Config, logger.Closer, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer, nil
}
