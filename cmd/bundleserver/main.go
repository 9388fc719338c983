package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clusterlens/bundleserver/internal/bundles"
	"github.com/clusterlens/bundleserver/internal/config"
	"github.com/clusterlens/bundleserver/internal/dispatch"
	"github.com/clusterlens/bundleserver/internal/executor"
	"github.com/clusterlens/bundleserver/internal/logging"
	"github.com/clusterlens/bundleserver/internal/search"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "bundleserver",
	Short:   "Support bundle inspection server",
	Long:    `bundleserver exposes a previously captured support bundle over a line-delimited JSON protocol on stdin/stdout: bundle lifecycle, file access, search, and kubectl against the bundle's reconstructed data.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bundleserver %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; reconfigured once config is loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "bundleserver",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "bundleserver",
	})

	log.Info().
		Str("version", Version).
		Str("storage_dir", cfg.StorageDir).
		Msg("Starting bundle server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	manager, err := bundles.NewManager(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bundle manager")
	}

	watcher, err := bundles.NewStorageWatcher(cfg.StorageDir, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("Storage watcher unavailable, bundle gauge will be stale")
		watcher = nil
	}

	srv := dispatch.New(
		cfg,
		manager,
		search.NewEngine(log.Logger),
		executor.New(cfg.KubectlPath, cfg.CommandTimeout, log.Logger),
		watcher,
		os.Stdin,
		os.Stdout,
		log.Logger,
	)

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Dispatch loop error")
	}
	log.Info().Msg("Server stopped")
}
