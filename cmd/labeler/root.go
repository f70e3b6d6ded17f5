package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/config"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/curation"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/db"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/logging"
)

var (
	// configFile is set by the --config flag.
	configFile string
	// envFile is set by the --env-file flag.
	envFile string

	cfg    *config.ViperConfig
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "labeler",
	Short: "Review and curate auto-labeled detection batches",
	Long: `labeler serves the review API for auto-labeled video frame batches,
imports COCO label files into its store and exports reviewed tracks as
COCO-like datasets.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	var err error
	cfg, err = config.Load(config.Options{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = logging.NewLogger(cfg.LogLevel())
	return nil
}

// openService opens the store at the configured path and builds the
// curation service on it. The caller closes the returned database.
func openService() (*db.DB, *curation.Service, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	repo := curation.NewRepository(database.Conn())
	svc := curation.NewService(repo, logging.WithComponent(logger, "curation"))
	return database, svc, nil
}
