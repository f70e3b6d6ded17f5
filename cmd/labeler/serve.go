package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/api"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/blob"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/config"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/events"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/logging"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/media"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the review API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	startTime := time.Now()
	logger.Info("starting labeler", "version", config.Version, "db_path", cfg.DBPath())

	database, svc, err := openService()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := events.NewHub(logging.WithComponent(logger, "events"))
	go hub.Run(ctx)
	svc.SetPublisher(hub)

	resolverOpts := blob.Options{
		SignURLs:   cfg.GCSSignURLs(),
		TTL:        cfg.GCSURLTTL(),
		ServeMedia: cfg.MediaDir() != "",
	}
	if cfg.GCSSignURLs() {
		resolverOpts.AccessID, resolverOpts.PrivateKey, err = blob.LoadCredentials(cfg.GCSCredentialsFile())
		if err != nil {
			return fmt.Errorf("failed to load signing credentials: %w", err)
		}
		logger.Info("signed GCS URLs enabled", "access_id", resolverOpts.AccessID, "ttl", cfg.GCSURLTTL())
	}
	resolver := blob.NewResolver(resolverOpts, logging.WithComponent(logger, "blob"))

	var mediaSrv *media.Server
	if dir := cfg.MediaDir(); dir != "" {
		mediaSrv, err = media.NewServer(dir, logging.WithComponent(logger, "media"))
		if err != nil {
			return fmt.Errorf("failed to open media dir: %w", err)
		}
		logger.Info("serving local media", "dir", logging.SanitizePath(dir))
	}

	if cfg.AuthToken() == "" {
		logger.Warn("auth_token not set, API is unauthenticated")
	}

	apiServer := api.NewServer(api.ServerConfig{
		Addr:      cfg.Addr(),
		Service:   svc,
		Resolver:  resolver,
		Media:     mediaSrv,
		Hub:       hub,
		AuthToken: cfg.AuthToken(),
		Version:   config.Version,
		Namespace: cfg.Namespace(),
		Domain:    cfg.Domain(),
		Logger:    logger,
		StartTime: startTime,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
