package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"codeshare/internal/app"
	"codeshare/internal/config"
	"codeshare/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv(config.ConfigFileEnv)); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("codeshare exited")
		stop()
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or the HTTP server fails, then shuts
// everything down.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.Log); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Stop(shutdownCtx)
		return fmt.Errorf("failed to start application: %w", err)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Str("module", "main").Msg("shutdown requested")
	case err, ok := <-application.Errors():
		if ok {
			serveErr = fmt.Errorf("application error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return serveErr
}
