package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tradepost/checkout/internal/config"
	"github.com/tradepost/checkout/internal/httpserver"
	"github.com/tradepost/checkout/pkg/tradepost"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("config.dotenv_unreadable")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config.load_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := tradepost.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("app.init_failed")
	}
	appLogger := app.Logger

	srv := httpserver.New(cfg, app.Handler())

	app.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("route_prefix", cfg.Server.RoutePrefix).
			Str("storage", cfg.Storage.Backend).
			Msg("server.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("server.shutdown_requested")
	case err := <-errCh:
		if err != nil {
			appLogger.Error().Err(err).Msg("server.listen_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking requests before the workers and stores they depend on go away.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server.shutdown_failed")
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("app.shutdown_failed")
		os.Exit(1)
	}
	appLogger.Info().Msg("server.stopped")
}
