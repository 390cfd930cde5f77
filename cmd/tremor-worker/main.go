// tremor-worker - remote forecast model worker
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/config"
	"github.com/tremor/tremor/internal/tracing"
	"github.com/tremor/tremor/internal/worker"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults and TREMOR_* variables when empty)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file with TREMOR_* variables")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tremor-worker %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	logger := cfg.Logging.NewLogger(os.Stdout)
	if cfg.Worker.Command == "" {
		logger.Fatal().Msg("worker.command (or TREMOR_WORKER_COMMAND) is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.InitProvider(ctx, cfg.Tracing, Version)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	model := &worker.CommandModel{Command: cfg.Worker.Command, Args: cfg.Worker.Args}
	srv := worker.NewServer(worker.Config{
		Timeout:   cfg.Worker.Timeout.Duration(),
		ResultTTL: cfg.Worker.ResultTTL.Duration(),
	}, model, nil, logger)

	server := &http.Server{
		Addr:              cfg.Worker.Address,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("address", cfg.Worker.Address).
			Str("command", cfg.Worker.Command).
			Str("version", Version).
			Msg("Starting model worker")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Model run did not stop in time")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Tracing shutdown failed")
	}
	logger.Info().Msg("Model worker stopped")
}
