// Tremor - induced-seismicity forecast orchestration
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/api"
	"github.com/tremor/tremor/internal/config"
	"github.com/tremor/tremor/internal/engine"
	"github.com/tremor/tremor/internal/ensemble"
	"github.com/tremor/tremor/internal/metrics"
	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/simclock"
	"github.com/tremor/tremor/internal/storage"
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
		fmt.Printf("Tremor %s (built %s)\n", Version, BuildTime)
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
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("Starting Tremor")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Tremor failed")
	}
	logger.Info().Msg("Tremor stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.InitProvider(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	registry := ensemble.NewRegistry()
	if err := registry.Register("command", worker.RunCommandParameters); err != nil {
		return err
	}
	disp := ensemble.New(cfg.EnsembleConfig(), registry, logger, ensemble.Options{Recorder: m})

	clk := simclock.New(nil, logger, simclock.Options{TickInterval: cfg.Clock.TickInterval.Duration()})
	eng := engine.New(cfg.EngineConfig(), clk, logger, engine.Options{
		Dispatcher: disp,
		Store:      store,
		Recorder:   m,
	})
	m.RegisterScheduler(eng.Scheduler())

	eng.ForecastComplete.Connect(func(rec *models.ForecastRecord) {
		logger.Info().
			Str("forecast_id", rec.ID).
			Str("project_id", rec.ProjectID).
			Time("forecast_time", rec.ForecastTime).
			Str("status", string(rec.Status)).
			Dur("duration", rec.Duration()).
			Msg("Forecast complete")
	})

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	if cfg.Project != nil {
		if err := eng.Attach(ctx, *cfg.Project); err != nil {
			return fmt.Errorf("attach project %s: %w", cfg.Project.ID, err)
		}
		if cfg.Clock.AutoStart {
			if err := clk.Start(); err != nil {
				return fmt.Errorf("start clock: %w", err)
			}
		}
	}

	routerCfg := api.RouterConfig{
		AuthConfig: api.AuthConfig{
			Enabled: cfg.Auth.Enabled,
			APIKeys: cfg.Auth.APIKeys,
		},
		RateLimiter: api.NewRateLimiter(api.DefaultRateLimitConfig(), nil),
		Recorder:    m,
	}
	if cfg.Metrics.Prometheus.Enabled {
		routerCfg.MetricsHandler = metrics.Handler(prometheus.DefaultGatherer)
		routerCfg.MetricsPath = cfg.Metrics.Prometheus.Path
	}
	handler := api.NewHandler(eng, store, logger)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewRouter(handler, logger, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.Server.Address).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		return fmt.Errorf("HTTP server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	<-engineDone
	disp.Wait()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Tracing shutdown failed")
	}
	return nil
}

func openStore(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	if cfg.Type == "memory" {
		logger.Warn().Msg("Using in-memory forecast storage; forecasts are lost on restart")
		return storage.NewMemoryStore(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := storage.NewStore(cfg.DataDir, storage.Options{
		SyncWrites: cfg.SyncWrites,
		GCInterval: cfg.GCInterval.Duration(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}
