// Package config provides configuration management for Tremor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tremor/tremor/internal/engine"
	"github.com/tremor/tremor/internal/ensemble"
	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/tracing"
	"github.com/tremor/tremor/pkg/duration"
)

// Duration is an alias for the shared duration.Duration type.
type Duration = duration.Duration

// Config represents the complete Tremor configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Auth     AuthConfig      `yaml:"auth"`
	Clock    ClockConfig     `yaml:"clock"`
	Engine   EngineConfig    `yaml:"engine"`
	Ensemble EnsembleConfig  `yaml:"ensemble"`
	Storage  StorageConfig   `yaml:"storage"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Logging  LoggingConfig   `yaml:"logging"`
	Tracing  tracing.Config  `yaml:"tracing"`
	Worker   WorkerConfig    `yaml:"worker"`
	Project  *models.Project `yaml:"project"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address      string   `yaml:"address"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// AuthConfig contains API key authentication settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// APIKeys maps a key name to the bcrypt hash of the key.
	APIKeys map[string]string `yaml:"api_keys"`
}

// ClockConfig contains simulation clock settings.
type ClockConfig struct {
	Mode         string   `yaml:"mode"`
	Speed        float64  `yaml:"speed"`
	Step         Duration `yaml:"step"`
	TickInterval Duration `yaml:"tick_interval"`
	// AutoStart starts the clock once the configured project is attached.
	AutoStart bool `yaml:"auto_start"`
}

// EngineConfig contains forecast engine settings.
type EngineConfig struct {
	StageTimeout Duration `yaml:"stage_timeout"`
}

// EnsembleConfig contains model ensemble settings.
type EnsembleConfig struct {
	MaxConcurrent  int                  `yaml:"max_concurrent"`
	HTTP           HTTPClientConfig     `yaml:"http"`
	Remote         RemoteConfig         `yaml:"remote"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// HTTPClientConfig contains HTTP client settings.
type HTTPClientConfig struct {
	Timeout         Duration `yaml:"timeout"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	IdleConnTimeout Duration `yaml:"idle_conn_timeout"`
}

// RemoteConfig contains remote worker polling settings.
type RemoteConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	PollTimeout     Duration `yaml:"poll_timeout"`
	MaxPollErrors   int      `yaml:"max_poll_errors"`
	MaxResponseSize int64    `yaml:"max_response_size"`
}

// CircuitBreakerConfig contains per-worker circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	OpenTimeout      Duration `yaml:"open_timeout"`
	MaxHalfOpen      int      `yaml:"max_half_open"`
}

// StorageConfig contains forecast storage settings.
type StorageConfig struct {
	// Type is "badger", "sqlite" or "memory".
	Type       string   `yaml:"type"`
	DataDir    string   `yaml:"data_dir"`
	SyncWrites bool     `yaml:"sync_writes"`
	GCInterval Duration `yaml:"gc_interval"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// PrometheusConfig contains Prometheus metrics settings.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerConfig contains remote model worker settings, used by tremor-worker.
type WorkerConfig struct {
	Address string   `yaml:"address"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Timeout Duration `yaml:"timeout"`
	// ResultTTL is how long a finished result stays available to GET /run.
	ResultTTL Duration `yaml:"result_ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "0.0.0.0:8080",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
		},
		Clock: ClockConfig{
			Mode:         string(models.ClockWallClock),
			Speed:        1,
			Step:         Duration(6 * time.Hour),
			TickInterval: Duration(time.Second),
		},
		Ensemble: EnsembleConfig{
			MaxConcurrent: 4,
			HTTP: HTTPClientConfig{
				Timeout:         Duration(30 * time.Second),
				MaxIdleConns:    100,
				IdleConnTimeout: Duration(90 * time.Second),
			},
			Remote: RemoteConfig{
				PollInterval:    Duration(5 * time.Second),
				PollTimeout:     Duration(30 * time.Minute),
				MaxPollErrors:   3,
				MaxResponseSize: 10 * 1024 * 1024,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				OpenTimeout:      Duration(time.Minute),
				MaxHalfOpen:      1,
			},
		},
		Storage: StorageConfig{
			Type:       "badger",
			DataDir:    "./data",
			SyncWrites: true,
			GCInterval: Duration(5 * time.Minute),
		},
		Metrics: MetricsConfig{
			Prometheus: PrometheusConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: tracing.DefaultConfig(),
		Worker: WorkerConfig{
			Address:   "0.0.0.0:8090",
			Timeout:   Duration(time.Hour),
			ResultTTL: Duration(10 * time.Minute),
		},
	}
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FromEnv returns the default configuration with environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("TREMOR_HTTP_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("TREMOR_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("TREMOR_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("TREMOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TREMOR_CLOCK_MODE"); v != "" {
		c.Clock.Mode = v
	}
	if v := os.Getenv("TREMOR_CLOCK_SPEED"); v != "" {
		speed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TREMOR_CLOCK_SPEED: %w", err)
		}
		c.Clock.Speed = speed
	}
	if v := os.Getenv("TREMOR_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
		c.Tracing.Enabled = true
	}
	if v := os.Getenv("TREMOR_WORKER_ADDRESS"); v != "" {
		c.Worker.Address = v
	}
	if v := os.Getenv("TREMOR_WORKER_COMMAND"); v != "" {
		fields := strings.Fields(v)
		c.Worker.Command = fields[0]
		c.Worker.Args = fields[1:]
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	mode, err := models.ParseClockMode(c.Clock.Mode)
	if err != nil {
		return fmt.Errorf("clock.mode: %w", err)
	}
	switch mode {
	case models.ClockWallClock:
		if c.Clock.Speed <= 0 {
			return fmt.Errorf("clock.speed: %w", models.ErrInvalidSpeed)
		}
	case models.ClockExternalStep:
		if c.Clock.Step.Duration() <= 0 {
			return fmt.Errorf("clock.step: %w", models.ErrInvalidStep)
		}
	}
	if c.Ensemble.MaxConcurrent < 1 {
		return fmt.Errorf("ensemble.max_concurrent must be at least 1")
	}
	switch c.Storage.Type {
	case "badger", "sqlite":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.type must be badger, sqlite or memory, got %q", c.Storage.Type)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys is required when auth is enabled")
	}
	if c.Project != nil {
		if err := c.Project.Validate(); err != nil {
			return fmt.Errorf("project: %w", err)
		}
	}
	return nil
}

// EngineConfig returns the engine settings.
func (c *Config) EngineConfig() engine.Config {
	mode, _ := models.ParseClockMode(c.Clock.Mode)
	return engine.Config{
		Clock: engine.ClockSettings{
			Mode:  mode,
			Speed: c.Clock.Speed,
			Step:  c.Clock.Step.Duration(),
		},
		StageTimeout: c.Engine.StageTimeout.Duration(),
	}
}

// EnsembleConfig returns the dispatcher settings.
func (c *Config) EnsembleConfig() *ensemble.Config {
	e := c.Ensemble
	return &ensemble.Config{
		MaxConcurrent:   e.MaxConcurrent,
		RequestTimeout:  e.HTTP.Timeout.Duration(),
		MaxIdleConns:    e.HTTP.MaxIdleConns,
		IdleConnTimeout: e.HTTP.IdleConnTimeout.Duration(),
		Remote: ensemble.RemoteConfig{
			PollInterval:    e.Remote.PollInterval.Duration(),
			PollTimeout:     e.Remote.PollTimeout.Duration(),
			MaxPollErrors:   e.Remote.MaxPollErrors,
			MaxResponseSize: e.Remote.MaxResponseSize,
		},
		Breaker: &ensemble.BreakerConfig{
			FailureThreshold: e.CircuitBreaker.FailureThreshold,
			SuccessThreshold: e.CircuitBreaker.SuccessThreshold,
			OpenTimeout:      e.CircuitBreaker.OpenTimeout.Duration(),
			MaxHalfOpenRuns:  e.CircuitBreaker.MaxHalfOpen,
		},
	}
}
