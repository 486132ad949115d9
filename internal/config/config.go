// Package config loads ledger configuration from an optional YAML file and
// then from COFFEELEDGER_* environment variables, which take precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"coffeeledger/internal/blob"
	"coffeeledger/internal/core"
	"coffeeledger/internal/telemetry"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "COFFEELEDGER_"

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsExpvar     = "expvar"
	MetricsNone       = "none"
)

// Tracing backends.
const (
	TracingOTel = "otel"
	TracingJSON = "json"
	TracingNone = "none"
)

// Config is the full ledger configuration.
type Config struct {
	HTTP    HTTPConfig         `yaml:"http" envPrefix:"HTTP_"`
	Storage core.StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Archive ArchiveConfig      `yaml:"archive" envPrefix:"ARCHIVE_"`
	Log     LogConfig          `yaml:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig      `yaml:"metrics" envPrefix:"METRICS_"`
	Tracing TracingConfig      `yaml:"tracing" envPrefix:"TRACING_"`
}

// HTTPConfig configures the ledgerd listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ArchiveConfig enables the blob event archive.
type ArchiveConfig struct {
	Enabled bool        `yaml:"enabled" env:"ENABLED"`
	Blob    blob.Config `yaml:"blob" envPrefix:"BLOB_"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`
}

// TracingConfig selects the tracing backend.
type TracingConfig struct {
	Backend string                  `yaml:"backend" env:"BACKEND"`
	OTel    telemetry.TracingConfig `yaml:"otel" envPrefix:"OTEL_"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: core.StorageConfig{Driver: core.StorageSQLite},
		Archive: ArchiveConfig{Blob: blob.Config{Driver: blob.DriverFilesystem, FSRoot: blob.DefaultFSRoot}},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Backend: MetricsPrometheus},
		Tracing: TracingConfig{Backend: TracingNone, OTel: telemetry.TracingConfig{ServiceName: "coffeeledger"}},
	}
}

// Load layers Default, the YAML file at path (skipped when path is empty) and
// the environment, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "", core.StorageMemory, core.StorageSQLite, core.StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Archive.Enabled {
		switch c.Archive.Blob.Driver {
		case "", blob.DriverFilesystem, blob.DriverMemory:
		case blob.DriverS3:
			if c.Archive.Blob.S3.Bucket == "" {
				errs = append(errs, errors.New("archive.blob.s3.bucket: required for s3 driver"))
			}
		case blob.DriverMinIO:
			if c.Archive.Blob.MinIO.Endpoint == "" {
				errs = append(errs, errors.New("archive.blob.minio.endpoint: required for minio driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("archive.blob.driver: unknown driver %q", c.Archive.Blob.Driver))
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	switch c.Metrics.Backend {
	case "", MetricsPrometheus, MetricsExpvar, MetricsNone:
	default:
		errs = append(errs, fmt.Errorf("metrics.backend: unknown backend %q", c.Metrics.Backend))
	}
	switch c.Tracing.Backend {
	case "", TracingOTel, TracingJSON, TracingNone:
	default:
		errs = append(errs, fmt.Errorf("tracing.backend: unknown backend %q", c.Tracing.Backend))
	}
	if r := c.Tracing.OTel.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing.otel.sample_ratio: %v outside [0,1]", r))
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
