package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coffeeledger/internal/blob"
	"coffeeledger/internal/core"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Storage.Driver != core.StorageSQLite || cfg.Metrics.Backend != MetricsPrometheus {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Archive.Enabled {
		t.Fatalf("archive should be disabled by default")
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
  shutdown_timeout: 3s
storage:
  driver: postgres
  postgres_dsn: postgres://ledger@db/coffeeledger
archive:
  enabled: true
  blob:
    driver: s3
    s3:
      bucket: from-file
      region: eu-west-1
      path_style: true
log:
  level: debug
tracing:
  backend: otel
  otel:
    endpoint: http://collector:4318
    sample_ratio: 0.5
`)
	t.Setenv("COFFEELEDGER_ARCHIVE_BLOB_S3_BUCKET", "from-env")
	t.Setenv("COFFEELEDGER_LOG_FORMAT", "text")
	t.Setenv("COFFEELEDGER_METRICS_BACKEND", "expvar")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := []struct {
		name      string
		got, want any
	}{
		{"addr", cfg.HTTP.Addr, ":9090"},
		{"shutdown", cfg.HTTP.ShutdownTimeout, 3 * time.Second},
		{"read timeout default kept", cfg.HTTP.ReadTimeout, 10 * time.Second},
		{"driver", cfg.Storage.Driver, core.StoragePostgres},
		{"dsn", cfg.Storage.PostgresDSN, "postgres://ledger@db/coffeeledger"},
		{"blob driver", cfg.Archive.Blob.Driver, blob.DriverS3},
		{"bucket env wins", cfg.Archive.Blob.S3.Bucket, "from-env"},
		{"region", cfg.Archive.Blob.S3.Region, "eu-west-1"},
		{"path style", cfg.Archive.Blob.S3.PathStyle, true},
		{"level", cfg.Log.Level, "debug"},
		{"format", cfg.Log.Format, "text"},
		{"metrics", cfg.Metrics.Backend, MetricsExpvar},
		{"endpoint", cfg.Tracing.OTel.Endpoint, "http://collector:4318"},
		{"service name default", cfg.Tracing.OTel.ServiceName, "coffeeledger"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("COFFEELEDGER_STORAGE_DRIVER", "memory")
	t.Setenv("COFFEELEDGER_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("COFFEELEDGER_ARCHIVE_ENABLED", "true")
	t.Setenv("COFFEELEDGER_ARCHIVE_BLOB_FS_ROOT", "/var/lib/ledger/archive")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != core.StorageMemory || cfg.HTTP.Addr != "127.0.0.1:0" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Blob.FSRoot != "/var/lib/ledger/archive" {
		t.Fatalf("unexpected archive %+v", cfg.Archive)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{name: "bad yaml", yaml: "http: [", want: "parse config"},
		{name: "bad env duration", env: map[string]string{"COFFEELEDGER_HTTP_SHUTDOWN_TIMEOUT": "soon"}, want: "parse env"},
		{name: "storage driver", yaml: "storage:\n  driver: mongo\n", want: "storage.driver"},
		{name: "s3 bucket", yaml: "archive:\n  enabled: true\n  blob:\n    driver: s3\n", want: "bucket"},
		{name: "minio endpoint", yaml: "archive:\n  enabled: true\n  blob:\n    driver: minio\n", want: "minio.endpoint"},
		{name: "blob driver", yaml: "archive:\n  enabled: true\n  blob:\n    driver: tape\n", want: "archive.blob.driver"},
		{name: "log level", yaml: "log:\n  level: loud\n", want: "log.level"},
		{name: "log format", yaml: "log:\n  format: xml\n", want: "log.format"},
		{name: "metrics", yaml: "metrics:\n  backend: statsd\n", want: "metrics.backend"},
		{name: "tracing", yaml: "tracing:\n  backend: zipkin\n", want: "tracing.backend"},
		{name: "ratio", yaml: "tracing:\n  otel:\n    sample_ratio: 2\n", want: "sample_ratio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.yaml != "" {
				path = writeConfig(t, tc.yaml)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Warn("shown", "batch", "addr")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"batch":"addr"`) {
		t.Fatalf("unexpected log output %q", out)
	}
	buf.Reset()
	LogConfig{Format: "text"}.NewLogger(&buf).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Fatalf("expected text handler output, got %q", buf.String())
	}
	if lvl, err := (LogConfig{}).SlogLevel(); err != nil || lvl != slog.LevelInfo {
		t.Fatalf("default level: %v %v", lvl, err)
	}
}
