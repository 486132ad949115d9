package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"coffeeledger/internal/blob"
	"coffeeledger/internal/config"
	"coffeeledger/internal/core"
	"coffeeledger/pkg/domain"
)

type memLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *memLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+msg)
}

func (l *memLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *memLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *memLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *memLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *memLogger) count(line string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.lines {
		if got == line {
			n++
		}
	}
	return n
}

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage = core.StorageConfig{Driver: core.StorageMemory}
	cfg.Archive = config.ArchiveConfig{Enabled: true, Blob: blob.Config{Driver: blob.DriverMemory}}
	cfg.Tracing.Backend = config.TracingNone
	return cfg
}

func TestBuildWiresSinksAndMetrics(t *testing.T) {
	ctx := context.Background()
	logger := &memLogger{}
	a, err := Build(ctx, memoryConfig(t), logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(ctx) })

	batch, _, err := a.Service.CreateBatch(ctx, domain.NewBatch{ID: "B1", ProducerName: "Farm X", BatchDataHash: "h1", InitialHolder: "H1"}, "C")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := a.Service.AddStage(ctx, batch.Address, "Harvest", "h2", "C"); err == nil {
		t.Fatalf("expected creator to be rejected")
	}

	envs, err := a.Archive.Replay(ctx, batch.Address)
	if err != nil || len(envs) != 1 || envs[0].Kind != domain.EventBatchCreated {
		t.Fatalf("archive replay: %+v %v", envs, err)
	}
	if logger.count("info ledger event") != 1 {
		t.Fatalf("expected one event log line")
	}
	if logger.count("info audit") != 1 || logger.count("warn audit") != 1 {
		t.Fatalf("expected audit lines, got %v", logger.lines)
	}

	srv := httptest.NewServer(a.Handler(logger))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `coffeeledger_operations_total{operation="add_stage",outcome="error"} 1`) {
		t.Fatalf("unexpected metrics %d %s", resp.StatusCode, body)
	}
}

func TestBuildBackends(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name        string
		mutate      func(*config.Config)
		wantMetrics bool
		wantArchive bool
	}{
		{"expvar and json tracer", func(c *config.Config) {
			c.Metrics.Backend = config.MetricsExpvar
			c.Tracing.Backend = config.TracingJSON
		}, false, true},
		{"no metrics, otel noop", func(c *config.Config) {
			c.Metrics.Backend = config.MetricsNone
			c.Tracing.Backend = config.TracingOTel
			c.Archive.Enabled = false
		}, false, false},
		{"sqlite file", func(c *config.Config) {
			c.Storage = core.StorageConfig{Driver: core.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "ledger.db")}
		}, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := memoryConfig(t)
			tc.mutate(&cfg)
			a, err := Build(ctx, cfg, &memLogger{})
			if err != nil {
				if strings.Contains(err.Error(), "sqlite") {
					t.Skipf("sqlite unavailable: %v", err)
				}
				t.Fatalf("build: %v", err)
			}
			if (a.Metrics != nil) != tc.wantMetrics || (a.Archive != nil) != tc.wantArchive {
				t.Fatalf("metrics=%v archive=%v", a.Metrics != nil, a.Archive != nil)
			}
			if _, _, err := a.Service.CreateBatch(ctx, domain.NewBatch{ID: "B1", BatchDataHash: "h", InitialHolder: "H1"}, "C"); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := a.Close(ctx); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Storage.Driver = "mongo"
	if _, err := Build(ctx, cfg, &memLogger{}); err == nil {
		t.Fatalf("expected storage error")
	}
	cfg = memoryConfig(t)
	cfg.Archive.Blob = blob.Config{Driver: blob.DriverS3}
	if _, err := Build(ctx, cfg, &memLogger{}); err == nil || !strings.Contains(err.Error(), "archive") {
		t.Fatalf("expected archive error, got %v", err)
	}
}

func TestLogAuditRecorderNilSafe(t *testing.T) {
	var r *LogAuditRecorder
	r.Record(context.Background(), core.AuditEntry{})
	NewLogAuditRecorder(nil).Record(context.Background(), core.AuditEntry{})
}
