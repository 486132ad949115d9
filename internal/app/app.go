// Package app assembles the ledger from configuration: record store, event
// sinks, metrics, tracing and the HTTP handler. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"

	"coffeeledger/internal/api"
	"coffeeledger/internal/blob"
	"coffeeledger/internal/config"
	"coffeeledger/internal/core"
	"coffeeledger/internal/events"
	"coffeeledger/internal/telemetry"
)

// App is a wired ledger instance.
type App struct {
	Service *core.Service
	// Archive is nil unless the event archive is enabled.
	Archive *events.BlobArchive
	// Metrics serves Prometheus metrics; nil for other backends.
	Metrics http.Handler

	closers []func(context.Context) error
}

// Build opens the configured store and wires the service around it.
func Build(ctx context.Context, cfg config.Config, logger core.Logger) (*App, error) {
	a := &App{}
	store, err := core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", storageDriver(cfg.Storage), err)
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithAuditRecorder(NewLogAuditRecorder(logger)),
	}

	sinks := events.Fanout{events.NewLogSink(logger)}
	if cfg.Archive.Enabled {
		bs, err := blob.Open(ctx, cfg.Archive.Blob)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("open event archive: %w", err)
		}
		a.Archive = events.NewBlobArchive(bs, events.WithArchiveLogger(logger))
		sinks = append(sinks, a.Archive)
	}
	opts = append(opts, core.WithEventSink(sinks))

	switch cfg.Metrics.Backend {
	case config.MetricsPrometheus, "":
		rec, err := telemetry.NewPrometheusRecorder(nil)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("prometheus recorder: %w", err)
		}
		a.Metrics = rec.Handler()
		opts = append(opts, core.WithMetricsRecorder(rec))
	case config.MetricsExpvar:
		opts = append(opts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")))
		a.Metrics = expvar.Handler()
	}

	switch cfg.Tracing.Backend {
	case config.TracingOTel:
		tp, shutdown, err := telemetry.Setup(ctx, cfg.Tracing.OTel)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("tracing: %w", err)
		}
		a.closers = append(a.closers, shutdown)
		opts = append(opts, core.WithTracer(telemetry.NewOTelTracer(tp)))
	case config.TracingJSON:
		opts = append(opts, core.WithTracer(core.NewJSONTracer(os.Stderr)))
	}

	a.Service = core.NewService(store, opts...)
	return a, nil
}

// Handler returns the HTTP API for the wired service.
func (a *App) Handler(logger core.Logger) http.Handler {
	return api.NewRouter(a.Service, api.WithLogger(logger), api.WithMetricsHandler(a.Metrics))
}

// Close releases resources in reverse acquisition order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func storageDriver(cfg core.StorageConfig) core.StorageDriver {
	if cfg.Driver == "" {
		return core.StorageSQLite
	}
	return cfg.Driver
}

// LogAuditRecorder writes audit entries as structured log lines.
type LogAuditRecorder struct {
	logger core.Logger
}

// NewLogAuditRecorder returns a recorder writing to logger.
func NewLogAuditRecorder(logger core.Logger) *LogAuditRecorder {
	return &LogAuditRecorder{logger: logger}
}

// Record implements core.AuditRecorder.
func (r *LogAuditRecorder) Record(_ context.Context, e core.AuditEntry) {
	if r == nil || r.logger == nil {
		return
	}
	args := []any{
		"audit_id", e.ID,
		"operation", e.Operation,
		"entity", string(e.Entity),
		"action", string(e.Action),
		"entity_id", e.EntityID,
		"caller", string(e.Caller),
		"status", string(e.Status),
		"duration_ms", e.Duration.Milliseconds(),
	}
	if e.Status == core.AuditStatusError {
		r.logger.Warn("audit", append(args, "error", e.Error)...)
		return
	}
	r.logger.Info("audit", args...)
}
