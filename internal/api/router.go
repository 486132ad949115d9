// Package api exposes the ledger operations over HTTP.
package api

import (
	"net/http"
	"time"

	"coffeeledger/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CallerHeader carries the authenticated caller identity set by the host.
const CallerHeader = "X-Caller-Identity"

const maxBodyBytes = 1 << 20

// Option customizes the router.
type Option func(*server)

// WithLogger sets the request logger.
func WithLogger(logger core.Logger) Option {
	return func(s *server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *server) { s.metrics = h }
}

type server struct {
	svc     *core.Service
	logger  core.Logger
	metrics http.Handler
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc *core.Service, opts ...Option) http.Handler {
	s := &server{svc: svc, logger: nopLogger{}}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/batches", func(r chi.Router) {
		r.Get("/", s.listBatches)
		r.Get("/{address}", s.getBatch)
		r.Group(func(r chi.Router) {
			r.Use(requireCaller)
			r.Post("/", s.createBatch)
			r.Post("/{address}/stages", s.addStage)
			r.Post("/{address}/transfer", s.transferCustody)
			r.Post("/{address}/finalize", s.finalizeBatch)
		})
	})
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
