package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes one expvar map per recorder:
//
//	{"committed": {"add_stage": 3}, "rejected": {...}, "failed": {...}, "latency_ms": {"add_stage": 4.2}}
type ExpvarMetricsRecorder struct {
	name     string
	root     *expvar.Map
	outcomes map[Outcome]*expvar.Map
	latency  *expvar.Map
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated coffeeledger_operations_N name when name is empty.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("coffeeledger_operations_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name:     name,
		root:     expvar.NewMap(name),
		outcomes: make(map[Outcome]*expvar.Map, len(Outcomes)),
		latency:  new(expvar.Map).Init(),
	}
	for _, outcome := range Outcomes {
		m := new(expvar.Map).Init()
		rec.outcomes[outcome] = m
		rec.root.Set(string(outcome), m)
	}
	rec.root.Set("latency_ms", rec.latency)
	return rec
}

// Name returns the expvar name the recorder is published under.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Observe implements MetricsRecorder. Calls without an operation are dropped.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, outcome Outcome, duration time.Duration) {
	if operation == "" {
		return
	}
	counts, ok := r.outcomes[outcome]
	if !ok {
		counts = r.outcomes[OutcomeFailed]
	}
	counts.Add(operation, 1)
	r.latency.AddFloat(operation, float64(duration)/float64(time.Millisecond))
}

// Count returns how many calls of operation ended with outcome.
func (r *ExpvarMetricsRecorder) Count(operation string, outcome Outcome) int64 {
	counts, ok := r.outcomes[outcome]
	if !ok {
		return 0
	}
	if v, ok := counts.Get(operation).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

// LatencyMS returns the accumulated latency of operation in milliseconds.
func (r *ExpvarMetricsRecorder) LatencyMS(operation string) float64 {
	if v, ok := r.latency.Get(operation).(*expvar.Float); ok {
		return v.Value()
	}
	return 0
}

// String renders the published map as JSON.
func (r *ExpvarMetricsRecorder) String() string { return r.root.String() }

// SpanRecord is one ended operation span as written by JSONTracer.
type SpanRecord struct {
	Operation  string    `json:"operation"`
	Outcome    Outcome   `json:"outcome"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// JSONTracer writes one JSON line per operation span and keeps the records.
type JSONTracer struct {
	mu      sync.Mutex
	records []SpanRecord
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w. With a nil writer spans are
// only kept in memory.
func NewJSONTracer(w io.Writer) *JSONTracer {
	t := &JSONTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Records returns the spans ended so far.
func (t *JSONTracer) Records() []SpanRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SpanRecord(nil), t.records...)
}

// Start implements Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type jsonSpan struct {
	tracer    *JSONTracer
	operation string
	started   time.Time
}

func (s *jsonSpan) End(err error) {
	rec := SpanRecord{
		Operation:  s.operation,
		Outcome:    OutcomeOf(err),
		Code:       ErrorCode(err),
		DurationMS: float64(time.Since(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.records = append(s.tracer.records, rec)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(rec)
	}
}
