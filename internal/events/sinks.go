// Package events provides the EventSink implementations wired by the ledger
// binaries: structured log lines, a blob-backed archive, fan-out and an
// in-memory recorder.
package events

import (
	"context"
	"sync"

	"coffeeledger/internal/core"
	"coffeeledger/pkg/domain"
)

var (
	_ domain.EventSink = (*LogSink)(nil)
	_ domain.EventSink = (*BlobArchive)(nil)
	_ domain.EventSink = Fanout(nil)
	_ domain.EventSink = (*Recorder)(nil)
)

// LogSink writes one Info line per event.
type LogSink struct {
	logger core.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger core.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs the event kind, batch and payload fields.
func (s *LogSink) Emit(_ context.Context, event domain.Event) {
	if s == nil || s.logger == nil || event == nil {
		return
	}
	args := []any{"kind", string(event.Kind()), "batch", event.BatchRef()}
	s.logger.Info("ledger event", append(args, eventFields(event)...)...)
}

func eventFields(event domain.Event) []any {
	switch e := event.(type) {
	case domain.BatchCreated:
		return []any{"batch_id", e.BatchID, "creator", string(e.Creator), "producer_name", e.ProducerName, "timestamp", e.Timestamp}
	case domain.StageAdded:
		return []any{"stage_index", e.StageIndex, "stage_name", e.StageName, "actor", string(e.Actor), "stage_data_hash", e.StageDataHash}
	case domain.CustodyTransferred:
		return []any{"from", string(e.From), "to", string(e.To)}
	case domain.BatchFinalized:
		return []any{"timestamp", e.Timestamp}
	default:
		return nil
	}
}

// Fanout delivers every event to each sink in order.
type Fanout []domain.EventSink

// Emit forwards event to all non-nil sinks.
func (f Fanout) Emit(ctx context.Context, event domain.Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

// Emit appends event.
func (r *Recorder) Emit(_ context.Context, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds lists the recorded event kinds in emission order.
func (r *Recorder) Kinds() []domain.EventKind {
	events := r.Events()
	out := make([]domain.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind()
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
