package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"coffeeledger/internal/blob"
	"coffeeledger/internal/core"
	"coffeeledger/pkg/domain"

	"github.com/google/uuid"
)

// KeyPrefix is the blob prefix under which archived events live.
const KeyPrefix = "events/"

// Envelope is the archived form of an event.
type Envelope struct {
	ID        string           `json:"id"`
	Kind      domain.EventKind `json:"kind"`
	Batch     string           `json:"batch"`
	EmittedAt time.Time        `json:"emitted_at"`
	Payload   json.RawMessage  `json:"payload"`
}

// Decode returns the typed event carried by the envelope.
func (e Envelope) Decode() (domain.Event, error) {
	var (
		event domain.Event
		err   error
	)
	switch e.Kind {
	case domain.EventBatchCreated:
		var v domain.BatchCreated
		err = json.Unmarshal(e.Payload, &v)
		event = v
	case domain.EventStageAdded:
		var v domain.StageAdded
		err = json.Unmarshal(e.Payload, &v)
		event = v
	case domain.EventCustodyTransferred:
		var v domain.CustodyTransferred
		err = json.Unmarshal(e.Payload, &v)
		event = v
	case domain.EventBatchFinalized:
		var v domain.BatchFinalized
		err = json.Unmarshal(e.Payload, &v)
		event = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return event, nil
}

// ArchiveOption customizes a BlobArchive.
type ArchiveOption func(*BlobArchive)

// WithArchiveClock overrides the emission timestamp source.
func WithArchiveClock(clock core.Clock) ArchiveOption {
	return func(a *BlobArchive) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithArchiveLogger sets the logger used to report write failures.
func WithArchiveLogger(logger core.Logger) ArchiveOption {
	return func(a *BlobArchive) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithIDGenerator overrides the envelope id source.
func WithIDGenerator(fn func() string) ArchiveOption {
	return func(a *BlobArchive) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// BlobArchive writes each event as one JSON object into a create-only blob
// store. Write failures are logged and never reach the emitting operation.
type BlobArchive struct {
	store  blob.Store
	clock  core.Clock
	logger core.Logger
	newID  func() string

	mu   sync.Mutex
	last time.Time
}

// NewBlobArchive returns an archive writing into store.
func NewBlobArchive(store blob.Store, opts ...ArchiveOption) *BlobArchive {
	a := &BlobArchive{
		store:  store,
		clock:  core.ClockFunc(nil),
		logger: discardLogger{},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Key returns the blob key for an envelope.
func Key(env Envelope) string {
	return fmt.Sprintf("%s%s/%019d-%s.json", KeyPrefix, env.Batch, env.EmittedAt.UnixNano(), env.ID)
}

// Emit archives event.
func (a *BlobArchive) Emit(ctx context.Context, event domain.Event) {
	if event == nil {
		return
	}
	if _, err := a.Archive(ctx, event); err != nil {
		a.logger.Error("archive ledger event", "kind", string(event.Kind()), "batch", event.BatchRef(), "error", err)
	}
}

// Archive writes event and returns its envelope.
func (a *BlobArchive) Archive(ctx context.Context, event domain.Event) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event.Kind(), err)
	}
	env := Envelope{
		ID:        a.newID(),
		Kind:      event.Kind(),
		Batch:     event.BatchRef(),
		EmittedAt: a.emittedAt(),
		Payload:   payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, err
	}
	_, err = a.store.Put(ctx, Key(env), bytes.NewReader(body), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"event-kind": string(env.Kind), "event-id": env.ID},
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("put event %s: %w", env.ID, err)
	}
	return env, nil
}

// emittedAt returns a clock reading strictly after the previous one, so keys
// sort in emission order even when the clock repeats.
func (a *BlobArchive) emittedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	if !now.After(a.last) {
		now = a.last.Add(time.Nanosecond)
	}
	a.last = now
	return now
}

// Replay returns the archived envelopes of a batch in emission order, with
// StageAdded envelopes additionally kept in stage index order.
func (a *BlobArchive) Replay(ctx context.Context, batch string) ([]Envelope, error) {
	infos, err := a.store.List(ctx, KeyPrefix+batch+"/")
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(infos))
	for _, info := range infos {
		env, err := a.read(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EmittedAt.Before(out[j].EmittedAt) })
	if err := orderStages(out); err != nil {
		return nil, err
	}
	return out, nil
}

// orderStages sorts the StageAdded envelopes by stage index within the slots
// they already occupy. Emission clocks of separate writers can interleave, the
// stage index of a batch cannot.
func orderStages(envs []Envelope) error {
	type staged struct {
		env   Envelope
		index uint16
	}
	var (
		slots  []int
		stages []staged
	)
	for i, env := range envs {
		if env.Kind != domain.EventStageAdded {
			continue
		}
		event, err := env.Decode()
		if err != nil {
			return fmt.Errorf("replay %s: %w", env.ID, err)
		}
		slots = append(slots, i)
		stages = append(stages, staged{env: env, index: event.(domain.StageAdded).StageIndex})
	}
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].index < stages[j].index })
	for i, slot := range slots {
		envs[slot] = stages[i].env
	}
	return nil
}

func (a *BlobArchive) read(ctx context.Context, key string) (Envelope, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return Envelope{}, err
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return env, nil
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
