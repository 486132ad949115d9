package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"coffeeledger/pkg/domain"
)

const (
	creatorC = domain.Identity("C")
	holderH1 = domain.Identity("H1")
	holderH2 = domain.Identity("H2")
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Emit(_ context.Context, event domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) kinds() []domain.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.EventKind, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Kind())
	}
	return out
}

func (c *captureSink) last() domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

var fixedTime = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	opts = append([]Option{WithClock(stubClock{t: fixedTime}), WithEventSink(sink)}, opts...)
	return NewInMemoryService(nil, opts...), sink
}

// createB1 runs the canonical creation: id B1, producer Farm X, hash h1, holder H1, creator C.
func createB1(t *testing.T, svc *Service) domain.Batch {
	t.Helper()
	batch, _, err := svc.CreateBatch(context.Background(), domain.NewBatch{
		ID:            "B1",
		ProducerName:  "Farm X",
		BatchDataHash: "h1",
		InitialHolder: holderH1,
	}, creatorC)
	if err != nil {
		t.Fatalf("create B1: %v", err)
	}
	return batch
}
