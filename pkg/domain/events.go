package domain

import "context"

// EventKind names a ledger notification.
type EventKind string

// Event kinds, one per successful transition.
const (
	EventBatchCreated       EventKind = "batch_created"
	EventStageAdded         EventKind = "stage_added"
	EventCustodyTransferred EventKind = "custody_transferred"
	EventBatchFinalized     EventKind = "batch_finalized"
)

// Event is a notification emitted after a transition commits.
type Event interface {
	Kind() EventKind
	// BatchRef returns the address of the batch the event concerns.
	BatchRef() string
}

// BatchCreated is emitted once per created batch.
type BatchCreated struct {
	Batch        string   `json:"batch"`
	BatchID      string   `json:"batch_id"`
	Creator      Identity `json:"creator"`
	ProducerName string   `json:"producer_name"`
	Timestamp    int64    `json:"timestamp"`
}

// StageAdded is emitted once per appended stage.
type StageAdded struct {
	Batch         string   `json:"batch"`
	StageIndex    uint16   `json:"stage_index"`
	StageName     string   `json:"stage_name"`
	Actor         Identity `json:"actor"`
	StageDataHash string   `json:"stage_data_hash"`
}

// CustodyTransferred is emitted once per custody transfer.
type CustodyTransferred struct {
	Batch string   `json:"batch"`
	From  Identity `json:"from"`
	To    Identity `json:"to"`
}

// BatchFinalized is emitted on every successful finalize, including re-finalization.
type BatchFinalized struct {
	Batch     string `json:"batch"`
	Timestamp int64  `json:"timestamp"`
}

func (BatchCreated) Kind() EventKind       { return EventBatchCreated }
func (StageAdded) Kind() EventKind         { return EventStageAdded }
func (CustodyTransferred) Kind() EventKind { return EventCustodyTransferred }
func (BatchFinalized) Kind() EventKind     { return EventBatchFinalized }

func (e BatchCreated) BatchRef() string       { return e.Batch }
func (e StageAdded) BatchRef() string         { return e.Batch }
func (e CustodyTransferred) BatchRef() string { return e.Batch }
func (e BatchFinalized) BatchRef() string     { return e.Batch }

// EventSink receives notifications. Emission is one-way: sinks handle their
// own failures and nothing flows back into the ledger.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}
