package domain

import "context"

// Transaction exposes the ledger operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	// CreateBatch stores a new batch at its derived address. It fails with
	// ErrAddressOccupied when the address is taken.
	CreateBatch(Batch) (Batch, error)
	UpdateBatch(address string, mutator func(*Batch) error) (Batch, error)
	// CreateStage stores a new stage at its (batch, index) address. It fails
	// with ErrAddressOccupied when that index was already created.
	CreateStage(Stage) (Stage, error)
	FindBatch(address string) (Batch, bool)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListBatches() []Batch
	FindBatch(address string) (Batch, bool)
	ListStages(batchAddress string) []Stage
	FindStage(batchAddress string, index uint16) (Stage, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetBatch(address string) (Batch, bool)
	ListBatches() []Batch
	ListStages(batchAddress string) []Stage
}
