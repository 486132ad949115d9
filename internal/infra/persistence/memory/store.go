// Package memory provides an in-memory implementation of the ledger record
// store used for tests and ephemeral environments. The sqlite and postgres
// stores embed it and write each transaction's changes through RunAndCommit.
package memory

import (
	"coffeeledger/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Batch aliases domain.Batch for in-memory persistence operations.
	Batch = domain.Batch
	// Stage aliases domain.Stage.
	Stage = domain.Stage
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// memoryState keys batches by batch address and groups stages by batch
// address then index, so insert-if-absent on the inner map is the
// (batch, index) uniqueness constraint. Inner stage maps are shared between a
// committed state and its clones and copied on first write (see owned).
type memoryState struct {
	batches map[string]Batch
	stages  map[string]map[uint16]Stage
	owned   map[string]bool
}

// Snapshot captures a point-in-time clone of the store state, keyed by record
// address.
type Snapshot struct {
	Batches map[string]Batch `json:"batches"`
	Stages  map[string]Stage `json:"stages"`
}

// ErrCorruptSnapshot is returned by ImportState when persisted records do not
// form a consistent ledger.
var ErrCorruptSnapshot = errors.New("corrupt ledger snapshot")

func newMemoryState() memoryState {
	return memoryState{
		batches: make(map[string]Batch),
		stages:  make(map[string]map[uint16]Stage),
		owned:   make(map[string]bool),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Batches: make(map[string]Batch, len(state.batches)),
		Stages:  make(map[string]Stage),
	}
	for k, v := range state.batches {
		s.Batches[k] = v
	}
	for _, byIndex := range state.stages {
		for _, stage := range byIndex {
			s.Stages[stage.Address] = stage
		}
	}
	return s
}

// memoryStateFromSnapshot validates a persisted snapshot. Records are re-keyed
// by their derived addresses. A batch with an unknown status, a stage whose
// batch is missing, a stage above the batch counter or a gap below it fails
// the whole import.
func memoryStateFromSnapshot(snapshot Snapshot) (memoryState, error) {
	state := newMemoryState()
	for key, batch := range snapshot.Batches {
		if batch.ID == "" {
			return memoryState{}, fmt.Errorf("%w: batch %q has no id", ErrCorruptSnapshot, key)
		}
		if !batch.Status.Valid() {
			return memoryState{}, fmt.Errorf("%w: batch %s has unknown status %q", ErrCorruptSnapshot, batch.ID, batch.Status)
		}
		batch.Address = domain.BatchAddress(batch.ID)
		if _, dup := state.batches[batch.Address]; dup {
			return memoryState{}, fmt.Errorf("%w: batch %s stored twice", ErrCorruptSnapshot, batch.ID)
		}
		state.batches[batch.Address] = batch
	}
	for key, stage := range snapshot.Stages {
		batch, ok := state.batches[stage.Batch]
		if !ok {
			return memoryState{}, fmt.Errorf("%w: stage %q references missing batch %s", ErrCorruptSnapshot, key, stage.Batch)
		}
		if stage.Index >= batch.NextStageIndex {
			return memoryState{}, fmt.Errorf("%w: batch %s stage %d above counter %d", ErrCorruptSnapshot, batch.ID, stage.Index, batch.NextStageIndex)
		}
		byIndex := state.stages[stage.Batch]
		if byIndex == nil {
			byIndex = make(map[uint16]Stage)
			state.stages[stage.Batch] = byIndex
		}
		if _, dup := byIndex[stage.Index]; dup {
			return memoryState{}, fmt.Errorf("%w: batch %s stage %d stored twice", ErrCorruptSnapshot, batch.ID, stage.Index)
		}
		stage.Address = domain.StageAddress(stage.Batch, stage.Index)
		byIndex[stage.Index] = stage
	}
	for addr, batch := range state.batches {
		if got := len(state.stages[addr]); got != int(batch.NextStageIndex) {
			return memoryState{}, fmt.Errorf("%w: batch %s has %d stages, counter says %d", ErrCorruptSnapshot, batch.ID, got, batch.NextStageIndex)
		}
	}
	return state, nil
}

// clone copies the batch map and the outer stage map. Inner stage maps stay
// shared until stagesForWrite copies them.
func (s memoryState) clone() memoryState {
	out := memoryState{
		batches: make(map[string]Batch, len(s.batches)),
		stages:  make(map[string]map[uint16]Stage, len(s.stages)),
		owned:   make(map[string]bool),
	}
	for k, v := range s.batches {
		out.batches[k] = v
	}
	for k, v := range s.stages {
		out.stages[k] = v
	}
	return out
}

func (s *memoryState) stagesForWrite(batchAddress string) map[uint16]Stage {
	if s.owned[batchAddress] {
		return s.stages[batchAddress]
	}
	src := s.stages[batchAddress]
	cpy := make(map[uint16]Stage, len(src)+1)
	for k, v := range src {
		cpy[k] = v
	}
	s.stages[batchAddress] = cpy
	s.owned[batchAddress] = true
	return cpy
}

func sortBatches(batches []Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].CreatedAt != batches[j].CreatedAt {
			return batches[i].CreatedAt < batches[j].CreatedAt
		}
		return batches[i].ID < batches[j].ID
	})
}

func stagesOf(state *memoryState, batchAddress string) []Stage {
	byIndex := state.stages[batchAddress]
	if len(byIndex) == 0 {
		return nil
	}
	out := make([]Stage, 0, len(byIndex))
	for _, stage := range byIndex {
		out = append(out, stage)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Store is an in-memory transactional ledger store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot. The current
// state is kept when the snapshot fails validation.
func (s *Store) ImportState(snapshot Snapshot) error {
	state, err := memoryStateFromSnapshot(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

type transaction struct {
	state   memoryState
	changes []Change
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) transactionView {
	return transactionView{state: state}
}

// ListBatches returns all batches ordered by creation time.
func (v transactionView) ListBatches() []Batch {
	out := make([]Batch, 0, len(v.state.batches))
	for _, b := range v.state.batches {
		out = append(out, b)
	}
	sortBatches(out)
	return out
}

// FindBatch retrieves a batch by address from the snapshot.
func (v transactionView) FindBatch(address string) (Batch, bool) {
	b, ok := v.state.batches[address]
	return b, ok
}

// ListStages returns the stages of a batch ordered by index.
func (v transactionView) ListStages(batchAddress string) []Stage {
	return stagesOf(v.state, batchAddress)
}

// FindStage retrieves the stage at index within a batch.
func (v transactionView) FindStage(batchAddress string, index uint16) (Stage, bool) {
	s, ok := v.state.stages[batchAddress][index]
	return s, ok
}

// CommitFunc makes the changes of a transaction durable. It runs while the
// store lock is held, after rules pass and before the new state is visible.
type CommitFunc func(ctx context.Context, changes []Change) error

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the committed state only when fn succeeds and no rule blocks.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	return s.RunAndCommit(ctx, fn, nil)
}

// RunAndCommit is RunInTransaction with a commit hook. When commit fails the
// transaction is discarded and its error returned.
func (s *Store) RunAndCommit(ctx context.Context, fn func(tx Transaction) error, commit CommitFunc) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if commit != nil && len(tx.changes) > 0 {
		if err := commit(ctx, tx.changes); err != nil {
			return Result{}, err
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindBatch exposes batch lookup within the transaction scope.
func (tx *transaction) FindBatch(address string) (Batch, bool) {
	b, ok := tx.state.batches[address]
	return b, ok
}

// CreateBatch stores a new batch at the address derived from its id.
func (tx *transaction) CreateBatch(b Batch) (Batch, error) {
	b.Address = domain.BatchAddress(b.ID)
	if _, exists := tx.state.batches[b.Address]; exists {
		return Batch{}, &domain.RecordError{Entity: domain.EntityBatch, Address: b.Address, Err: domain.ErrAddressOccupied}
	}
	if declared := domain.BatchSpace(len(b.ID), len(b.ProducerName)); b.EncodedSize() > declared {
		return Batch{}, &domain.RecordError{
			Entity:  domain.EntityBatch,
			Address: b.Address,
			Err:     fmt.Errorf("%w: need %d bytes, declared %d", domain.ErrInsufficientSpace, b.EncodedSize(), declared),
		}
	}
	tx.state.batches[b.Address] = b
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionCreate, After: b})
	return b, nil
}

// UpdateBatch mutates a batch using the provided mutator function. Address,
// id, creator and creation time are immutable and restored after the mutator
// runs; the stage counter may never move backwards.
func (tx *transaction) UpdateBatch(address string, mutator func(*Batch) error) (Batch, error) {
	current, ok := tx.state.batches[address]
	if !ok {
		return Batch{}, &domain.RecordError{Entity: domain.EntityBatch, Address: address, Err: domain.ErrNotFound}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Batch{}, err
	}
	current.Address = address
	current.ID = before.ID
	current.Creator = before.Creator
	current.CreatedAt = before.CreatedAt
	if current.NextStageIndex < before.NextStageIndex {
		return Batch{}, fmt.Errorf("batch %s: stage counter cannot decrease from %d to %d", address, before.NextStageIndex, current.NextStageIndex)
	}
	tx.state.batches[address] = current
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateStage stores a new stage at its (batch, index) address.
func (tx *transaction) CreateStage(s Stage) (Stage, error) {
	if _, ok := tx.state.batches[s.Batch]; !ok {
		return Stage{}, &domain.RecordError{Entity: domain.EntityBatch, Address: s.Batch, Err: domain.ErrNotFound}
	}
	s.Address = domain.StageAddress(s.Batch, s.Index)
	if _, exists := tx.state.stages[s.Batch][s.Index]; exists {
		return Stage{}, &domain.RecordError{Entity: domain.EntityStage, Address: s.Address, Err: domain.ErrAddressOccupied}
	}
	if declared := domain.StageSpace(len(s.StageName)); s.EncodedSize() > declared {
		return Stage{}, &domain.RecordError{
			Entity:  domain.EntityStage,
			Address: s.Address,
			Err:     fmt.Errorf("%w: need %d bytes, declared %d", domain.ErrInsufficientSpace, s.EncodedSize(), declared),
		}
	}
	tx.state.stagesForWrite(s.Batch)[s.Index] = s
	tx.recordChange(Change{Entity: domain.EntityStage, Action: domain.ActionCreate, After: s})
	return s, nil
}

// GetBatch retrieves a batch by address from committed state.
func (s *Store) GetBatch(address string) (Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.batches[address]
	return b, ok
}

// ListBatches returns all batches from committed state ordered by creation time.
func (s *Store) ListBatches() []Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListBatches()
}

// ListStages returns the committed stages of a batch ordered by index.
func (s *Store) ListStages(batchAddress string) []Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stagesOf(&s.state, batchAddress)
}
