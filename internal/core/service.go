package core

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"coffeeledger/internal/infra/persistence/memory"
	"coffeeledger/pkg/domain"

	"github.com/google/uuid"
)

type (
	// Transaction aliases domain.Transaction.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore.
	PersistentStore = domain.PersistentStore
)

type operation struct {
	name   string
	entity domain.EntityType
	action domain.Action
}

// Operation names used for logs, metrics, traces and audit entries.
const (
	OpCreateBatch     = "create_batch"
	OpAddStage        = "add_stage"
	OpTransferCustody = "transfer_custody"
	OpFinalizeBatch   = "finalize_batch"
)

var (
	opCreateBatch     = operation{name: OpCreateBatch, entity: domain.EntityBatch, action: domain.ActionCreate}
	opAddStage        = operation{name: OpAddStage, entity: domain.EntityStage, action: domain.ActionCreate}
	opTransferCustody = operation{name: OpTransferCustody, entity: domain.EntityBatch, action: domain.ActionUpdate}
	opFinalizeBatch   = operation{name: OpFinalizeBatch, entity: domain.EntityBatch, action: domain.ActionUpdate}
)

// Service runs the batch and stage operations. Each mutating call is a single
// store transaction: load the batch, run the guard, mutate, commit. One event
// is emitted after the commit succeeds, and sinks see events in commit order.
// Sinks must not call back into the Service from Emit.
type Service struct {
	store   PersistentStore
	clock   Clock
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	events  domain.EventSink
	order   *commitOrder
}

// commitOrder hands out tickets inside the store transaction, where commits
// are serialized, and lets ticket holders finish in ticket order.
type commitOrder struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func newCommitOrder() *commitOrder {
	o := &commitOrder{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *commitOrder) take() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.next
	o.next++
	return t
}

// release waits until every earlier ticket is released, runs emit when it is
// non-nil and passes the turn on.
func (o *commitOrder) release(ticket uint64, emit func()) {
	o.mu.Lock()
	for o.turn != ticket {
		o.cond.Wait()
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.turn++
		o.cond.Broadcast()
		o.mu.Unlock()
	}()
	if emit != nil {
		emit()
	}
}

type rulesEngineProvider interface {
	RulesEngine() *domain.RulesEngine
}

type nowFuncProvider interface {
	NowFunc() func() time.Time
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	svc := &Service{
		store:   store,
		logger:  noopLogger{},
		audit:   noopAuditRecorder{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		events:  noopEventSink{},
		order:   newCommitOrder(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	if svc.clock == nil {
		svc.clock = ClockFunc(selectNowFunc(store, nil))
	}
	return svc
}

// NewInMemoryService creates a service over a fresh in-memory store. A nil
// engine selects the default rule set.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// RulesEngine returns the engine configured on the store, if it exposes one.
func (s *Service) RulesEngine() *RulesEngine {
	return extractRulesEngine(s.store)
}

func extractRulesEngine(store PersistentStore) *RulesEngine {
	if provider, ok := store.(rulesEngineProvider); ok {
		return provider.RulesEngine()
	}
	return nil
}

func selectNowFunc(store PersistentStore, fallback func() time.Time) func() time.Time {
	if provider, ok := store.(nowFuncProvider); ok {
		if fn := provider.NowFunc(); fn != nil {
			return func() time.Time { return fn().UTC() }
		}
	}
	if fallback != nil {
		return fallback
	}
	return func() time.Time { return time.Now().UTC() }
}

func (s *Service) now() int64 {
	return s.clock.Now().Unix()
}

// CreateBatch stores a new batch owned by creator with status InProgress and
// an empty stage history.
func (s *Service) CreateBatch(ctx context.Context, in domain.NewBatch, creator domain.Identity) (domain.Batch, Result, error) {
	var created domain.Batch
	res, err := s.run(ctx, opCreateBatch, creator, domain.BatchAddress(in.ID), func(tx Transaction) error {
		var err error
		created, err = tx.CreateBatch(domain.Batch{
			Creator:        creator,
			ID:             in.ID,
			ProducerName:   in.ProducerName,
			CreatedAt:      s.now(),
			NextStageIndex: 0,
			BatchDataHash:  in.BatchDataHash,
			Status:         domain.BatchStatusInProgress,
			CurrentHolder:  in.InitialHolder,
		})
		return err
	}, func() domain.Event {
		return domain.BatchCreated{
			Batch:        created.Address,
			BatchID:      created.ID,
			Creator:      created.Creator,
			ProducerName: created.ProducerName,
			Timestamp:    created.CreatedAt,
		}
	})
	if err != nil {
		return domain.Batch{}, res, err
	}
	return created, res, nil
}

// AddStage appends a stage at the batch's next index. The batch must be in
// progress and the caller must be the current holder, checked in that order.
func (s *Service) AddStage(ctx context.Context, batchAddress, stageName, stageDataHash string, caller domain.Identity) (domain.Stage, Result, error) {
	var created domain.Stage
	res, err := s.run(ctx, opAddStage, caller, batchAddress, func(tx Transaction) error {
		batch, err := loadBatch(tx, batchAddress)
		if err != nil {
			return err
		}
		if err := RequireInProgress(OpAddStage, batch, caller); err != nil {
			return err
		}
		if err := RequireHolder(OpAddStage, batch, caller); err != nil {
			return err
		}
		if batch.NextStageIndex == math.MaxUint16 {
			return &domain.RecordError{Entity: domain.EntityBatch, Address: batch.Address, Err: domain.ErrStageIndexOverflow}
		}
		created, err = tx.CreateStage(domain.Stage{
			Batch:         batch.Address,
			Index:         batch.NextStageIndex,
			StageName:     stageName,
			Timestamp:     s.now(),
			Actor:         caller,
			StageDataHash: stageDataHash,
		})
		if err != nil {
			return err
		}
		_, err = tx.UpdateBatch(batch.Address, func(b *domain.Batch) error {
			b.NextStageIndex++
			return nil
		})
		return err
	}, func() domain.Event {
		return domain.StageAdded{
			Batch:         created.Batch,
			StageIndex:    created.Index,
			StageName:     created.StageName,
			Actor:         created.Actor,
			StageDataHash: created.StageDataHash,
		}
	})
	if err != nil {
		return domain.Stage{}, res, err
	}
	return created, res, nil
}

// TransferCustody hands the batch to newHolder. Self-transfer is allowed.
func (s *Service) TransferCustody(ctx context.Context, batchAddress string, newHolder, caller domain.Identity) (domain.Batch, Result, error) {
	var (
		updated  domain.Batch
		previous domain.Identity
	)
	res, err := s.run(ctx, opTransferCustody, caller, batchAddress, func(tx Transaction) error {
		batch, err := loadBatch(tx, batchAddress)
		if err != nil {
			return err
		}
		if err := RequireInProgress(OpTransferCustody, batch, caller); err != nil {
			return err
		}
		if err := RequireHolder(OpTransferCustody, batch, caller); err != nil {
			return err
		}
		previous = batch.CurrentHolder
		updated, err = tx.UpdateBatch(batch.Address, func(b *domain.Batch) error {
			b.CurrentHolder = newHolder
			return nil
		})
		return err
	}, func() domain.Event {
		return domain.CustodyTransferred{Batch: updated.Address, From: previous, To: updated.CurrentHolder}
	})
	if err != nil {
		return domain.Batch{}, res, err
	}
	return updated, res, nil
}

// FinalizeBatch seals the batch. Only the creator may finalize. A completed
// batch can be finalized again; the call succeeds, re-emits the event and
// carries a finalize_reentry warning in the result.
func (s *Service) FinalizeBatch(ctx context.Context, batchAddress string, caller domain.Identity) (domain.Batch, Result, error) {
	var (
		updated     domain.Batch
		finalizedAt int64
	)
	res, err := s.run(ctx, opFinalizeBatch, caller, batchAddress, func(tx Transaction) error {
		batch, err := loadBatch(tx, batchAddress)
		if err != nil {
			return err
		}
		if err := RequireCreator(OpFinalizeBatch, batch, caller); err != nil {
			return err
		}
		finalizedAt = s.now()
		updated, err = tx.UpdateBatch(batch.Address, func(b *domain.Batch) error {
			b.Status = domain.BatchStatusCompleted
			return nil
		})
		return err
	}, func() domain.Event {
		return domain.BatchFinalized{Batch: updated.Address, Timestamp: finalizedAt}
	})
	if err != nil {
		return domain.Batch{}, res, err
	}
	return updated, res, nil
}

func loadBatch(tx Transaction, address string) (domain.Batch, error) {
	batch, ok := tx.FindBatch(address)
	if !ok {
		return domain.Batch{}, &domain.RecordError{Entity: domain.EntityBatch, Address: address, Err: domain.ErrNotFound}
	}
	return batch, nil
}

// GetBatch returns the committed batch at address.
func (s *Service) GetBatch(address string) (domain.Batch, bool) {
	return s.store.GetBatch(address)
}

// FindBatchByID resolves a batch by its id through the derived address.
func (s *Service) FindBatchByID(id string) (domain.Batch, bool) {
	return s.store.GetBatch(domain.BatchAddress(id))
}

// ListBatchesFor returns the batches the identity created or currently holds,
// ordered by creation time.
func (s *Service) ListBatchesFor(identity domain.Identity) []domain.Batch {
	var out []domain.Batch
	for _, b := range s.store.ListBatches() {
		if b.Creator == identity || b.CurrentHolder == identity {
			out = append(out, b)
		}
	}
	return out
}

// BatchHistory returns the batch and its stages ordered by index, read from a
// single snapshot.
func (s *Service) BatchHistory(ctx context.Context, address string) (domain.Batch, []domain.Stage, error) {
	var (
		batch  domain.Batch
		stages []domain.Stage
	)
	err := s.store.View(ctx, func(view TransactionView) error {
		var ok bool
		batch, ok = view.FindBatch(address)
		if !ok {
			return &domain.RecordError{Entity: domain.EntityBatch, Address: address, Err: domain.ErrNotFound}
		}
		stages = view.ListStages(address)
		return nil
	})
	return batch, stages, err
}

// run executes fn as one store transaction and reports it. When the
// transaction commits, event builds the event handed to the sinks.
func (s *Service) run(ctx context.Context, op operation, caller domain.Identity, batchAddress string, fn func(Transaction) error, event func() domain.Event) (Result, error) {
	var (
		ticket    uint64
		ticketed  bool
		committed bool
	)
	defer func() {
		if !ticketed {
			return
		}
		var emit func()
		if committed && event != nil {
			emit = func() { s.events.Emit(ctx, event()) }
		}
		s.order.release(ticket, emit)
	}()

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, op.name)
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if !ticketed {
			ticket, ticketed = s.order.take(), true
		}
		return fn(tx)
	})
	committed = err == nil
	duration := time.Since(start)
	outcome := OutcomeOf(err)
	span.End(err)
	s.metrics.Observe(ctx, op.name, outcome, duration)

	fields := []any{"operation", op.name, "batch", batchAddress, "caller", caller.String(), "duration", duration}
	switch outcome {
	case OutcomeCommitted:
		s.logger.Info("ledger operation committed", fields...)
		for _, v := range res.Violations {
			s.logger.Warn("rule violation", "operation", op.name, "rule", v.Rule, "severity", string(v.Severity), "message", v.Message)
		}
		s.recordAuditSuccess(ctx, op.name, batchAddress, caller, duration)
	case OutcomeRejected:
		s.logger.Warn("ledger operation rejected", append(fields, "code", ErrorCode(err), "error", err.Error())...)
		s.recordAuditError(ctx, op.name, batchAddress, caller, err, duration)
	default:
		s.logger.Error("ledger operation failed", append(fields, "code", ErrorCode(err), "error", err.Error())...)
		s.recordAuditError(ctx, op.name, batchAddress, caller, err, duration)
	}
	return res, err
}

var auditOperations = map[string]operation{
	OpCreateBatch:     opCreateBatch,
	OpAddStage:        opAddStage,
	OpTransferCustody: opTransferCustody,
	OpFinalizeBatch:   opFinalizeBatch,
}

func (s *Service) recordAuditSuccess(ctx context.Context, opName, batchAddress string, caller domain.Identity, duration time.Duration) {
	s.recordAudit(ctx, opName, batchAddress, caller, nil, duration)
}

func (s *Service) recordAuditError(ctx context.Context, opName, batchAddress string, caller domain.Identity, err error, duration time.Duration) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.recordAudit(ctx, opName, batchAddress, caller, err, duration)
}

func (s *Service) recordAudit(ctx context.Context, opName, batchAddress string, caller domain.Identity, err error, duration time.Duration) {
	op, ok := auditOperations[opName]
	if !ok {
		return
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Operation: op.name,
		Entity:    op.entity,
		Action:    op.action,
		EntityID:  batchAddress,
		Caller:    caller,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
