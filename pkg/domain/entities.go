// Package domain defines the provenance ledger records, value types, and
// rule evaluation primitives used by coffeeledger.
package domain

// EntityType identifies the type of record stored in the ledger.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityBatch identifies a batch record.
	EntityBatch EntityType = "batch"
	// EntityStage identifies an immutable stage record.
	EntityStage EntityType = "stage"
)

// Length bounds for batch and stage fields.
const (
	MaxBatchIDLen      = 32
	MaxProducerNameLen = 64
	MaxStageNameLen    = 32
	DataHashLen        = 64
)

// BatchStatus enumerates the batch lifecycle states.
type BatchStatus string

// Batch statuses. Only InProgress -> Completed is produced by current operations;
// Cancelled is reserved.
const (
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// Valid reports whether s is a declared status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusInProgress, BatchStatusCompleted, BatchStatusCancelled:
		return true
	}
	return false
}

// Identity is an authenticated caller key. The ledger compares identities by
// value and never verifies them itself.
type Identity string

// IsZero reports whether the identity is empty.
func (i Identity) IsZero() bool { return i == "" }

func (i Identity) String() string { return string(i) }

// Batch is the top-level traceability record for one unit of goods.
type Batch struct {
	Address        string      `json:"address"`
	Creator        Identity    `json:"creator"`
	ID             string      `json:"id"`
	ProducerName   string      `json:"producer_name"`
	CreatedAt      int64       `json:"created_at"`
	NextStageIndex uint16      `json:"next_stage_index"`
	BatchDataHash  string      `json:"batch_data_hash"`
	Status         BatchStatus `json:"status"`
	CurrentHolder  Identity    `json:"current_holder"`
}

// InProgress reports whether the batch still accepts stages and custody transfers.
func (b Batch) InProgress() bool { return b.Status == BatchStatusInProgress }

// Stage is one immutable checkpoint in a batch's processing history.
type Stage struct {
	Address       string   `json:"address"`
	Batch         string   `json:"batch"`
	Index         uint16   `json:"index"`
	StageName     string   `json:"stage_name"`
	Timestamp     int64    `json:"timestamp"`
	Actor         Identity `json:"actor"`
	StageDataHash string   `json:"stage_data_hash"`
}

// NewBatch carries the caller supplied fields for batch creation.
type NewBatch struct {
	ID            string   `json:"id"`
	ProducerName  string   `json:"producer_name"`
	BatchDataHash string   `json:"batch_data_hash"`
	InitialHolder Identity `json:"initial_holder"`
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn is reported to the caller but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Change describes a mutation applied to a record during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions. Ledger records are never deleted.
const (
	// ActionCreate indicates a record was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates a record was updated.
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id,omitempty"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
