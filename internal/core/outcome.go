package core

import (
	"errors"

	"coffeeledger/pkg/domain"
)

// Outcome classifies how a ledger operation ended.
type Outcome string

const (
	// OutcomeCommitted marks an operation whose transaction committed.
	OutcomeCommitted Outcome = "committed"
	// OutcomeRejected marks a guard rejection: wrong caller or finalized batch.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed marks storage failures and blocking rule violations.
	OutcomeFailed Outcome = "failed"
)

// Outcomes lists every outcome in reporting order.
var Outcomes = []Outcome{OutcomeCommitted, OutcomeRejected, OutcomeFailed}

// OutcomeOf classifies the error returned by an operation.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCommitted
	case domain.IsBusinessRejection(err):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

// Stable error codes reported in API responses and traces.
const (
	CodeUnauthorizedActor  = "unauthorized_actor"
	CodeBatchIsFinalized   = "batch_is_finalized"
	CodeNotFound           = "not_found"
	CodeAddressOccupied    = "address_occupied"
	CodeInsufficientSpace  = "insufficient_space"
	CodeStageIndexOverflow = "stage_index_overflow"
	CodeRuleViolation      = "rule_violation"
	CodeInternal           = "internal"
)

// ErrorCode maps err to its stable code, or "" when err is nil.
func ErrorCode(err error) string {
	var violation domain.RuleViolationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrUnauthorizedActor):
		return CodeUnauthorizedActor
	case errors.Is(err, domain.ErrBatchIsFinalized):
		return CodeBatchIsFinalized
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrAddressOccupied):
		return CodeAddressOccupied
	case errors.Is(err, domain.ErrInsufficientSpace):
		return CodeInsufficientSpace
	case errors.Is(err, domain.ErrStageIndexOverflow):
		return CodeStageIndexOverflow
	case errors.As(err, &violation):
		return CodeRuleViolation
	default:
		return CodeInternal
	}
}
