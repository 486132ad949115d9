package core

import (
	"context"
	"fmt"

	"coffeeledger/pkg/domain"
)

const recordBoundsRuleName = "record_bounds"

// RecordBoundsRule blocks batches whose id or producer name exceed their bounds
// and records that name an empty identity.
func RecordBoundsRule() domain.Rule {
	return recordBoundsRule{}
}

type recordBoundsRule struct{}

func (recordBoundsRule) Name() string { return recordBoundsRuleName }

func (r recordBoundsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	var res Result
	for _, change := range changes {
		if _, after, _, ok := batchChange(change); ok {
			for _, msg := range batchBoundsViolations(after, change.Action) {
				res.Violations = append(res.Violations, r.violation(domain.EntityBatch, after.Address, msg))
			}
			continue
		}
		if stage, ok := stageChange(change); ok && stage.Actor.IsZero() {
			res.Violations = append(res.Violations, r.violation(domain.EntityStage, stage.Address, "stage actor is empty"))
		}
	}
	return res, nil
}

func batchBoundsViolations(b domain.Batch, action domain.Action) []string {
	var out []string
	if action == domain.ActionCreate {
		if b.ID == "" || len(b.ID) > domain.MaxBatchIDLen {
			out = append(out, fmt.Sprintf("batch id must be 1..%d bytes, got %d", domain.MaxBatchIDLen, len(b.ID)))
		}
		if len(b.ProducerName) > domain.MaxProducerNameLen {
			out = append(out, fmt.Sprintf("producer name exceeds %d bytes", domain.MaxProducerNameLen))
		}
		if b.Creator.IsZero() {
			out = append(out, "creator identity is empty")
		}
	}
	if b.CurrentHolder.IsZero() {
		out = append(out, "current holder identity is empty")
	}
	return out
}

func (recordBoundsRule) violation(entity domain.EntityType, id, msg string) domain.Violation {
	return domain.Violation{
		Rule:     recordBoundsRuleName,
		Severity: domain.SeverityBlock,
		Message:  msg,
		Entity:   entity,
		EntityID: id,
	}
}
