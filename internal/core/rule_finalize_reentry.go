package core

import (
	"context"

	"coffeeledger/pkg/domain"
)

const finalizeReentryRuleName = "finalize_reentry"

// FinalizeReentryRule flags finalization of an already completed batch. The
// operation still commits and its event is emitted again.
func FinalizeReentryRule() domain.Rule {
	return finalizeReentryRule{}
}

type finalizeReentryRule struct{}

func (finalizeReentryRule) Name() string { return finalizeReentryRuleName }

func (finalizeReentryRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	var res Result
	for _, change := range changes {
		before, after, hasBefore, ok := batchChange(change)
		if !ok || !hasBefore {
			continue
		}
		if before.Status == domain.BatchStatusCompleted && after.Status == domain.BatchStatusCompleted {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     finalizeReentryRuleName,
				Severity: domain.SeverityWarn,
				Message:  "batch was already completed",
				Entity:   domain.EntityBatch,
				EntityID: after.Address,
			})
		}
	}
	return res, nil
}
