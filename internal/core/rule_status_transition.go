package core

import (
	"context"
	"fmt"

	"coffeeledger/pkg/domain"
)

const statusTransitionRuleName = "status_transition"

// StatusTransitionRule blocks batch status changes other than InProgress to
// Completed. Batches must be created InProgress.
func StatusTransitionRule() domain.Rule {
	return statusTransitionRule{}
}

type statusTransitionRule struct{}

func (statusTransitionRule) Name() string { return statusTransitionRuleName }

func (statusTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	var res Result
	for _, change := range changes {
		before, after, hasBefore, ok := batchChange(change)
		if !ok {
			continue
		}
		var msg string
		switch {
		case !after.Status.Valid():
			msg = fmt.Sprintf("unknown batch status %q", after.Status)
		case !hasBefore && after.Status != domain.BatchStatusInProgress:
			msg = fmt.Sprintf("batch must be created %s, got %s", domain.BatchStatusInProgress, after.Status)
		case hasBefore && !allowedStatusTransition(before.Status, after.Status):
			msg = fmt.Sprintf("batch status cannot change from %s to %s", before.Status, after.Status)
		default:
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     statusTransitionRuleName,
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityBatch,
			EntityID: after.Address,
		})
	}
	return res, nil
}

func allowedStatusTransition(from, to domain.BatchStatus) bool {
	if from == to {
		return true
	}
	return from == domain.BatchStatusInProgress && to == domain.BatchStatusCompleted
}
