package core

import (
	"context"
	"fmt"
	"sort"

	"coffeeledger/pkg/domain"
)

const stageSequenceRuleName = "stage_sequence"

// StageSequenceRule blocks transactions that leave a batch whose stage history
// is not exactly 0..next_stage_index-1.
func StageSequenceRule() domain.Rule {
	return stageSequenceRule{}
}

type stageSequenceRule struct{}

func (stageSequenceRule) Name() string { return stageSequenceRuleName }

func (stageSequenceRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	touched := make(map[string]struct{})
	for _, change := range changes {
		if stage, ok := stageChange(change); ok {
			touched[stage.Batch] = struct{}{}
			continue
		}
		if before, after, hasBefore, ok := batchChange(change); ok && hasBefore && before.NextStageIndex != after.NextStageIndex {
			touched[after.Address] = struct{}{}
		}
	}
	addresses := make([]string, 0, len(touched))
	for addr := range touched {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	var res Result
	for _, addr := range addresses {
		batch, ok := view.FindBatch(addr)
		if !ok {
			continue
		}
		if msg := sequenceGap(batch, view.ListStages(addr)); msg != "" {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     stageSequenceRuleName,
				Severity: domain.SeverityBlock,
				Message:  msg,
				Entity:   domain.EntityBatch,
				EntityID: addr,
			})
		}
	}
	return res, nil
}

func sequenceGap(batch domain.Batch, stages []domain.Stage) string {
	if len(stages) != int(batch.NextStageIndex) {
		return fmt.Sprintf("batch has %d stages but next stage index %d", len(stages), batch.NextStageIndex)
	}
	for i, stage := range stages {
		if int(stage.Index) != i {
			return fmt.Sprintf("stage history gap at index %d", i)
		}
	}
	return ""
}
