package core

import (
	"context"
	"fmt"

	"coffeeledger/pkg/domain"
)

const stageNameLengthRuleName = "stage_name_length"

// StageNameLengthRule warns when a stage name exceeds the recommended length.
// The name is still stored; its declared space grows with it.
func StageNameLengthRule() domain.Rule {
	return stageNameLengthRule{}
}

type stageNameLengthRule struct{}

func (stageNameLengthRule) Name() string { return stageNameLengthRuleName }

func (stageNameLengthRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	var res Result
	for _, change := range changes {
		stage, ok := stageChange(change)
		if !ok || len(stage.StageName) <= domain.MaxStageNameLen {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     stageNameLengthRuleName,
			Severity: domain.SeverityWarn,
			Message:  fmt.Sprintf("stage name is %d bytes, recommended maximum is %d", len(stage.StageName), domain.MaxStageNameLen),
			Entity:   domain.EntityStage,
			EntityID: stage.Address,
		})
	}
	return res, nil
}
