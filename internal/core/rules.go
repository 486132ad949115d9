package core

import "coffeeledger/pkg/domain"

type (
	// RulesEngine aliases domain.RulesEngine.
	RulesEngine = domain.RulesEngine
	// Result aliases domain.Result.
	Result = domain.Result
	// Change aliases domain.Change.
	Change = domain.Change
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in ledger policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(RecordBoundsRule())
	engine.Register(StatusTransitionRule())
	engine.Register(StageSequenceRule())
	engine.Register(StageNameLengthRule())
	engine.Register(FinalizeReentryRule())
	return engine
}

func batchChange(change Change) (before, after domain.Batch, hasBefore, ok bool) {
	if change.Entity != domain.EntityBatch {
		return domain.Batch{}, domain.Batch{}, false, false
	}
	after, ok = change.After.(domain.Batch)
	if !ok {
		return domain.Batch{}, domain.Batch{}, false, false
	}
	before, hasBefore = change.Before.(domain.Batch)
	return before, after, hasBefore, true
}

func stageChange(change Change) (domain.Stage, bool) {
	if change.Entity != domain.EntityStage || change.Action != domain.ActionCreate {
		return domain.Stage{}, false
	}
	stage, ok := change.After.(domain.Stage)
	return stage, ok
}
