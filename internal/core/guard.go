package core

import "coffeeledger/pkg/domain"

// Guard checks are plain value comparisons against the batch loaded inside the
// operation's transaction. They never consult stage history.

// RequireInProgress rejects batches that no longer accept stages or transfers.
func RequireInProgress(op string, batch domain.Batch, caller domain.Identity) error {
	if !batch.InProgress() {
		return &domain.GuardError{Op: op, Batch: batch.Address, Caller: caller, Err: domain.ErrBatchIsFinalized}
	}
	return nil
}

// RequireHolder rejects callers other than the current holder. The creator has
// no special standing here.
func RequireHolder(op string, batch domain.Batch, caller domain.Identity) error {
	if caller != batch.CurrentHolder {
		return &domain.GuardError{Op: op, Batch: batch.Address, Caller: caller, Err: domain.ErrUnauthorizedActor}
	}
	return nil
}

// RequireCreator rejects callers other than the batch creator, including the current holder.
func RequireCreator(op string, batch domain.Batch, caller domain.Identity) error {
	if caller != batch.Creator {
		return &domain.GuardError{Op: op, Batch: batch.Address, Caller: caller, Err: domain.ErrUnauthorizedActor}
	}
	return nil
}
