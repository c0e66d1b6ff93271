package dispatch

import (
	"time"

	"github.com/google/uuid"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
)

// WalletEvent notifies subscribers about an update of a user visible
// operation.
type WalletEvent struct {
	// ID uniquely identifies the event.
	ID uuid.UUID

	// Operation is the operation that was updated.
	Operation ledger.Operation

	// State is the new module state.
	State ledger.OperationState

	// Outcome is the user facing result, pending until the state is
	// terminal.
	Outcome Outcome

	// Fee is the fee status after the update was resolved. It is nil for
	// operations without a service fee and for pending states.
	Fee *fees.Status

	// Timestamp is the time the update was processed.
	Timestamp time.Time
}

func newWalletEvent(op *ledger.Operation, state ledger.OperationState,
	outcome Outcome, fee *fees.Status, now time.Time) *WalletEvent {

	return &WalletEvent{
		ID:        uuid.New(),
		Operation: *op,
		State:     state,
		Outcome:   outcome,
		Fee:       fee,
		Timestamp: now,
	}
}

// CachedState is the last seen state of an operation.
type CachedState struct {
	// Operation is the operation the state belongs to.
	Operation ledger.Operation

	// State is the last state the update stream delivered.
	State ledger.OperationState

	// Outcome is the classification of State.
	Outcome Outcome

	// Settled is true once a terminal state was fully processed,
	// including its fee resolution.
	Settled bool

	// UpdatedAt is the time the state was cached.
	UpdatedAt time.Time
}
