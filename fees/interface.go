package fees

import (
	"context"
	"errors"
	"time"

	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrFeeStatusNotFound is returned if an operation has no fee status.
	// Operations started for internal bookkeeping never get one, so
	// resolving callers treat this as nothing to do.
	ErrFeeStatusNotFound = errors.New("fee status not found")

	// ErrFeeStatusExists is returned if a pending fee is written twice
	// for the same operation.
	ErrFeeStatusExists = errors.New("fee status already exists")

	// ErrInvalidFeeStatus is returned if a resolution finds the fee
	// status in a state it can't transition from. This is always a logic
	// error and is wrapped in a critical error.
	ErrInvalidFeeStatus = errors.New("invalid fee status")

	// ErrRemittanceNotFound is returned if a payment has no remittance
	// record.
	ErrRemittanceNotFound = errors.New("remittance not found")

	// ErrRemittanceExists is returned if a payment is recorded as a
	// remittance twice.
	ErrRemittanceExists = errors.New("remittance already exists")

	// ErrCounterUnderflow is returned if a transition would take a
	// counter below zero.
	ErrCounterUnderflow = errors.New("fee counter underflow")
)

var (
	// DefaultStoreTimeout is the default timeout used for any interaction
	// with the fee store.
	DefaultStoreTimeout = time.Second * 10
)

// TxOptions represents a set of options one can use to control what type of
// database transaction is created.
type TxOptions interface {
	// ReadOnly returns true if the transaction should be read only.
	ReadOnly() bool
}

// FeeTxOptions is the TxOptions implementation of the fee ledger.
type FeeTxOptions struct {
	readOnly bool
}

// ReadOnly returns true if the transaction should be read only.
//
// NOTE: This implements the TxOptions interface.
func (f *FeeTxOptions) ReadOnly() bool {
	return f.readOnly
}

// NewFeeReadTx creates a new read transaction option set.
func NewFeeReadTx() FeeTxOptions {
	return FeeTxOptions{
		readOnly: true,
	}
}

// NewFeeWriteTx creates a new write transaction option set.
func NewFeeWriteTx() FeeTxOptions {
	return FeeTxOptions{}
}

// FeeStore is the set of queries the fee ledger runs inside a single
// transaction.
type FeeStore interface {
	// FetchFeeStatus returns the fee status of an operation or
	// ErrFeeStatusNotFound.
	FetchFeeStatus(ctx context.Context,
		op ledger.OperationID) (*StatusRecord, error)

	// InsertFeeStatus inserts a new fee status. ErrFeeStatusExists is
	// returned if the operation already has one.
	InsertFeeStatus(ctx context.Context, rec *StatusRecord) error

	// UpdateFeeStatus overwrites the status of an existing record.
	UpdateFeeStatus(ctx context.Context, op ledger.OperationID,
		status Status, updatedAt time.Time) error

	// ListFeeStatuses returns all fee statuses, or only the unresolved
	// ones if pendingOnly is set.
	ListFeeStatuses(ctx context.Context,
		pendingOnly bool) ([]StatusRecord, error)

	// FetchCounter returns the value of a counter, zero if it was never
	// written.
	FetchCounter(ctx context.Context, kind CounterKind,
		pair Pair) (lnwire.MilliSatoshi, error)

	// UpsertCounter sets the value of a counter.
	UpsertCounter(ctx context.Context, kind CounterKind, pair Pair,
		amt lnwire.MilliSatoshi) error

	// ListCounters returns all counters that were ever written.
	ListCounters(ctx context.Context) ([]CounterRecord, error)

	// InsertRemittance inserts a new remittance record.
	InsertRemittance(ctx context.Context, rem *Remittance) error

	// FetchRemittance returns the remittance record of a payment or
	// ErrRemittanceNotFound.
	FetchRemittance(ctx context.Context,
		op ledger.OperationID) (*Remittance, error)

	// UpdateRemittance sets the state of a remittance record.
	UpdateRemittance(ctx context.Context, op ledger.OperationID,
		state RemittanceState, updatedAt time.Time) error

	// ListRemittances returns all remittance records, or only the ones in
	// flight if pendingOnly is set.
	ListRemittances(ctx context.Context,
		pendingOnly bool) ([]Remittance, error)
}

// BatchedFeeStore is a fee store that can run several queries in a single
// atomic transaction. Implementations retry conflicting transactions a
// bounded number of times.
type BatchedFeeStore interface {
	// ExecTx will execute the passed txBody, operating upon the fee
	// store in a single transaction.
	ExecTx(ctx context.Context, txOptions TxOptions,
		txBody func(FeeStore) error) error
}

// OperationSource is used to check that an operation exists before a fee is
// recorded for it.
type OperationSource interface {
	// GetOperation returns a logged operation or
	// ledger.ErrOperationNotFound.
	GetOperation(ctx context.Context,
		id ledger.OperationID) (*ledger.Operation, error)
}

// SpendLocker serializes actions that move money out of the wallet.
type SpendLocker interface {
	// WithSpendLock runs f while holding the spend lock.
	WithSpendLock(ctx context.Context, f func() error) error
}

// InvoiceSource hands out invoices of the fee beneficiary.
type InvoiceSource interface {
	// FetchInvoice returns a BOLT11 invoice over amt.
	FetchInvoice(ctx context.Context, amt lnwire.MilliSatoshi,
		memo string) (string, error)
}
