package fees

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightninglabs/fedwallet/fn"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
)

// LedgerConfig holds the collaborators of the fee ledger.
type LedgerConfig struct {
	// Store is the transactional store the fee statuses and counters
	// live in.
	Store BatchedFeeStore

	// Operations is used to make sure an operation exists before a
	// pending fee is written for it.
	Operations OperationSource

	// Clock is used to timestamp transitions.
	Clock clock.Clock
}

// Ledger is the persisted ledger of the service fee of every operation. Each
// operation's fee status only moves from pending to either success or failed,
// and every transition updates the aggregated counters of its pair in the
// same store transaction.
type Ledger struct {
	cfg *LedgerConfig

	hookMtx       sync.RWMutex
	onSendSuccess []func(Pair)
}

// NewLedger creates a new fee ledger.
func NewLedger(cfg *LedgerConfig) *Ledger {
	return &Ledger{
		cfg: cfg,
	}
}

// OnSendSuccess registers a hook that is called after a send fee was moved to
// the outstanding counter of its pair. Hooks must not block.
func (l *Ledger) OnSendSuccess(hook func(Pair)) {
	l.hookMtx.Lock()
	defer l.hookMtx.Unlock()

	l.onSendSuccess = append(l.onSendSuccess, hook)
}

func (l *Ledger) notifySendSuccess(pair Pair) {
	l.hookMtx.RLock()
	defer l.hookMtx.RUnlock()

	for _, hook := range l.onSendSuccess {
		hook(pair)
	}
}

// lookupPair fetches the operation from the ledger client and makes sure it
// moves money in the expected direction.
func (l *Ledger) lookupPair(ctx context.Context, op ledger.OperationID,
	dir ledger.Direction) (Pair, error) {

	operation, err := l.cfg.Operations.GetOperation(ctx, op)
	if err != nil {
		return Pair{}, fmt.Errorf("unable to look up operation %v: %w",
			op, err)
	}

	pair := PairForOperation(operation)
	if pair.Direction != dir {
		return Pair{}, fmt.Errorf("operation %v is a %v, can't "+
			"record a %v fee", op, operation.Variant, dir)
	}

	return pair, nil
}

// addCounter adds delta to a counter, failing if a negative delta takes it
// below zero.
func addCounter(ctx context.Context, q FeeStore, kind CounterKind, pair Pair,
	delta int64) error {

	current, err := q.FetchCounter(ctx, kind, pair)
	if err != nil {
		return fmt.Errorf("unable to fetch %v counter of %v: %w", kind,
			pair, err)
	}

	var updated lnwire.MilliSatoshi
	switch {
	case delta >= 0:
		updated = current + lnwire.MilliSatoshi(delta)

	case lnwire.MilliSatoshi(-delta) > current:
		return fn.NewCriticalError(fmt.Errorf("%w: %v counter of %v "+
			"is %v, can't subtract %d", ErrCounterUnderflow, kind,
			pair, current, -delta))

	default:
		updated = current - lnwire.MilliSatoshi(-delta)
	}

	return q.UpsertCounter(ctx, kind, pair, updated)
}

// WritePendingSend records the service fee of a send that was just
// submitted and adds it to the pending counter of its pair. The operation
// must exist. This is not idempotent, callers write it exactly once per
// operation while holding the spend guard.
func (l *Ledger) WritePendingSend(ctx context.Context, op ledger.OperationID,
	fee lnwire.MilliSatoshi) error {

	pair, err := l.lookupPair(ctx, op, ledger.DirectionSend)
	if err != nil {
		return err
	}

	writeOpts := NewFeeWriteTx()
	err = l.cfg.Store.ExecTx(ctx, &writeOpts, func(q FeeStore) error {
		err := q.InsertFeeStatus(ctx, &StatusRecord{
			Op:        op,
			Pair:      pair,
			Status:    PendingSend(fee),
			UpdatedAt: l.cfg.Clock.Now().UTC(),
		})
		if err != nil {
			return err
		}

		return addCounter(ctx, q, CounterPending, pair, int64(fee))
	})
	if err != nil {
		return fmt.Errorf("unable to write pending send fee of %v: %w",
			op, err)
	}

	log.Debugf("Recorded pending send fee of %v for op=%v (%v)", fee, op,
		pair)

	return nil
}

// WritePendingReceive records the service fee rate of a receive. The fee
// itself is only known once the received amount settles.
func (l *Ledger) WritePendingReceive(ctx context.Context,
	op ledger.OperationID, ppm uint64) error {

	pair, err := l.lookupPair(ctx, op, ledger.DirectionReceive)
	if err != nil {
		return err
	}

	writeOpts := NewFeeWriteTx()
	err = l.cfg.Store.ExecTx(ctx, &writeOpts, func(q FeeStore) error {
		return q.InsertFeeStatus(ctx, &StatusRecord{
			Op:        op,
			Pair:      pair,
			Status:    PendingReceive(ppm),
			UpdatedAt: l.cfg.Clock.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("unable to write pending receive fee of "+
			"%v: %w", op, err)
	}

	log.Debugf("Recorded pending receive fee rate of %d ppm for op=%v "+
		"(%v)", ppm, op, pair)

	return nil
}

// transition describes a single resolution of a pending fee status.
type transition struct {
	// from is the status kind the transition applies to.
	from StatusKind

	// to is the status kind the transition results in.
	to StatusKind

	// apply computes the new status and updates the counters.
	apply func(ctx context.Context, q FeeStore, rec *StatusRecord) (Status,
		error)
}

// resolve runs a transition in a single store transaction. If the status is
// already in the target state, nothing is written and the recorded status is
// returned.
func (l *Ledger) resolve(ctx context.Context, op ledger.OperationID,
	t transition) (bool, *StatusRecord, error) {

	var (
		didWrite bool
		result   *StatusRecord
	)
	writeOpts := NewFeeWriteTx()
	err := l.cfg.Store.ExecTx(ctx, &writeOpts, func(q FeeStore) error {
		// The body may run several times if it conflicts with a
		// concurrent transaction.
		didWrite = false
		result = nil

		rec, err := q.FetchFeeStatus(ctx, op)
		if err != nil {
			return err
		}

		switch rec.Status.Kind {
		case t.to:
			result = rec
			return nil

		case t.from:

		default:
			return fn.NewCriticalError(fmt.Errorf("%w: op %v is "+
				"%v, can't move to %v", ErrInvalidFeeStatus,
				op, rec.Status, t.to))
		}

		status, err := t.apply(ctx, q, rec)
		if err != nil {
			return err
		}

		now := l.cfg.Clock.Now().UTC()
		if err := q.UpdateFeeStatus(ctx, op, status, now); err != nil {
			return err
		}

		didWrite = true
		result = &StatusRecord{
			Op:        op,
			Pair:      rec.Pair,
			Status:    status,
			UpdatedAt: now,
		}

		return nil
	})
	if err != nil {
		return false, nil, err
	}

	if didWrite {
		log.Debugf("Resolved fee of op=%v (%v) to %v", op, result.Pair,
			result.Status)
	}

	return didWrite, result, nil
}

// WriteSuccessSend resolves the pending fee of a successful send: the fee
// moves from the pending to the outstanding counter and is added to the
// total accrued counter. Resolving an already successful send writes nothing
// and returns false together with the recorded status.
func (l *Ledger) WriteSuccessSend(ctx context.Context,
	op ledger.OperationID) (bool, Status, error) {

	didWrite, rec, err := l.resolve(ctx, op, transition{
		from: StatusPendingSend,
		to:   StatusSuccess,
		apply: func(ctx context.Context, q FeeStore,
			rec *StatusRecord) (Status, error) {

			fee, pair := int64(rec.Status.Fee), rec.Pair
			err := addCounter(ctx, q, CounterPending, pair, -fee)
			if err != nil {
				return Status{}, err
			}
			err = addCounter(ctx, q, CounterOutstanding, pair, fee)
			if err != nil {
				return Status{}, err
			}
			err = addCounter(
				ctx, q, CounterTotalAccrued, rec.Pair, fee,
			)
			if err != nil {
				return Status{}, err
			}

			return Success(rec.Status.Fee), nil
		},
	})
	if err != nil {
		return false, Status{}, fmt.Errorf("unable to resolve send "+
			"fee of %v: %w", op, err)
	}

	if didWrite {
		l.notifySendSuccess(rec.Pair)
	}

	return didWrite, rec.Status, nil
}

// WriteFailedSend resolves the pending fee of a failed send: the fee is
// released from the pending counter without ever becoming outstanding.
func (l *Ledger) WriteFailedSend(ctx context.Context,
	op ledger.OperationID) (bool, Status, error) {

	didWrite, rec, err := l.resolve(ctx, op, transition{
		from: StatusPendingSend,
		to:   StatusFailedSend,
		apply: func(ctx context.Context, q FeeStore,
			rec *StatusRecord) (Status, error) {

			err := addCounter(
				ctx, q, CounterPending, rec.Pair,
				-int64(rec.Status.Fee),
			)
			if err != nil {
				return Status{}, err
			}

			return FailedSend(rec.Status.Fee), nil
		},
	})
	if err != nil {
		return false, Status{}, fmt.Errorf("unable to release send "+
			"fee of %v: %w", op, err)
	}

	return didWrite, rec.Status, nil
}

// WriteSuccessReceive resolves the fee of a settled receive. The fee is
// computed from the settled amount and the recorded rate and credited to the
// outstanding and total accrued counters. A second resolution, even with a
// different amount, writes nothing.
func (l *Ledger) WriteSuccessReceive(ctx context.Context,
	op ledger.OperationID,
	settled lnwire.MilliSatoshi) (bool, Status, error) {

	didWrite, rec, err := l.resolve(ctx, op, transition{
		from: StatusPendingReceive,
		to:   StatusSuccess,
		apply: func(ctx context.Context, q FeeStore,
			rec *StatusRecord) (Status, error) {

			fee := FeeForAmount(settled, rec.Status.PPM)
			err := addCounter(
				ctx, q, CounterOutstanding, rec.Pair,
				int64(fee),
			)
			if err != nil {
				return Status{}, err
			}
			err = addCounter(
				ctx, q, CounterTotalAccrued, rec.Pair,
				int64(fee),
			)
			if err != nil {
				return Status{}, err
			}

			return Success(fee), nil
		},
	})
	if err != nil {
		return false, Status{}, fmt.Errorf("unable to resolve receive "+
			"fee of %v: %w", op, err)
	}

	return didWrite, rec.Status, nil
}

// WriteFailedReceive resolves the fee of a failed receive. Nothing was ever
// counted for it, so only the status changes.
func (l *Ledger) WriteFailedReceive(ctx context.Context,
	op ledger.OperationID) (bool, Status, error) {

	didWrite, rec, err := l.resolve(ctx, op, transition{
		from: StatusPendingReceive,
		to:   StatusFailedReceive,
		apply: func(_ context.Context, _ FeeStore,
			rec *StatusRecord) (Status, error) {

			return FailedReceive(rec.Status.PPM), nil
		},
	})
	if err != nil {
		return false, Status{}, fmt.Errorf("unable to fail receive "+
			"fee of %v: %w", op, err)
	}

	return didWrite, rec.Status, nil
}

// WriteRemittancePending takes amt off the outstanding counter of the pair
// and records the payment that remits it. A payment that already has a record
// is left untouched.
func (l *Ledger) WriteRemittancePending(ctx context.Context,
	op ledger.OperationID, pair Pair, amt lnwire.MilliSatoshi) error {

	var exists bool
	writeOpts := NewFeeWriteTx()
	err := l.cfg.Store.ExecTx(ctx, &writeOpts, func(q FeeStore) error {
		_, err := q.FetchRemittance(ctx, op)
		switch {
		case err == nil:
			exists = true
			return nil

		case !errors.Is(err, ErrRemittanceNotFound):
			return err
		}
		exists = false

		err = addCounter(ctx, q, CounterOutstanding, pair, -int64(amt))
		if err != nil {
			return err
		}

		now := l.cfg.Clock.Now().UTC()
		return q.InsertRemittance(ctx, &Remittance{
			Op:        op,
			Pair:      pair,
			Amount:    amt,
			State:     RemittancePending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return fmt.Errorf("unable to record remittance %v: %w", op, err)
	}

	if exists {
		log.Debugf("Remittance %v already recorded", op)
		return nil
	}

	log.Infof("Remitting %v of outstanding %v fees with op=%v", amt, pair,
		op)

	return nil
}

// resolveRemittance moves a pending remittance to its final state. A failed
// remittance credits its amount back to the outstanding counter.
func (l *Ledger) resolveRemittance(ctx context.Context, op ledger.OperationID,
	state RemittanceState) (bool, error) {

	var didWrite bool
	writeOpts := NewFeeWriteTx()
	err := l.cfg.Store.ExecTx(ctx, &writeOpts, func(q FeeStore) error {
		didWrite = false

		rem, err := q.FetchRemittance(ctx, op)
		if err != nil {
			return err
		}

		switch rem.State {
		case state:
			return nil

		case RemittancePending:

		default:
			return fn.NewCriticalError(fmt.Errorf("%w: remittance "+
				"%v is %v, can't move to %v",
				ErrInvalidFeeStatus, op, rem.State, state))
		}

		if state == RemittanceFailed {
			err := addCounter(
				ctx, q, CounterOutstanding, rem.Pair,
				int64(rem.Amount),
			)
			if err != nil {
				return err
			}
		}

		didWrite = true
		return q.UpdateRemittance(
			ctx, op, state, l.cfg.Clock.Now().UTC(),
		)
	})
	if err != nil {
		return false, fmt.Errorf("unable to resolve remittance %v: %w",
			op, err)
	}

	if didWrite {
		log.Infof("Remittance op=%v %v", op, state)
	}

	return didWrite, nil
}

// WriteRemittanceSuccess marks a remittance payment as succeeded.
func (l *Ledger) WriteRemittanceSuccess(ctx context.Context,
	op ledger.OperationID) (bool, error) {

	return l.resolveRemittance(ctx, op, RemittanceSucceeded)
}

// WriteRemittanceFailed marks a remittance payment as failed and credits its
// amount back to the outstanding counter.
func (l *Ledger) WriteRemittanceFailed(ctx context.Context,
	op ledger.OperationID) (bool, error) {

	return l.resolveRemittance(ctx, op, RemittanceFailed)
}

// Counters returns the counters of every pair.
func (l *Ledger) Counters(ctx context.Context) (CounterSet, error) {
	var records []CounterRecord
	readOpts := NewFeeReadTx()
	err := l.cfg.Store.ExecTx(ctx, &readOpts, func(q FeeStore) error {
		var err error
		records, err = q.ListCounters(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list fee counters: %w", err)
	}

	return NewCounterSet(records), nil
}

// PendingFees returns the sum of all pending counters.
func (l *Ledger) PendingFees(ctx context.Context) (lnwire.MilliSatoshi,
	error) {

	counters, err := l.Counters(ctx)
	if err != nil {
		return 0, err
	}

	return counters.TotalPending(), nil
}

// OutstandingFees returns the sum of all outstanding counters.
func (l *Ledger) OutstandingFees(ctx context.Context) (lnwire.MilliSatoshi,
	error) {

	counters, err := l.Counters(ctx)
	if err != nil {
		return 0, err
	}

	return counters.TotalOutstanding(), nil
}

// TotalAccrued returns the sum of all total accrued counters.
func (l *Ledger) TotalAccrued(ctx context.Context) (lnwire.MilliSatoshi,
	error) {

	counters, err := l.Counters(ctx)
	if err != nil {
		return 0, err
	}

	return counters.TotalAccrued(), nil
}

// FeeStatus returns the fee status of an operation or ErrFeeStatusNotFound.
func (l *Ledger) FeeStatus(ctx context.Context,
	op ledger.OperationID) (*StatusRecord, error) {

	var rec *StatusRecord
	readOpts := NewFeeReadTx()
	err := l.cfg.Store.ExecTx(ctx, &readOpts, func(q FeeStore) error {
		var err error
		rec, err = q.FetchFeeStatus(ctx, op)
		return err
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// UnresolvedOperations returns the operations whose fee status is still
// pending.
func (l *Ledger) UnresolvedOperations(ctx context.Context) (
	[]ledger.OperationID, error) {

	var records []StatusRecord
	readOpts := NewFeeReadTx()
	err := l.cfg.Store.ExecTx(ctx, &readOpts, func(q FeeStore) error {
		var err error
		records, err = q.ListFeeStatuses(ctx, true)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list unresolved fees: %w",
			err)
	}

	return fn.Map(records, func(r StatusRecord) ledger.OperationID {
		return r.Op
	}), nil
}

// Remittances returns all remittance records, or only the ones in flight.
func (l *Ledger) Remittances(ctx context.Context,
	pendingOnly bool) ([]Remittance, error) {

	var remittances []Remittance
	readOpts := NewFeeReadTx()
	err := l.cfg.Store.ExecTx(ctx, &readOpts, func(q FeeStore) error {
		var err error
		remittances, err = q.ListRemittances(ctx, pendingOnly)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list remittances: %w", err)
	}

	return remittances, nil
}

// IsNothingToResolve returns true if err says the operation carries no fee.
func IsNothingToResolve(err error) bool {
	return errors.Is(err, ErrFeeStatusNotFound)
}
