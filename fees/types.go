package fees

import (
	"fmt"
	"time"

	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Pair is the (module, direction) key all fee counters are aggregated by.
type Pair struct {
	Module    ledger.ModuleKind
	Direction ledger.Direction
}

// String returns the pair as "module/direction".
func (p Pair) String() string {
	return fmt.Sprintf("%v/%v", p.Module, p.Direction)
}

// AllPairs returns every possible pair.
func AllPairs() []Pair {
	pairs := make([]Pair, 0, len(ledger.AllModules)*2)
	for _, m := range ledger.AllModules {
		for _, d := range ledger.AllDirections {
			pairs = append(pairs, Pair{Module: m, Direction: d})
		}
	}

	return pairs
}

// PairForOperation returns the pair an operation's fee is accounted under.
func PairForOperation(op *ledger.Operation) Pair {
	return Pair{
		Module:    op.Module(),
		Direction: op.Direction(),
	}
}

// StatusKind is the kind of a fee status.
type StatusKind uint8

const (
	// StatusPendingSend is the status of a send whose fee was reserved
	// but not yet earned.
	StatusPendingSend StatusKind = 1

	// StatusPendingReceive is the status of a receive whose amount, and
	// therefore fee, is not yet known.
	StatusPendingReceive StatusKind = 2

	// StatusSuccess is the status of an operation whose fee was earned.
	StatusSuccess StatusKind = 3

	// StatusFailedSend is the status of a failed send, its reserved fee
	// was released.
	StatusFailedSend StatusKind = 4

	// StatusFailedReceive is the status of a failed receive.
	StatusFailedReceive StatusKind = 5
)

// String returns a human readable name of the status kind.
func (k StatusKind) String() string {
	switch k {
	case StatusPendingSend:
		return "pending_send"
	case StatusPendingReceive:
		return "pending_receive"
	case StatusSuccess:
		return "success"
	case StatusFailedSend:
		return "failed_send"
	case StatusFailedReceive:
		return "failed_receive"
	default:
		return fmt.Sprintf("unknown_status(%d)", uint8(k))
	}
}

// Status is the fee status of a single operation. Send statuses carry the fee
// amount, receive statuses carry the fee rate until the amount is known.
type Status struct {
	Kind StatusKind

	// Fee is set for PendingSend, Success and FailedSend.
	Fee lnwire.MilliSatoshi

	// PPM is set for PendingReceive and FailedReceive.
	PPM uint64
}

// PendingSend returns a pending send status with the given fee.
func PendingSend(fee lnwire.MilliSatoshi) Status {
	return Status{Kind: StatusPendingSend, Fee: fee}
}

// PendingReceive returns a pending receive status with the given fee rate.
func PendingReceive(ppm uint64) Status {
	return Status{Kind: StatusPendingReceive, PPM: ppm}
}

// Success returns a success status with the given earned fee.
func Success(fee lnwire.MilliSatoshi) Status {
	return Status{Kind: StatusSuccess, Fee: fee}
}

// FailedSend returns a failed send status with the released fee.
func FailedSend(fee lnwire.MilliSatoshi) Status {
	return Status{Kind: StatusFailedSend, Fee: fee}
}

// FailedReceive returns a failed receive status with the given fee rate.
func FailedReceive(ppm uint64) Status {
	return Status{Kind: StatusFailedReceive, PPM: ppm}
}

// IsPending returns true if the status still needs to be resolved.
func (s Status) IsPending() bool {
	return s.Kind == StatusPendingSend || s.Kind == StatusPendingReceive
}

// String returns a human readable form of the status.
func (s Status) String() string {
	switch s.Kind {
	case StatusPendingReceive, StatusFailedReceive:
		return fmt.Sprintf("%v(ppm=%d)", s.Kind, s.PPM)
	default:
		return fmt.Sprintf("%v(fee=%v)", s.Kind, s.Fee)
	}
}

// StatusRecord is the persisted fee status of an operation.
type StatusRecord struct {
	// Op is the operation the fee belongs to.
	Op ledger.OperationID

	// Pair is the pair the fee is accounted under.
	Pair Pair

	// Status is the current fee status.
	Status Status

	// UpdatedAt is the time of the last transition.
	UpdatedAt time.Time
}

// CounterKind is the kind of an aggregated fee counter.
type CounterKind uint8

const (
	// CounterPending sums the fees of unresolved sends.
	CounterPending CounterKind = 1

	// CounterOutstanding sums earned fees not yet remitted.
	CounterOutstanding CounterKind = 2

	// CounterTotalAccrued sums all fees ever earned. It never decreases.
	CounterTotalAccrued CounterKind = 3
)

// AllCounterKinds lists every counter kind.
var AllCounterKinds = []CounterKind{
	CounterPending, CounterOutstanding, CounterTotalAccrued,
}

// String returns a human readable name of the counter kind.
func (k CounterKind) String() string {
	switch k {
	case CounterPending:
		return "pending"
	case CounterOutstanding:
		return "outstanding"
	case CounterTotalAccrued:
		return "total_accrued"
	default:
		return fmt.Sprintf("unknown_counter(%d)", uint8(k))
	}
}

// CounterRecord is a single persisted counter value.
type CounterRecord struct {
	Kind   CounterKind
	Pair   Pair
	Amount lnwire.MilliSatoshi
}

// Counters holds the three counters of a single pair.
type Counters struct {
	Pending      lnwire.MilliSatoshi
	Outstanding  lnwire.MilliSatoshi
	TotalAccrued lnwire.MilliSatoshi
}

// CounterSet is the full set of counters, keyed by pair. Pairs without any
// recorded fee are absent.
type CounterSet map[Pair]Counters

// NewCounterSet folds counter records into a counter set.
func NewCounterSet(records []CounterRecord) CounterSet {
	set := make(CounterSet)
	for _, r := range records {
		c := set[r.Pair]
		switch r.Kind {
		case CounterPending:
			c.Pending = r.Amount
		case CounterOutstanding:
			c.Outstanding = r.Amount
		case CounterTotalAccrued:
			c.TotalAccrued = r.Amount
		}
		set[r.Pair] = c
	}

	return set
}

// TotalPending sums the pending counters of all pairs.
func (c CounterSet) TotalPending() lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, counters := range c {
		total += counters.Pending
	}

	return total
}

// TotalOutstanding sums the outstanding counters of all pairs.
func (c CounterSet) TotalOutstanding() lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, counters := range c {
		total += counters.Outstanding
	}

	return total
}

// TotalAccrued sums the total accrued counters of all pairs.
func (c CounterSet) TotalAccrued() lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, counters := range c {
		total += counters.TotalAccrued
	}

	return total
}

// RemittanceState is the state of a fee remittance payment.
type RemittanceState uint8

const (
	// RemittancePending means the payment is in flight.
	RemittancePending RemittanceState = 1

	// RemittanceSucceeded means the fees reached the beneficiary.
	RemittanceSucceeded RemittanceState = 2

	// RemittanceFailed means the payment failed and the amount was
	// credited back to the outstanding counter.
	RemittanceFailed RemittanceState = 3
)

// String returns a human readable name of the remittance state.
func (s RemittanceState) String() string {
	switch s {
	case RemittancePending:
		return "pending"
	case RemittanceSucceeded:
		return "succeeded"
	case RemittanceFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown_remittance_state(%d)", uint8(s))
	}
}

// Remittance is a payment of outstanding fees to the fee beneficiary.
type Remittance struct {
	// Op is the Lightning payment operation.
	Op ledger.OperationID

	// Pair is the pair whose outstanding fees are remitted.
	Pair Pair

	// Amount is the amount taken off the outstanding counter.
	Amount lnwire.MilliSatoshi

	// State is the state of the payment.
	State RemittanceState

	// CreatedAt is the time the payment was started.
	CreatedAt time.Time

	// UpdatedAt is the time of the last state change.
	UpdatedAt time.Time
}
