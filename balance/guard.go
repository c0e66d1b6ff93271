package balance

import (
	"context"
	"fmt"
	"math"

	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightningnetwork/lnd/lnwire"
	"golang.org/x/sync/semaphore"
)

// InsufficientBalanceError is returned if a spend plus its fees exceeds the
// virtual balance. Max is a hint of the largest amount that could be sent
// instead.
type InsufficientBalanceError struct {
	// Requested is the amount the spend takes out of the wallet, without
	// the service fee.
	Requested lnwire.MilliSatoshi

	// Fee is the service fee of the spend.
	Fee lnwire.MilliSatoshi

	// Available is the virtual balance at the time of the check.
	Available lnwire.MilliSatoshi

	// Max is the approximate largest amount that can be sent.
	Max lnwire.MilliSatoshi
}

// Error returns a human readable description of the error.
func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %v plus fee %v, "+
		"available %v, max spendable %v", e.Requested, e.Fee,
		e.Available, e.Max)
}

// SpendRequest describes a spend for the balance check.
type SpendRequest struct {
	// Amount is what the module takes out of the wallet, including any
	// network or gateway fees.
	Amount lnwire.MilliSatoshi

	// Fee is the service fee charged on top.
	Fee lnwire.MilliSatoshi

	// FeePPM is the service fee rate, used for the max spend hint.
	FeePPM uint64

	// BaseFee and ThirdPartyPPM describe the third-party fee, used for
	// the max spend hint.
	BaseFee       lnwire.MilliSatoshi
	ThirdPartyPPM uint64
}

// total returns amount plus fee, saturating on overflow.
func (r *SpendRequest) total() lnwire.MilliSatoshi {
	if r.Amount > math.MaxUint64-r.Fee {
		return math.MaxUint64
	}

	return r.Amount + r.Fee
}

// SpendGuard serializes every spend from the balance check until the module
// submission and the pending fee are recorded, so concurrent spends can't
// each pass against the same balance.
type SpendGuard struct {
	sem *semaphore.Weighted

	balance *Service
}

// NewSpendGuard creates a new spend guard checking against the given balance
// service.
func NewSpendGuard(balance *Service) *SpendGuard {
	return &SpendGuard{
		sem:     semaphore.NewWeighted(1),
		balance: balance,
	}
}

// A compile time assertion to ensure SpendGuard meets the fees.SpendLocker
// interface.
var _ fees.SpendLocker = (*SpendGuard)(nil)

// WithSpendLock runs f while holding the spend guard. Waiting for the guard
// is aborted if the context is done.
func (g *SpendGuard) WithSpendLock(ctx context.Context, f func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("unable to acquire spend guard: %w", err)
	}
	defer g.sem.Release(1)

	return f()
}

// Spend checks the spend against the virtual balance and runs submit while
// still holding the guard. submit must start the module operation and write
// its pending fee. An *InsufficientBalanceError is returned without calling
// submit if the balance doesn't cover amount plus fee.
func (g *SpendGuard) Spend(ctx context.Context, req *SpendRequest,
	submit func(ctx context.Context) error) error {

	return g.WithSpendLock(ctx, func() error {
		available, err := g.balance.VirtualBalance(ctx)
		if err != nil {
			return err
		}

		if req.total() > available {
			log.Debugf("Rejecting spend of %v (fee %v), virtual "+
				"balance is %v", req.Amount, req.Fee, available)

			return &InsufficientBalanceError{
				Requested: req.Amount,
				Fee:       req.Fee,
				Available: available,
				Max: fees.MaxSpendable(
					available, req.FeePPM, req.BaseFee,
					req.ThirdPartyPPM,
				),
			}
		}

		return submit(ctx)
	})
}
