package federation

import (
	"context"

	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

// StabilityPoolDeposit moves amt into the stability pool. The deposit is a
// send and reserves the stability pool send fee until it finishes.
func (f *Federation) StabilityPoolDeposit(ctx context.Context,
	amt lnwire.MilliSatoshi) (ledger.OperationID, error) {

	if amt == 0 {
		return ledger.ZeroOperationID, ErrInvalidAmount
	}

	pool, err := f.cfg.Client.StabilityPool()
	if err != nil {
		return ledger.ZeroOperationID, err
	}

	module := ledger.ModuleStabilityPool
	spendReq := &balance.SpendRequest{
		Amount: amt,
		Fee:    f.cfg.Schedule.SendFee(module, amt),
		FeePPM: f.cfg.Schedule.SendPPM(module),
	}

	return f.spend(ctx, spendReq, func(ctx context.Context) (
		ledger.OperationID, error) {

		return pool.Deposit(ctx, amt, ledger.OperationMeta{})
	})
}

// StabilityPoolWithdraw moves amt out of the stability pool. The withdrawal
// is charged the stability pool receive fee on the settled amount.
func (f *Federation) StabilityPoolWithdraw(ctx context.Context,
	amt lnwire.MilliSatoshi) (ledger.OperationID, error) {

	if amt == 0 {
		return ledger.ZeroOperationID, ErrInvalidAmount
	}

	pool, err := f.cfg.Client.StabilityPool()
	if err != nil {
		return ledger.ZeroOperationID, err
	}

	id, err := pool.Withdraw(ctx, amt, ledger.OperationMeta{})
	if err != nil {
		return ledger.ZeroOperationID, err
	}

	if err := f.receive(ctx, id, ledger.ModuleStabilityPool); err != nil {
		return id, err
	}

	return id, nil
}
