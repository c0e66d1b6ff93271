package federation

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

// WithdrawResult is the outcome of a successful on-chain withdrawal.
type WithdrawResult struct {
	// OperationID is the id of the withdrawal operation.
	OperationID ledger.OperationID

	// Txid is the withdrawal transaction.
	Txid chainhash.Hash

	// Fee is the service fee charged for the withdrawal.
	Fee lnwire.MilliSatoshi

	// ChainFee is the on-chain fee paid.
	ChainFee btcutil.Amount
}

// PayAddress withdraws amount to an on-chain address and waits for the
// withdrawal transaction.
func (f *Federation) PayAddress(ctx context.Context, address string,
	amount btcutil.Amount) (*WithdrawResult, error) {

	net := f.cfg.Client.Network()
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("%w: address is not for %v",
			ErrInvalidAddress, net.Name)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, cancel, err := f.rpcCtx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	wallet, err := f.cfg.Client.OnChain()
	if err != nil {
		return nil, err
	}

	chainFee, err := wallet.EstimateWithdrawFee(ctx, addr, amount)
	if err != nil {
		return nil, fmt.Errorf("unable to estimate withdraw fee: %w",
			err)
	}

	amt := lnwire.NewMSatFromSatoshis(amount)
	chainFeeMsat := lnwire.NewMSatFromSatoshis(chainFee)
	result := &WithdrawResult{
		Fee:      f.cfg.Schedule.SendFee(ledger.ModuleOnChain, amt),
		ChainFee: chainFee,
	}

	log.Infof("Withdrawing %v to %v (chain fee %v, service fee %v)",
		amount, addr, chainFee, result.Fee)

	spendReq := &balance.SpendRequest{
		Amount:  amt + chainFeeMsat,
		Fee:     result.Fee,
		FeePPM:  f.cfg.Schedule.SendPPM(ledger.ModuleOnChain),
		BaseFee: chainFeeMsat,
	}
	result.OperationID, err = f.spend(
		ctx, spendReq, func(ctx context.Context) (ledger.OperationID,
			error) {

			return wallet.Withdraw(
				ctx, addr, amount, chainFee,
				ledger.OperationMeta{},
			)
		},
	)
	if err != nil {
		return nil, err
	}

	outcome, err := f.awaitOutcome(ctx, result.OperationID)
	if err != nil {
		return nil, err
	}

	state, ok := outcome.State.(*ledger.WithdrawState)
	if !ok {
		return nil, fmt.Errorf("unexpected state %v for withdrawal %v",
			outcome.State, result.OperationID)
	}
	if state.Kind != ledger.WithdrawSucceeded {
		return nil, fmt.Errorf("%w: %v %v", ErrPaymentFailed, state,
			state.Error)
	}

	result.Txid = state.Txid
	return result, nil
}

// DepositAddress returns a new address to deposit on-chain funds into the
// federation. The deposit is charged the on-chain receive fee once it is
// claimed.
func (f *Federation) DepositAddress(ctx context.Context) (ledger.OperationID,
	btcutil.Address, error) {

	wallet, err := f.cfg.Client.OnChain()
	if err != nil {
		return ledger.ZeroOperationID, nil, err
	}

	id, addr, err := wallet.DepositAddress(ctx, ledger.OperationMeta{})
	if err != nil {
		return ledger.ZeroOperationID, nil, err
	}

	if err := f.receive(ctx, id, ledger.ModuleOnChain); err != nil {
		return id, nil, err
	}

	return id, addr, nil
}
