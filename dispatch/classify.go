package dispatch

import (
	"fmt"

	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Outcome is the user facing result of an operation.
type Outcome uint8

const (
	// OutcomePending means the operation hasn't reached a terminal state
	// yet.
	OutcomePending Outcome = iota

	// OutcomeSuccess means the money moved as requested.
	OutcomeSuccess

	// OutcomeFailed means the operation failed or was refunded.
	OutcomeFailed
)

// String returns a human-readable version of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"

	case OutcomeSuccess:
		return "success"

	case OutcomeFailed:
		return "failed"

	default:
		return fmt.Sprintf("<unknown_outcome(%d)>", o)
	}
}

// feeAction is the fee ledger call a terminal state triggers.
type feeAction uint8

const (
	// feeActionNone leaves the fee ledger alone.
	feeActionNone feeAction = iota

	feeActionSuccessSend
	feeActionFailedSend
	feeActionSuccessReceive
	feeActionFailedReceive
)

// String returns a human-readable version of feeAction.
func (a feeAction) String() string {
	switch a {
	case feeActionNone:
		return "none"

	case feeActionSuccessSend:
		return "success_send"

	case feeActionFailedSend:
		return "failed_send"

	case feeActionSuccessReceive:
		return "success_receive"

	case feeActionFailedReceive:
		return "failed_receive"

	default:
		return fmt.Sprintf("<unknown_action(%d)>", a)
	}
}

// classification is the outcome of a module state and the fee ledger call it
// triggers.
type classification struct {
	outcome Outcome
	action  feeAction

	// settled is the received amount for feeActionSuccessReceive.
	settled lnwire.MilliSatoshi
}

var pendingResult = classification{}

func sendResult(success bool) classification {
	if success {
		return classification{
			outcome: OutcomeSuccess,
			action:  feeActionSuccessSend,
		}
	}

	return classification{
		outcome: OutcomeFailed,
		action:  feeActionFailedSend,
	}
}

func receiveResult(success bool,
	settled lnwire.MilliSatoshi) classification {

	if success {
		return classification{
			outcome: OutcomeSuccess,
			action:  feeActionSuccessReceive,
			settled: settled,
		}
	}

	return classification{
		outcome: OutcomeFailed,
		action:  feeActionFailedReceive,
	}
}

// classify maps a module state to its outcome. Non-terminal states are
// pending.
func classify(state ledger.OperationState) classification {
	if !state.IsTerminal() {
		return pendingResult
	}

	switch s := state.(type) {
	case *ledger.LnPayState:
		switch s.Kind {
		case ledger.LnPayPreimage, ledger.LnPaySuccess:
			return sendResult(true)

		default:
			return sendResult(false)
		}

	case *ledger.LnReceiveState:
		claimed := s.Kind == ledger.LnReceiveClaimed
		return receiveResult(claimed, s.Amount)

	case *ledger.DepositState:
		return receiveResult(s.Kind == ledger.DepositClaimed, s.Amount)

	case *ledger.WithdrawState:
		return sendResult(s.Kind == ledger.WithdrawSucceeded)

	case *ledger.ReissueState:
		return receiveResult(s.Kind == ledger.ReissueDone, s.Amount)

	// A spend the recipient redeemed, or that the sender failed to
	// reclaim, is money that left the wallet.
	case *ledger.SpendOOBState:
		switch s.Kind {
		case ledger.SpendOOBSuccess,
			ledger.SpendOOBUserCanceledFailure:

			return sendResult(true)

		default:
			return sendResult(false)
		}

	case *ledger.SPDepositState:
		return sendResult(s.Kind == ledger.SPDepositSuccess)

	case *ledger.SPWithdrawState:
		success := s.Kind == ledger.SPWithdrawSuccess
		return receiveResult(success, s.Amount)

	// Transfers within the stability pool carry no service fee.
	case *ledger.SPTransferState:
		return feeless(s.Kind == ledger.SPTransferSuccess)

	case *ledger.SPExternalTransferInState:
		return feeless(s.Kind == ledger.SPTransferSuccess)

	default:
		log.Warnf("Unknown operation state %T: %v", state, state)
		return pendingResult
	}
}

func feeless(success bool) classification {
	if success {
		return classification{outcome: OutcomeSuccess}
	}

	return classification{outcome: OutcomeFailed}
}
