package ledger

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
)

// OperationState is the last-seen state of an operation's module state
// machine. The set of implementations is closed: every module state type of
// this package implements it, nothing else can.
type OperationState interface {
	// Variant returns the operation variant whose update stream produced
	// the state.
	Variant() Variant

	// IsTerminal returns true if the module state machine ends in this
	// state and no further updates follow.
	IsTerminal() bool

	// String returns a short human readable description of the state.
	String() string

	operationState()
}

// LnPayStateKind enumerates the states of an outgoing Lightning payment.
type LnPayStateKind uint8

const (
	LnPayCreated LnPayStateKind = iota
	LnPayFunded
	LnPayAwaitingChange
	LnPayWaitingForRefund

	// LnPayPreimage is the success state of a payment that was settled
	// within the federation.
	LnPayPreimage

	// LnPaySuccess is the success state of a payment routed through a
	// gateway.
	LnPaySuccess

	LnPayRefunded
	LnPayCanceled
	LnPayFundingFailed
	LnPayUnexpectedError
)

var lnPayStateNames = map[LnPayStateKind]string{
	LnPayCreated:          "created",
	LnPayFunded:           "funded",
	LnPayAwaitingChange:   "awaiting_change",
	LnPayWaitingForRefund: "waiting_for_refund",
	LnPayPreimage:         "preimage",
	LnPaySuccess:          "success",
	LnPayRefunded:         "refunded",
	LnPayCanceled:         "canceled",
	LnPayFundingFailed:    "funding_failed",
	LnPayUnexpectedError:  "unexpected_error",
}

// LnPayState is an update of an outgoing Lightning payment.
type LnPayState struct {
	Kind LnPayStateKind

	// PayType is set once the payment is known to be internal or
	// external.
	PayType PayType

	// Preimage is set for the two success states.
	Preimage [32]byte

	// Error carries the reason of a failure state.
	Error string
}

func (s *LnPayState) Variant() Variant { return VariantLnPay }

func (s *LnPayState) IsTerminal() bool {
	switch s.Kind {
	case LnPayPreimage, LnPaySuccess, LnPayRefunded, LnPayCanceled,
		LnPayFundingFailed, LnPayUnexpectedError:

		return true

	default:
		return false
	}
}

func (s *LnPayState) String() string {
	return fmt.Sprintf("ln_pay(%s)", lnPayStateNames[s.Kind])
}

func (s *LnPayState) operationState() {}

// LnReceiveStateKind enumerates the states of an incoming Lightning payment.
type LnReceiveStateKind uint8

const (
	LnReceiveCreated LnReceiveStateKind = iota
	LnReceiveWaitingForPayment
	LnReceiveFunded
	LnReceiveAwaitingFunds
	LnReceiveClaimed
	LnReceiveCanceled
)

var lnReceiveStateNames = map[LnReceiveStateKind]string{
	LnReceiveCreated:           "created",
	LnReceiveWaitingForPayment: "waiting_for_payment",
	LnReceiveFunded:            "funded",
	LnReceiveAwaitingFunds:     "awaiting_funds",
	LnReceiveClaimed:           "claimed",
	LnReceiveCanceled:          "canceled",
}

// LnReceiveState is an update of an incoming Lightning payment.
type LnReceiveState struct {
	Kind LnReceiveStateKind

	// Invoice is set in the waiting-for-payment state.
	Invoice string

	// Amount is the settled amount, set in the claimed state.
	Amount lnwire.MilliSatoshi

	// Reason carries the cancellation reason.
	Reason string
}

func (s *LnReceiveState) Variant() Variant { return VariantLnReceive }

func (s *LnReceiveState) IsTerminal() bool {
	return s.Kind == LnReceiveClaimed || s.Kind == LnReceiveCanceled
}

func (s *LnReceiveState) String() string {
	return fmt.Sprintf("ln_receive(%s)", lnReceiveStateNames[s.Kind])
}

func (s *LnReceiveState) operationState() {}

// DepositStateKind enumerates the states of an on-chain deposit.
type DepositStateKind uint8

const (
	DepositWaitingForTransaction DepositStateKind = iota
	DepositWaitingForConfirmation
	DepositConfirmed
	DepositClaimed
	DepositFailed
)

var depositStateNames = map[DepositStateKind]string{
	DepositWaitingForTransaction:  "waiting_for_transaction",
	DepositWaitingForConfirmation: "waiting_for_confirmation",
	DepositConfirmed:              "confirmed",
	DepositClaimed:                "claimed",
	DepositFailed:                 "failed",
}

// DepositState is an update of an on-chain deposit.
type DepositState struct {
	Kind DepositStateKind

	// Txid is the deposit transaction, known from the
	// waiting-for-confirmation state on.
	Txid chainhash.Hash

	// Amount is the claimed amount, set in the claimed state.
	Amount lnwire.MilliSatoshi

	// Error carries the failure reason.
	Error string
}

func (s *DepositState) Variant() Variant { return VariantDeposit }

func (s *DepositState) IsTerminal() bool {
	return s.Kind == DepositClaimed || s.Kind == DepositFailed
}

func (s *DepositState) String() string {
	return fmt.Sprintf("deposit(%s)", depositStateNames[s.Kind])
}

func (s *DepositState) operationState() {}

// WithdrawStateKind enumerates the states of an on-chain withdrawal.
type WithdrawStateKind uint8

const (
	WithdrawCreated WithdrawStateKind = iota
	WithdrawSucceeded
	WithdrawFailed
)

var withdrawStateNames = map[WithdrawStateKind]string{
	WithdrawCreated:   "created",
	WithdrawSucceeded: "succeeded",
	WithdrawFailed:    "failed",
}

// WithdrawState is an update of an on-chain withdrawal.
type WithdrawState struct {
	Kind WithdrawStateKind

	// Txid is the withdrawal transaction, set in the succeeded state.
	Txid chainhash.Hash

	// Error carries the failure reason.
	Error string
}

func (s *WithdrawState) Variant() Variant { return VariantWithdraw }

func (s *WithdrawState) IsTerminal() bool {
	return s.Kind == WithdrawSucceeded || s.Kind == WithdrawFailed
}

func (s *WithdrawState) String() string {
	return fmt.Sprintf("withdraw(%s)", withdrawStateNames[s.Kind])
}

func (s *WithdrawState) operationState() {}

// SpendOOBStateKind enumerates the states of an out-of-band e-cash spend.
type SpendOOBStateKind uint8

const (
	SpendOOBCreated SpendOOBStateKind = iota
	SpendOOBUserCanceledProcessing

	// SpendOOBUserCanceledSuccess means the sender reclaimed the notes
	// before the recipient redeemed them.
	SpendOOBUserCanceledSuccess

	// SpendOOBUserCanceledFailure means the sender tried to reclaim the
	// notes but the recipient had already redeemed them.
	SpendOOBUserCanceledFailure

	// SpendOOBSuccess means the recipient redeemed the notes.
	SpendOOBSuccess

	// SpendOOBRefunded means the notes were reclaimed automatically after
	// the cancel deadline.
	SpendOOBRefunded
)

var spendOOBStateNames = map[SpendOOBStateKind]string{
	SpendOOBCreated:                "created",
	SpendOOBUserCanceledProcessing: "user_canceled_processing",
	SpendOOBUserCanceledSuccess:    "user_canceled_success",
	SpendOOBUserCanceledFailure:    "user_canceled_failure",
	SpendOOBSuccess:                "success",
	SpendOOBRefunded:               "refunded",
}

// SpendOOBState is an update of an out-of-band e-cash spend.
type SpendOOBState struct {
	Kind SpendOOBStateKind
}

func (s *SpendOOBState) Variant() Variant { return VariantSpendOOB }

func (s *SpendOOBState) IsTerminal() bool {
	switch s.Kind {
	case SpendOOBUserCanceledSuccess, SpendOOBUserCanceledFailure,
		SpendOOBSuccess, SpendOOBRefunded:

		return true

	default:
		return false
	}
}

func (s *SpendOOBState) String() string {
	return fmt.Sprintf("spend_oob(%s)", spendOOBStateNames[s.Kind])
}

func (s *SpendOOBState) operationState() {}

// ReissueStateKind enumerates the states of an e-cash reissuance.
type ReissueStateKind uint8

const (
	ReissueCreated ReissueStateKind = iota
	ReissueIssuing
	ReissueDone
	ReissueFailed
)

var reissueStateNames = map[ReissueStateKind]string{
	ReissueCreated: "created",
	ReissueIssuing: "issuing",
	ReissueDone:    "done",
	ReissueFailed:  "failed",
}

// ReissueState is an update of an e-cash reissuance.
type ReissueState struct {
	Kind ReissueStateKind

	// Amount is the reissued amount, set in the done state.
	Amount lnwire.MilliSatoshi

	// Error carries the failure reason.
	Error string
}

func (s *ReissueState) Variant() Variant { return VariantReissue }

func (s *ReissueState) IsTerminal() bool {
	return s.Kind == ReissueDone || s.Kind == ReissueFailed
}

func (s *ReissueState) String() string {
	return fmt.Sprintf("reissue(%s)", reissueStateNames[s.Kind])
}

func (s *ReissueState) operationState() {}

// SPDepositStateKind enumerates the states of a stability pool deposit.
type SPDepositStateKind uint8

const (
	SPDepositInitiated SPDepositStateKind = iota
	SPDepositTxAccepted
	SPDepositTxRejected
	SPDepositPrimaryOutputError
	SPDepositSuccess
)

var spDepositStateNames = map[SPDepositStateKind]string{
	SPDepositInitiated:          "initiated",
	SPDepositTxAccepted:         "tx_accepted",
	SPDepositTxRejected:         "tx_rejected",
	SPDepositPrimaryOutputError: "primary_output_error",
	SPDepositSuccess:            "success",
}

// SPDepositState is an update of a stability pool deposit.
type SPDepositState struct {
	Kind SPDepositStateKind

	// Error carries the failure reason.
	Error string
}

func (s *SPDepositState) Variant() Variant { return VariantSPDeposit }

func (s *SPDepositState) IsTerminal() bool {
	switch s.Kind {
	case SPDepositTxRejected, SPDepositPrimaryOutputError,
		SPDepositSuccess:

		return true

	default:
		return false
	}
}

func (s *SPDepositState) String() string {
	return fmt.Sprintf("sp_deposit(%s)", spDepositStateNames[s.Kind])
}

func (s *SPDepositState) operationState() {}

// SPWithdrawStateKind enumerates the states of a stability pool withdrawal.
type SPWithdrawStateKind uint8

const (
	SPWithdrawInitiated SPWithdrawStateKind = iota
	SPWithdrawTxAccepted
	SPWithdrawAwaitingCycleTurnover
	SPWithdrawWithdrawalInitiated
	SPWithdrawTxRejected
	SPWithdrawPrimaryOutputError
	SPWithdrawCancellationSubmissionFailure
	SPWithdrawSuccess
)

var spWithdrawStateNames = map[SPWithdrawStateKind]string{
	SPWithdrawInitiated:                     "initiated",
	SPWithdrawTxAccepted:                    "tx_accepted",
	SPWithdrawAwaitingCycleTurnover:         "awaiting_cycle_turnover",
	SPWithdrawWithdrawalInitiated:           "withdrawal_initiated",
	SPWithdrawTxRejected:                    "tx_rejected",
	SPWithdrawPrimaryOutputError:            "primary_output_error",
	SPWithdrawCancellationSubmissionFailure: "cancellation_submission_failure",
	SPWithdrawSuccess:                       "success",
}

// SPWithdrawState is an update of a stability pool withdrawal.
type SPWithdrawState struct {
	Kind SPWithdrawStateKind

	// Amount is the withdrawn amount, set in the success state.
	Amount lnwire.MilliSatoshi

	// Error carries the failure reason.
	Error string
}

func (s *SPWithdrawState) Variant() Variant { return VariantSPWithdraw }

func (s *SPWithdrawState) IsTerminal() bool {
	switch s.Kind {
	case SPWithdrawTxRejected, SPWithdrawPrimaryOutputError,
		SPWithdrawCancellationSubmissionFailure, SPWithdrawSuccess:

		return true

	default:
		return false
	}
}

func (s *SPWithdrawState) String() string {
	return fmt.Sprintf("sp_withdraw(%s)", spWithdrawStateNames[s.Kind])
}

func (s *SPWithdrawState) operationState() {}

// SPTransferStateKind enumerates the states of a stability pool transfer,
// outgoing or incoming.
type SPTransferStateKind uint8

const (
	SPTransferInitiated SPTransferStateKind = iota
	SPTransferSuccess
	SPTransferFailed
)

var spTransferStateNames = map[SPTransferStateKind]string{
	SPTransferInitiated: "initiated",
	SPTransferSuccess:   "success",
	SPTransferFailed:    "failed",
}

// SPTransferState is an update of an outgoing stability pool transfer.
type SPTransferState struct {
	Kind SPTransferStateKind

	// Amount is the transferred amount.
	Amount lnwire.MilliSatoshi
}

func (s *SPTransferState) Variant() Variant { return VariantSPTransfer }

func (s *SPTransferState) IsTerminal() bool {
	return s.Kind != SPTransferInitiated
}

func (s *SPTransferState) String() string {
	return fmt.Sprintf("sp_transfer(%s)", spTransferStateNames[s.Kind])
}

func (s *SPTransferState) operationState() {}

// SPExternalTransferInState is an update of an incoming stability pool
// transfer from another account.
type SPExternalTransferInState struct {
	Kind SPTransferStateKind

	// Amount is the transferred amount.
	Amount lnwire.MilliSatoshi

	// From identifies the sending account.
	From string
}

func (s *SPExternalTransferInState) Variant() Variant {
	return VariantSPExternalTransferIn
}

func (s *SPExternalTransferInState) IsTerminal() bool {
	return s.Kind != SPTransferInitiated
}

func (s *SPExternalTransferInState) String() string {
	return fmt.Sprintf("sp_external_transfer_in(%s)",
		spTransferStateNames[s.Kind])
}

func (s *SPExternalTransferInState) operationState() {}
