package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrOperationNotFound is returned when the ledger client doesn't
	// know an operation.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrModuleNotFound is returned by the module accessors of a client
	// whose federation doesn't run the requested module.
	ErrModuleNotFound = errors.New("module not found")

	// ErrNoGateway is returned if no Lightning gateway is available to
	// route a payment.
	ErrNoGateway = errors.New("no lightning gateway available")

	// ErrNoExactNotes is returned by an exact e-cash spend if no
	// combination of notes in the inventory adds up to the amount.
	ErrNoExactNotes = errors.New("no exact note combination for amount")

	// ErrInsufficientNotes is returned if the note inventory holds less
	// value than requested.
	ErrInsufficientNotes = errors.New("insufficient notes")

	// ErrInvalidNotes is returned if a note bundle can't be parsed or was
	// not issued by this federation.
	ErrInvalidNotes = errors.New("invalid e-cash notes")

	// ErrRecovering is returned by operations that can't run while the
	// client is still recovering its state from the federation.
	ErrRecovering = errors.New("client is recovering")
)

// Subscription is a finite stream of updates of a single operation. The
// Updates channel is closed after the terminal state was delivered. A fresh
// subscription to a completed operation delivers the terminal state once and
// then ends.
type Subscription[T OperationState] struct {
	// Updates delivers the states of the operation in log order.
	Updates <-chan T

	// Errors receives at most one error if the stream broke off before
	// reaching a terminal state.
	Errors <-chan error

	// Cancel stops the subscription and frees its resources.
	Cancel func()
}

// Client is the federation ledger client the wallet is built on. It owns the
// operation log of every module and the note inventory.
type Client interface {
	// Network returns the chain parameters the federation runs on.
	Network() *chaincfg.Params

	// Balance returns the raw ledger balance of the wallet.
	Balance(ctx context.Context) (lnwire.MilliSatoshi, error)

	// GetOperation returns a logged operation or ErrOperationNotFound.
	GetOperation(ctx context.Context, id OperationID) (*Operation, error)

	// ActiveOperations returns the ids of all operations that didn't
	// reach a terminal state yet.
	ActiveOperations(ctx context.Context) ([]OperationID, error)

	// IsRecovering returns true while the client restores its state from
	// the federation.
	IsRecovering() bool

	// Lightning returns the Lightning module.
	Lightning() (LightningModule, error)

	// OnChain returns the on-chain wallet module.
	OnChain() (OnChainModule, error)

	// Mint returns the e-cash mint module.
	Mint() (MintModule, error)

	// StabilityPool returns the stability pool module.
	StabilityPool() (StabilityPoolModule, error)
}

// LightningModule is the Lightning payment rail.
type LightningModule interface {
	// SelectGateway returns the gateway to route external payments
	// through or ErrNoGateway.
	SelectGateway(ctx context.Context) (*Gateway, error)

	// FindPayment looks up the most recent payment operation of the given
	// payment hash together with its last state. ErrOperationNotFound is
	// returned if the invoice was never paid from this wallet.
	FindPayment(ctx context.Context,
		paymentHash [32]byte) (*Operation, *LnPayState, error)

	// Pay starts a payment of the given invoice.
	Pay(ctx context.Context, req *PayRequest) (OperationID, error)

	// CreateInvoice creates an invoice to receive amt.
	CreateInvoice(ctx context.Context, amt lnwire.MilliSatoshi,
		description string, expiry time.Duration,
		meta OperationMeta) (OperationID, string, error)

	// SubscribePay streams the updates of a payment.
	SubscribePay(ctx context.Context,
		id OperationID) (*Subscription[*LnPayState], error)

	// SubscribeReceive streams the updates of an invoice.
	SubscribeReceive(ctx context.Context,
		id OperationID) (*Subscription[*LnReceiveState], error)
}

// OnChainModule is the on-chain Bitcoin rail.
type OnChainModule interface {
	// EstimateWithdrawFee returns the chain fee of withdrawing amt to
	// addr.
	EstimateWithdrawFee(ctx context.Context, addr btcutil.Address,
		amt btcutil.Amount) (btcutil.Amount, error)

	// Withdraw starts a withdrawal of amt to addr paying the given chain
	// fee.
	Withdraw(ctx context.Context, addr btcutil.Address, amt,
		chainFee btcutil.Amount, meta OperationMeta) (OperationID,
		error)

	// DepositAddress derives a new deposit address and starts the
	// deposit operation watching it.
	DepositAddress(ctx context.Context,
		meta OperationMeta) (OperationID, btcutil.Address, error)

	// SubscribeWithdraw streams the updates of a withdrawal.
	SubscribeWithdraw(ctx context.Context,
		id OperationID) (*Subscription[*WithdrawState], error)

	// SubscribeDeposit streams the updates of a deposit.
	SubscribeDeposit(ctx context.Context,
		id OperationID) (*Subscription[*DepositState], error)
}

// MintModule is the e-cash rail, it owns the note inventory.
type MintModule interface {
	// SpendNotes selects notes from the inventory and hands them out for
	// an out-of-band spend. An exact selection fails with
	// ErrNoExactNotes if no combination adds up to the amount.
	SpendNotes(ctx context.Context, req *SpendRequest) (OperationID,
		*OOBNotes, error)

	// ValidateNotes parses the notes and returns their total value.
	ValidateNotes(ctx context.Context,
		notes string) (lnwire.MilliSatoshi, error)

	// Reissue redeems the notes into the wallet's own inventory.
	Reissue(ctx context.Context, notes string,
		meta OperationMeta) (OperationID, error)

	// SubscribeSpendOOB streams the updates of an out-of-band spend.
	SubscribeSpendOOB(ctx context.Context,
		id OperationID) (*Subscription[*SpendOOBState], error)

	// SubscribeReissue streams the updates of a reissuance.
	SubscribeReissue(ctx context.Context,
		id OperationID) (*Subscription[*ReissueState], error)
}

// StabilityPoolModule is the stability pool rail.
type StabilityPoolModule interface {
	// Deposit moves amt from the wallet into the stability pool.
	Deposit(ctx context.Context, amt lnwire.MilliSatoshi,
		meta OperationMeta) (OperationID, error)

	// Withdraw moves amt out of the stability pool into the wallet.
	Withdraw(ctx context.Context, amt lnwire.MilliSatoshi,
		meta OperationMeta) (OperationID, error)

	SubscribeDeposit(ctx context.Context,
		id OperationID) (*Subscription[*SPDepositState], error)

	SubscribeWithdraw(ctx context.Context,
		id OperationID) (*Subscription[*SPWithdrawState], error)

	SubscribeTransfer(ctx context.Context,
		id OperationID) (*Subscription[*SPTransferState], error)

	SubscribeExternalTransferIn(ctx context.Context,
		id OperationID) (*Subscription[*SPExternalTransferInState],
		error)
}
