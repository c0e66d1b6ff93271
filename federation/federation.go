package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/dispatch"
	"github.com/lightninglabs/fedwallet/ecash"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/fn"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrTimeout is returned if the operation a call started didn't
	// finish in time. The operation keeps running and its outcome shows
	// up in the wallet events.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidInvoice is returned for invoices that can't be decoded,
	// belong to another network or carry no amount.
	ErrInvalidInvoice = errors.New("invalid invoice")

	// ErrInvalidAddress is returned for addresses that can't be decoded
	// or belong to another network.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidAmount is returned for zero amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrAlreadyPaid is returned if the invoice was already paid from
	// this wallet.
	ErrAlreadyPaid = errors.New("invoice already paid")

	// ErrAlreadyInProgress is returned if a payment of the invoice is
	// still in flight.
	ErrAlreadyInProgress = errors.New("payment already in progress")

	// ErrPaymentFailed is returned if the operation a call started ended
	// in a failure state.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrShuttingDown is returned for calls made while the wallet shuts
	// down.
	ErrShuttingDown = errors.New("federation wallet shutting down")
)

// Federation is the wallet of a single joined federation. It starts
// operations on the payment modules, charges the service fee of each one and
// hands it to the dispatcher, which drives it to completion and resolves the
// fee.
type Federation struct {
	startOnce sync.Once
	stopOnce  sync.Once

	cfg *Config

	fees       *fees.Ledger
	balance    *balance.Service
	guard      *balance.SpendGuard
	selector   *ecash.Selector
	dispatcher *dispatch.Dispatcher

	// remitter is nil if remittance isn't configured.
	remitter *fees.Remitter

	*fn.ContextGuard
}

// New creates a federation wallet from the given config. Zero timeouts are
// replaced by their defaults.
func New(cfg *Config) *Federation {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.InvoiceExpiry == 0 {
		cfg.InvoiceExpiry = DefaultInvoiceExpiry
	}

	f := &Federation{
		cfg:          cfg,
		ContextGuard: fn.NewContextGuard(cfg.RPCTimeout),
	}

	f.fees = fees.NewLedger(&fees.LedgerConfig{
		Store:      cfg.FeeStore,
		Operations: cfg.Client,
		Clock:      cfg.Clock,
	})
	f.balance = balance.NewService(&balance.ServiceConfig{
		Raw:  cfg.Client,
		Fees: f.fees,
	})
	f.guard = balance.NewSpendGuard(f.balance)
	f.dispatcher = dispatch.NewDispatcher(&dispatch.Config{
		Client:          cfg.Client,
		Fees:            f.fees,
		Clock:           cfg.Clock,
		OnCriticalError: f.reportErr,
	})
	f.selector = ecash.NewSelector(&ecash.SelectorConfig{
		Mint:           cfg.Client,
		Guard:          f.guard,
		Fees:           f.fees,
		Schedule:       cfg.Schedule,
		Clock:          cfg.Clock,
		Track:          f.dispatcher.Track,
		Timeout:        cfg.Ecash.Timeout,
		ReissueTimeout: cfg.Ecash.ReissueTimeout,
		RetryDelay:     cfg.Ecash.RetryDelay,
		TryCancelAfter: cfg.Ecash.TryCancelAfter,
	})

	if cfg.Remittance != nil {
		f.remitter = fees.NewRemitter(&fees.RemitterConfig{
			Ledger:      f.fees,
			Client:      cfg.Client,
			Guard:       f.guard,
			Invoices:    cfg.Remittance.Invoices,
			Threshold:   cfg.Remittance.Threshold,
			SweepTicker: cfg.Remittance.SweepTicker,
			Track:       f.dispatcher.Track,
			ErrChan:     cfg.ErrChan,
		})
	}

	return f
}

// A compile time assertion to ensure Federation meets the fn.EventPublisher
// interface.
var _ fn.EventPublisher[*dispatch.WalletEvent, time.Time] = (*Federation)(nil)

// Start resumes all unfinished operations and starts the fee remitter.
func (f *Federation) Start() error {
	var startErr error
	f.startOnce.Do(func() {
		log.Infof("Starting federation wallet on %v",
			f.cfg.Client.Network().Name)

		if err := f.dispatcher.Start(); err != nil {
			startErr = err
			return
		}

		if f.remitter != nil {
			startErr = f.remitter.Start()
		}
	})

	return startErr
}

// Stop stops the remitter and all operation subscribers. Operations keep
// running federation-side and are resumed on the next start.
func (f *Federation) Stop() error {
	var stopErr error
	f.stopOnce.Do(func() {
		log.Infof("Stopping federation wallet")

		f.ContextGuard.Stop()

		if f.remitter != nil {
			if err := f.remitter.Stop(); err != nil {
				stopErr = err
			}
		}

		if err := f.dispatcher.Stop(); err != nil {
			stopErr = err
		}
	})

	return stopErr
}

// reportErr hands an error to the error channel without blocking.
func (f *Federation) reportErr(err error) {
	if f.cfg.ErrChan == nil {
		return
	}

	select {
	case f.cfg.ErrChan <- err:
	default:
		log.Warnf("Error channel full, dropping: %v", err)
	}
}

// rpcCtx derives the context of a wallet call. It expires after the RPC
// timeout and is cancelled on shutdown.
func (f *Federation) rpcCtx(ctx context.Context) (context.Context, func(),
	error) {

	if f.ShuttingDown() {
		return nil, nil, ErrShuttingDown
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.RPCTimeout)

	f.Wg.Add(1)
	go func() {
		defer f.Wg.Done()

		select {
		case <-f.Quit:
			cancel()

		case <-ctx.Done():
		}
	}()

	return ctx, cancel, nil
}

// awaitOutcome waits for the terminal state of an operation. An expired
// wait is reported as ErrTimeout.
func (f *Federation) awaitOutcome(ctx context.Context,
	id ledger.OperationID) (*dispatch.CachedState, error) {

	state, err := f.dispatcher.AwaitTerminal(ctx, id)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: op %v still in flight", ErrTimeout,
			id)

	case err != nil:
		return nil, err
	}

	return state, nil
}

// spend runs submit under the spend guard after checking amount plus the
// service fee against the virtual balance. submit starts the module
// operation, whose pending fee is then recorded before the guard is
// released. The started operation is tracked even if recording its fee
// fails.
func (f *Federation) spend(ctx context.Context, req *balance.SpendRequest,
	submit func(ctx context.Context) (ledger.OperationID, error)) (
	ledger.OperationID, error) {

	var opID ledger.OperationID
	err := f.guard.Spend(ctx, req, func(ctx context.Context) error {
		var err error
		opID, err = submit(ctx)
		if err != nil {
			return err
		}

		err = f.fees.WritePendingSend(ctx, opID, req.Fee)
		if err != nil {
			log.Errorf("Operation %v started without its pending "+
				"fee: %v", opID, err)
		}

		return err
	})
	if !opID.IsZero() {
		f.dispatcher.Track(opID)
	}

	return opID, err
}

// receive records the pending fee rate of a started receive and tracks it.
func (f *Federation) receive(ctx context.Context, id ledger.OperationID,
	module ledger.ModuleKind) error {

	defer f.dispatcher.Track(id)

	ppm := f.cfg.Schedule.ReceivePPM(module)
	if err := f.fees.WritePendingReceive(ctx, id, ppm); err != nil {
		log.Errorf("Operation %v started without its pending fee: %v",
			id, err)

		return err
	}

	return nil
}

// GetBalance returns the balance the user can spend.
func (f *Federation) GetBalance(ctx context.Context) (lnwire.MilliSatoshi,
	error) {

	return f.balance.VirtualBalance(ctx)
}

// BalanceBreakdown returns the raw balance together with the fees reserved
// from it.
func (f *Federation) BalanceBreakdown(
	ctx context.Context) (*balance.Breakdown, error) {

	return f.balance.Breakdown(ctx)
}

// GetPendingFees returns the sum of the fees of all unresolved sends.
func (f *Federation) GetPendingFees(
	ctx context.Context) (lnwire.MilliSatoshi, error) {

	return f.fees.PendingFees(ctx)
}

// GetOutstandingFees returns the sum of all earned fees not yet remitted.
func (f *Federation) GetOutstandingFees(
	ctx context.Context) (lnwire.MilliSatoshi, error) {

	return f.fees.OutstandingFees(ctx)
}

// FeeCounters returns the fee counters of every pair.
func (f *Federation) FeeCounters(ctx context.Context) (fees.CounterSet,
	error) {

	return f.fees.Counters(ctx)
}

// FeeStatus returns the fee status of an operation.
func (f *Federation) FeeStatus(ctx context.Context,
	id ledger.OperationID) (*fees.StatusRecord, error) {

	return f.fees.FeeStatus(ctx, id)
}

// MaxSpendable returns a hint of the largest amount that can be sent through
// the module. Lightning sends account for the gateway fee of the currently
// selected gateway.
func (f *Federation) MaxSpendable(ctx context.Context,
	module ledger.ModuleKind) (lnwire.MilliSatoshi, error) {

	available, err := f.balance.VirtualBalance(ctx)
	if err != nil {
		return 0, err
	}

	var (
		baseFee       lnwire.MilliSatoshi
		thirdPartyPPM uint64
	)
	if module == ledger.ModuleLightning {
		ln, err := f.cfg.Client.Lightning()
		if err != nil {
			return 0, err
		}
		gateway, err := ln.SelectGateway(ctx)
		if err != nil {
			return 0, err
		}

		baseFee, thirdPartyPPM = gateway.BaseFee, gateway.FeePPM
	}

	return fees.MaxSpendable(
		available, f.cfg.Schedule.SendPPM(module), baseFee,
		thirdPartyPPM,
	), nil
}

// OperationState returns the last seen state of an operation.
func (f *Federation) OperationState(
	id ledger.OperationID) (*dispatch.CachedState, bool) {

	return f.dispatcher.CachedState(id)
}

// RegisterSubscriber adds a new subscriber for wallet events. If
// deliverExisting is set, the last state of every user visible operation
// updated at or after deliverFrom is delivered first.
func (f *Federation) RegisterSubscriber(
	receiver *fn.EventReceiver[*dispatch.WalletEvent],
	deliverExisting bool, deliverFrom time.Time) error {

	return f.dispatcher.RegisterSubscriber(
		receiver, deliverExisting, deliverFrom,
	)
}

// RemoveSubscriber removes the given subscriber and stops it.
func (f *Federation) RemoveSubscriber(
	subscriber *fn.EventReceiver[*dispatch.WalletEvent]) error {

	return f.dispatcher.RemoveSubscriber(subscriber)
}
