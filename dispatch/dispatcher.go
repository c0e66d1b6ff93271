package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/fn"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout is the timeout of the store and client calls the
	// dispatcher makes outside of a subscriber.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrShuttingDown is returned by AwaitTerminal if the dispatcher is
	// stopped while waiting.
	ErrShuttingDown = errors.New("dispatcher shutting down")

	// ErrSubscriberExited is returned by AwaitTerminal if the subscriber
	// of the operation ended twice without reaching a terminal state.
	ErrSubscriberExited = errors.New("operation subscriber exited")
)

// FeeResolver is the part of the fee ledger the dispatcher resolves terminal
// operations against.
type FeeResolver interface {
	WriteSuccessSend(ctx context.Context,
		op ledger.OperationID) (bool, fees.Status, error)

	WriteFailedSend(ctx context.Context,
		op ledger.OperationID) (bool, fees.Status, error)

	WriteSuccessReceive(ctx context.Context, op ledger.OperationID,
		settled lnwire.MilliSatoshi) (bool, fees.Status, error)

	WriteFailedReceive(ctx context.Context,
		op ledger.OperationID) (bool, fees.Status, error)

	WriteRemittancePending(ctx context.Context, op ledger.OperationID,
		pair fees.Pair, amt lnwire.MilliSatoshi) error

	WriteRemittanceSuccess(ctx context.Context,
		op ledger.OperationID) (bool, error)

	WriteRemittanceFailed(ctx context.Context,
		op ledger.OperationID) (bool, error)

	// UnresolvedOperations returns the operations whose fee is still
	// pending.
	UnresolvedOperations(ctx context.Context) ([]ledger.OperationID,
		error)

	// Remittances returns the remittance records, optionally only the
	// ones in flight.
	Remittances(ctx context.Context,
		pendingOnly bool) ([]fees.Remittance, error)
}

// Config holds the collaborators of the dispatcher.
type Config struct {
	// Client is the ledger client whose operations are tracked.
	Client ledger.Client

	// Fees is the fee ledger terminal operations are resolved against.
	Fees FeeResolver

	Clock clock.Clock

	// OnCriticalError, if set, is called with fee ledger errors that
	// indicate a bug rather than a transient failure.
	OnCriticalError func(error)
}

// cacheEntry is the cached state of an operation plus the callers waiting
// for it to settle.
type cacheEntry struct {
	CachedState

	waiters []chan waitResult
}

// waitResult wakes up an AwaitTerminal caller. exited is set if the
// subscriber ended before the operation settled.
type waitResult struct {
	state  CachedState
	exited bool
}

// Dispatcher runs one subscriber per in-flight operation. Each subscriber
// drains the update stream of its operation, caches the last state, resolves
// the service fee once the operation is terminal and publishes the update to
// the event subscribers.
type Dispatcher struct {
	startOnce sync.Once
	stopOnce  sync.Once

	cfg *Config

	// activeMtx guards active.
	activeMtx sync.Mutex

	// active holds the operations a subscriber is currently running for.
	active map[ledger.OperationID]struct{}

	// cacheMtx guards cache.
	cacheMtx sync.RWMutex

	cache map[ledger.OperationID]*cacheEntry

	// subscribers is a map of components that want to be notified on new
	// events, keyed by their subscription ID.
	subscribers map[uint64]*fn.EventReceiver[*WalletEvent]

	// subscriberMtx guards the subscribers map.
	subscriberMtx sync.Mutex

	*fn.ContextGuard
}

// NewDispatcher creates a new operation dispatcher.
func NewDispatcher(cfg *Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Dispatcher{
		cfg:    cfg,
		active: make(map[ledger.OperationID]struct{}),
		cache:  make(map[ledger.OperationID]*cacheEntry),
		subscribers: make(
			map[uint64]*fn.EventReceiver[*WalletEvent],
		),
		ContextGuard: fn.NewContextGuard(DefaultTimeout),
	}
}

// A compile time assertion to ensure Dispatcher meets the fn.EventPublisher
// interface.
var _ fn.EventPublisher[*WalletEvent, time.Time] = (*Dispatcher)(nil)

// Start resubscribes to every operation that still needs processing: the
// non-terminal operations of the client, the operations whose fee was never
// resolved and the remittance payments in flight. Nothing is resubscribed
// while the client is recovering.
func (d *Dispatcher) Start() error {
	var startErr error
	d.startOnce.Do(func() {
		log.Infof("Starting operation dispatcher")

		if d.cfg.Client.IsRecovering() {
			log.Infof("Client is recovering, not resubscribing " +
				"to operations")
			return
		}

		ctx, cancel := d.WithCtxQuit()
		defer cancel()

		ids, err := d.resumableOperations(ctx)
		if err != nil {
			startErr = err
			return
		}

		log.Infof("Resubscribing to %d operations", len(ids))
		for _, id := range ids {
			d.Track(id)
		}
	})

	return startErr
}

// resumableOperations collects the ids of all operations to resubscribe to,
// without duplicates or the zero id.
func (d *Dispatcher) resumableOperations(
	ctx context.Context) ([]ledger.OperationID, error) {

	var active, unresolved, remitting []ledger.OperationID

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		active, err = d.cfg.Client.ActiveOperations(egCtx)
		if err != nil {
			return fmt.Errorf("unable to fetch active "+
				"operations: %w", err)
		}

		return nil
	})
	eg.Go(func() error {
		var err error
		unresolved, err = d.cfg.Fees.UnresolvedOperations(egCtx)
		return err
	})
	eg.Go(func() error {
		remittances, err := d.cfg.Fees.Remittances(egCtx, true)
		if err != nil {
			return err
		}

		remitting = fn.Map(remittances, func(
			r fees.Remittance) ledger.OperationID {

			return r.Op
		})

		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var (
		seen = make(map[ledger.OperationID]struct{})
		ids  []ledger.OperationID
	)
	for _, set := range [][]ledger.OperationID{
		active, unresolved, remitting,
	} {
		for _, id := range set {
			if id.IsZero() {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}

			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// Stop stops all subscribers and removes all event subscribers.
func (d *Dispatcher) Stop() error {
	var stopErr error
	d.stopOnce.Do(func() {
		log.Infof("Stopping operation dispatcher")

		d.ContextGuard.Stop()

		d.subscriberMtx.Lock()
		subs := make(
			[]*fn.EventReceiver[*WalletEvent], 0,
			len(d.subscribers),
		)
		for _, sub := range d.subscribers {
			subs = append(subs, sub)
		}
		d.subscriberMtx.Unlock()

		for _, sub := range subs {
			if err := d.RemoveSubscriber(sub); err != nil {
				stopErr = err
				break
			}
		}
	})

	return stopErr
}

// Track starts a subscriber for the operation unless one is already running.
// It must be called for every operation the wallet starts.
func (d *Dispatcher) Track(id ledger.OperationID) {
	if id.IsZero() {
		return
	}

	d.activeMtx.Lock()
	defer d.activeMtx.Unlock()

	if _, ok := d.active[id]; ok {
		return
	}

	started := d.Go(func(ctx context.Context) {
		defer func() {
			d.activeMtx.Lock()
			delete(d.active, id)
			d.activeMtx.Unlock()

			d.releaseWaiters(id)
		}()

		d.runSubscriber(ctx, id)
	})
	if started {
		d.active[id] = struct{}{}
	}
}

// runSubscriber drains the update stream of a single operation. Failing to
// attach is logged, the operation is picked up again on the next start.
func (d *Dispatcher) runSubscriber(ctx context.Context, id ledger.OperationID) {
	if d.cfg.Client.IsRecovering() {
		log.Infof("Client is recovering, not subscribing to %v", id)
		return
	}

	op, err := d.cfg.Client.GetOperation(ctx, id)
	if err != nil {
		log.Errorf("Unable to fetch operation %v: %v", id, err)
		return
	}

	log.Debugf("Subscribing to %v operation %v", op.Variant, id)

	err = d.subscribe(ctx, op, func(state ledger.OperationState) {
		d.handleUpdate(ctx, op, state)
	})
	switch {
	case errors.Is(err, context.Canceled):
		log.Debugf("Subscriber of %v stopped", id)

	case err != nil:
		log.Errorf("Subscriber of %v %v operation failed: %v",
			op.Variant, id, err)
	}
}

// subscribe attaches to the update stream matching the variant of the
// operation and feeds every update to handle until the stream ends.
func (d *Dispatcher) subscribe(ctx context.Context, op *ledger.Operation,
	handle func(ledger.OperationState)) error {

	client := d.cfg.Client

	switch op.Variant {
	case ledger.VariantLnPay, ledger.VariantLnReceive:
		ln, err := client.Lightning()
		if err != nil {
			return fmt.Errorf("unable to attach: %w", err)
		}

		if op.Variant == ledger.VariantLnPay {
			sub, err := ln.SubscribePay(ctx, op.ID)
			return drain(ctx, sub, err, handle)
		}

		sub, err := ln.SubscribeReceive(ctx, op.ID)
		return drain(ctx, sub, err, handle)

	case ledger.VariantDeposit, ledger.VariantWithdraw:
		wallet, err := client.OnChain()
		if err != nil {
			return fmt.Errorf("unable to attach: %w", err)
		}

		if op.Variant == ledger.VariantDeposit {
			sub, err := wallet.SubscribeDeposit(ctx, op.ID)
			return drain(ctx, sub, err, handle)
		}

		sub, err := wallet.SubscribeWithdraw(ctx, op.ID)
		return drain(ctx, sub, err, handle)

	case ledger.VariantSpendOOB, ledger.VariantReissue:
		mint, err := client.Mint()
		if err != nil {
			return fmt.Errorf("unable to attach: %w", err)
		}

		if op.Variant == ledger.VariantSpendOOB {
			sub, err := mint.SubscribeSpendOOB(ctx, op.ID)
			return drain(ctx, sub, err, handle)
		}

		sub, err := mint.SubscribeReissue(ctx, op.ID)
		return drain(ctx, sub, err, handle)

	case ledger.VariantSPDeposit, ledger.VariantSPWithdraw,
		ledger.VariantSPTransfer, ledger.VariantSPExternalTransferIn:

		pool, err := client.StabilityPool()
		if err != nil {
			return fmt.Errorf("unable to attach: %w", err)
		}

		switch op.Variant {
		case ledger.VariantSPDeposit:
			sub, err := pool.SubscribeDeposit(ctx, op.ID)
			return drain(ctx, sub, err, handle)

		case ledger.VariantSPWithdraw:
			sub, err := pool.SubscribeWithdraw(ctx, op.ID)
			return drain(ctx, sub, err, handle)

		case ledger.VariantSPTransfer:
			sub, err := pool.SubscribeTransfer(ctx, op.ID)
			return drain(ctx, sub, err, handle)

		default:
			sub, err := pool.SubscribeExternalTransferIn(
				ctx, op.ID,
			)
			return drain(ctx, sub, err, handle)
		}

	default:
		log.Warnf("Ignoring operation %v of unknown variant %v",
			op.ID, op.Variant)

		return nil
	}
}

// drain feeds every update of the subscription to handle until the stream
// ends, breaks off or the context is cancelled.
func drain[T ledger.OperationState](ctx context.Context,
	sub *ledger.Subscription[T], subErr error,
	handle func(ledger.OperationState)) error {

	if subErr != nil {
		return fmt.Errorf("unable to attach: %w", subErr)
	}
	defer sub.Cancel()

	for {
		select {
		case state, ok := <-sub.Updates:
			if !ok {
				return nil
			}

			handle(state)

		case err := <-sub.Errors:
			return fmt.Errorf("update stream failed: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleUpdate caches the state, resolves the fee of a terminal state and
// publishes the update.
func (d *Dispatcher) handleUpdate(ctx context.Context, op *ledger.Operation,
	state ledger.OperationState) {

	log.Debugf("Operation %v update: %v", op.ID, state)
	log.Tracef("Operation %v state: %v", op.ID, spew.Sdump(state))

	class := classify(state)
	terminal := state.IsTerminal()

	d.cacheState(op, state, class.outcome)

	var feeStatus *fees.Status
	if terminal {
		feeStatus = d.resolve(ctx, op, state, class)
	}

	settled := d.settle(op.ID, terminal)
	if op.Meta.Internal {
		return
	}

	d.publish(newWalletEvent(
		op, state, class.outcome, feeStatus, settled.UpdatedAt,
	))
}

func (d *Dispatcher) cacheState(op *ledger.Operation,
	state ledger.OperationState, outcome Outcome) {

	d.cacheMtx.Lock()
	defer d.cacheMtx.Unlock()

	entry, ok := d.cache[op.ID]
	if !ok {
		entry = &cacheEntry{}
		d.cache[op.ID] = entry
	}

	// Settled stays set when a terminal state is replayed.
	entry.Operation = *op
	entry.State = state
	entry.Outcome = outcome
	entry.UpdatedAt = d.cfg.Clock.Now()
}

// settle marks a processed terminal state as settled and wakes up everyone
// waiting for it.
func (d *Dispatcher) settle(id ledger.OperationID, terminal bool) CachedState {
	d.cacheMtx.Lock()
	defer d.cacheMtx.Unlock()

	entry := d.cache[id]
	if !terminal {
		return entry.CachedState
	}

	entry.Settled = true
	for _, waiter := range entry.waiters {
		waiter <- waitResult{state: entry.CachedState}
	}
	entry.waiters = nil

	return entry.CachedState
}

// releaseWaiters wakes up the callers still waiting on an operation whose
// subscriber ended. It must run after the subscriber left the active set.
func (d *Dispatcher) releaseWaiters(id ledger.OperationID) {
	d.cacheMtx.Lock()
	defer d.cacheMtx.Unlock()

	entry, ok := d.cache[id]
	if !ok || entry.Settled {
		return
	}

	for _, waiter := range entry.waiters {
		waiter <- waitResult{state: entry.CachedState, exited: true}
	}
	entry.waiters = nil
}

// resolve applies the fee ledger call the terminal state demands. Errors are
// logged and never stop the subscriber: a later replay of the same terminal
// state resolves again.
func (d *Dispatcher) resolve(ctx context.Context, op *ledger.Operation,
	state ledger.OperationState, class classification) *fees.Status {

	if op.Meta.FeeRemittance {
		d.resolveRemittance(ctx, op, class)
		return nil
	}

	if op.Meta.Internal || class.action == feeActionNone {
		return nil
	}

	var (
		didWrite bool
		status   fees.Status
		err      error
	)
	switch class.action {
	case feeActionSuccessSend:
		didWrite, status, err = d.cfg.Fees.WriteSuccessSend(ctx, op.ID)

	case feeActionFailedSend:
		didWrite, status, err = d.cfg.Fees.WriteFailedSend(ctx, op.ID)

	case feeActionSuccessReceive:
		didWrite, status, err = d.cfg.Fees.WriteSuccessReceive(
			ctx, op.ID, class.settled,
		)

	case feeActionFailedReceive:
		didWrite, status, err = d.cfg.Fees.WriteFailedReceive(
			ctx, op.ID,
		)
	}

	switch {
	case fees.IsNothingToResolve(err):
		log.Debugf("Operation %v carries no service fee", op.ID)
		return nil

	case fn.IsCritical(err):
		log.Criticalf("Unable to resolve fee of %v on %v: %v", op.ID,
			state, err)
		if d.cfg.OnCriticalError != nil {
			d.cfg.OnCriticalError(err)
		}

		return nil

	case err != nil:
		log.Errorf("Unable to resolve fee of %v on %v, retrying on "+
			"next delivery: %v", op.ID, state, err)
		return nil
	}

	if didWrite {
		log.Infof("Resolved fee of %v operation %v: %v", op.Variant,
			op.ID, status)
	}

	return &status
}

// resolveRemittance finalizes the remittance record of a fee payment. A
// payment whose record is missing gets it rebuilt from its metadata first.
func (d *Dispatcher) resolveRemittance(ctx context.Context,
	op *ledger.Operation, class classification) {

	write := func() (bool, error) {
		switch class.outcome {
		case OutcomeSuccess:
			return d.cfg.Fees.WriteRemittanceSuccess(ctx, op.ID)

		default:
			return d.cfg.Fees.WriteRemittanceFailed(ctx, op.ID)
		}
	}

	if class.outcome != OutcomeSuccess && class.outcome != OutcomeFailed {
		return
	}

	didWrite, err := write()
	if errors.Is(err, fees.ErrRemittanceNotFound) {
		pair, amt, metaErr := fees.RemittanceFromMeta(op.Meta)
		if metaErr != nil {
			log.Warnf("No remittance record for fee payment %v: "+
				"%v", op.ID, metaErr)
			return
		}

		log.Warnf("Recording missing remittance %v of %v over %v",
			op.ID, pair, amt)

		err = d.cfg.Fees.WriteRemittancePending(ctx, op.ID, pair, amt)
		if err == nil {
			didWrite, err = write()
		}
	}

	switch {
	case err != nil:
		log.Errorf("Unable to resolve remittance %v: %v", op.ID, err)

	case didWrite:
		log.Infof("Fee remittance %v finished: %v", op.ID,
			class.outcome)
	}
}

// publish sends the event to all subscribers.
func (d *Dispatcher) publish(event *WalletEvent) {
	d.subscriberMtx.Lock()
	defer d.subscriberMtx.Unlock()

	for _, sub := range d.subscribers {
		sub.NewItemCreated.ChanIn() <- event
	}
}

// CachedState returns the last seen state of an operation.
func (d *Dispatcher) CachedState(id ledger.OperationID) (*CachedState, bool) {
	d.cacheMtx.RLock()
	defer d.cacheMtx.RUnlock()

	entry, ok := d.cache[id]
	if !ok || entry.State == nil {
		return nil, false
	}

	state := entry.CachedState
	return &state, true
}

// AwaitTerminal waits until the terminal state of the operation was
// processed, including its fee resolution. The operation is tracked if it
// isn't already. Giving up on the wait leaves the operation running.
//
// A subscriber that was already on its way out when the caller registered is
// replaced once. If the replacement also ends without a terminal state,
// ErrSubscriberExited is returned.
func (d *Dispatcher) AwaitTerminal(ctx context.Context,
	id ledger.OperationID) (*CachedState, error) {

	for retried := false; ; retried = true {
		waiter := make(chan waitResult, 1)

		d.cacheMtx.Lock()
		entry, ok := d.cache[id]
		switch {
		case ok && entry.Settled:
			state := entry.CachedState
			d.cacheMtx.Unlock()

			return &state, nil

		case !ok:
			entry = &cacheEntry{}
			d.cache[id] = entry
		}
		entry.waiters = append(entry.waiters, waiter)
		d.cacheMtx.Unlock()

		d.Track(id)

		select {
		case res := <-waiter:
			if !res.exited {
				return &res.state, nil
			}
			if retried {
				return nil, fmt.Errorf("%w: %v",
					ErrSubscriberExited, id)
			}

			log.Debugf("Subscriber of %v exited, tracking again",
				id)

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-d.Quit:
			return nil, ErrShuttingDown
		}
	}
}

// RegisterSubscriber adds a new subscriber for wallet events. If
// deliverExisting is set, the cached states of all user visible operations
// updated at or after deliverFrom are delivered first.
func (d *Dispatcher) RegisterSubscriber(
	receiver *fn.EventReceiver[*WalletEvent], deliverExisting bool,
	deliverFrom time.Time) error {

	d.subscriberMtx.Lock()
	defer d.subscriberMtx.Unlock()

	d.subscribers[receiver.ID()] = receiver

	if !deliverExisting {
		return nil
	}

	d.cacheMtx.RLock()
	var existing []*WalletEvent
	for _, entry := range d.cache {
		if entry.State == nil || entry.Operation.Meta.Internal {
			continue
		}
		if entry.UpdatedAt.Before(deliverFrom) {
			continue
		}

		op := entry.Operation
		existing = append(existing, newWalletEvent(
			&op, entry.State, entry.Outcome, nil, entry.UpdatedAt,
		))
	}
	d.cacheMtx.RUnlock()

	for _, event := range existing {
		receiver.NewItemCreated.ChanIn() <- event
	}

	return nil
}

// RemoveSubscriber removes the given subscriber and stops it.
func (d *Dispatcher) RemoveSubscriber(
	subscriber *fn.EventReceiver[*WalletEvent]) error {

	d.subscriberMtx.Lock()
	defer d.subscriberMtx.Unlock()

	_, ok := d.subscribers[subscriber.ID()]
	if !ok {
		return fmt.Errorf("subscriber with ID %d not found",
			subscriber.ID())
	}

	subscriber.Stop()
	delete(d.subscribers, subscriber.ID())

	return nil
}
