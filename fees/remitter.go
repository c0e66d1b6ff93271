package fees

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lightninglabs/fedwallet/fn"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnd/zpay32"
)

const (
	// defaultRemitTimeout bounds a single remittance attempt.
	defaultRemitTimeout = 2 * time.Minute

	// remittanceMemo is the memo of remittance invoices.
	remittanceMemo = "service fee remittance"
)

const (
	// Metadata keys of a remittance payment. They let the record be
	// rebuilt if it couldn't be written when the payment started.
	remitModuleKey    = "remit_module"
	remitDirectionKey = "remit_direction"
	remitAmountKey    = "remit_amount_msat"
)

var (
	// ErrRemittanceMeta is returned if a payment carries no usable
	// remittance metadata.
	ErrRemittanceMeta = errors.New("invalid remittance metadata")

	// ErrRemittanceBalance is returned if the wallet can't cover a
	// remittance payment without touching reserved fees.
	ErrRemittanceBalance = errors.New("insufficient balance to remit fees")
)

// RemitterConfig holds the collaborators of the fee remitter.
type RemitterConfig struct {
	// Ledger is the fee ledger whose outstanding fees are remitted.
	Ledger *Ledger

	// Client is the ledger client used to pay the beneficiary.
	Client ledger.Client

	// Guard serializes the remittance payment with user spends.
	Guard SpendLocker

	// Invoices hands out the beneficiary's invoices.
	Invoices InvoiceSource

	// Threshold is the outstanding amount of a pair at which it is
	// remitted.
	Threshold lnwire.MilliSatoshi

	// SweepTicker periodically triggers a check of all pairs.
	SweepTicker ticker.Ticker

	// Track hands a started remittance payment to the operation
	// dispatcher, which resolves the remittance once the payment ends.
	Track func(op ledger.OperationID)

	// ErrChan is used to report errors of the remitter. It is optional.
	ErrChan chan<- error
}

// Remitter pays the outstanding service fees of a pair to the fee
// beneficiary once they pass a threshold. It runs after every successful send
// and on a periodic sweep. A failed remittance credits the amount back to the
// outstanding counter and is retried on the next trigger.
type Remitter struct {
	startOnce sync.Once
	stopOnce  sync.Once

	cfg *RemitterConfig

	triggers chan Pair

	// remitMtx serializes remittance attempts so the in-flight check
	// and the payment can't interleave.
	remitMtx sync.Mutex

	// unrecorded holds started payments whose remittance record
	// couldn't be written yet. No new remittance of the pair starts
	// until the record is written.
	unrecorded map[Pair]Remittance

	*fn.ContextGuard
}

// NewRemitter creates a new fee remitter.
func NewRemitter(cfg *RemitterConfig) *Remitter {
	return &Remitter{
		cfg:          cfg,
		triggers:     make(chan Pair, len(AllPairs())),
		unrecorded:   make(map[Pair]Remittance),
		ContextGuard: fn.NewContextGuard(defaultRemitTimeout),
	}
}

// Start registers the remitter with the fee ledger and starts the remittance
// loop.
func (r *Remitter) Start() error {
	r.startOnce.Do(func() {
		log.Infof("Starting fee remitter, threshold=%v",
			r.cfg.Threshold)

		r.cfg.Ledger.OnSendSuccess(r.Notify)

		r.cfg.SweepTicker.Resume()

		r.Wg.Add(1)
		go r.remitLoop()
	})

	return nil
}

// Stop stops the remittance loop.
func (r *Remitter) Stop() error {
	r.stopOnce.Do(func() {
		log.Infof("Stopping fee remitter")

		r.cfg.SweepTicker.Stop()
		r.ContextGuard.Stop()
	})

	return nil
}

// Notify asks the remitter to check the pair. It never blocks, a trigger
// that doesn't fit the queue is picked up by the next sweep.
func (r *Remitter) Notify(pair Pair) {
	select {
	case r.triggers <- pair:
	default:
		log.Tracef("Remittance trigger for %v dropped", pair)
	}
}

func (r *Remitter) remitLoop() {
	defer r.Wg.Done()

	for {
		select {
		case pair := <-r.triggers:
			r.tryRemit(pair)

		case <-r.cfg.SweepTicker.Ticks():
			for _, pair := range AllPairs() {
				r.tryRemit(pair)
			}

		case <-r.Quit:
			return
		}
	}
}

func (r *Remitter) tryRemit(pair Pair) {
	ctx, cancel := r.WithCtxQuit()
	defer cancel()

	err := r.RemitPair(ctx, pair)
	if err == nil {
		return
	}

	log.Warnf("Unable to remit fees of %v: %v", pair, err)

	if r.cfg.ErrChan != nil {
		select {
		case r.cfg.ErrChan <- fmt.Errorf("fee remittance of %v: %w",
			pair, err):
		default:
		}
	}
}

// RemitPair pays the outstanding fees of the pair to the beneficiary if
// they reached the threshold and no remittance of the pair is in flight.
func (r *Remitter) RemitPair(ctx context.Context, pair Pair) error {
	r.remitMtx.Lock()
	defer r.remitMtx.Unlock()

	if rem, ok := r.unrecorded[pair]; ok {
		err := r.cfg.Ledger.WriteRemittancePending(
			ctx, rem.Op, pair, rem.Amount,
		)
		if err != nil {
			return fmt.Errorf("remittance %v of %v still "+
				"unrecorded: %w", rem.Op, pair, err)
		}

		delete(r.unrecorded, pair)
		return nil
	}

	counters, err := r.cfg.Ledger.Counters(ctx)
	if err != nil {
		return err
	}

	outstanding := counters[pair].Outstanding
	if outstanding == 0 || outstanding < r.cfg.Threshold {
		return nil
	}

	inflight, err := r.cfg.Ledger.Remittances(ctx, true)
	if err != nil {
		return err
	}
	for _, rem := range inflight {
		if rem.Pair == pair {
			log.Debugf("Remittance of %v already in flight "+
				"(op=%v)", pair, rem.Op)
			return nil
		}
	}

	ln, err := r.cfg.Client.Lightning()
	if err != nil {
		return err
	}
	gateway, err := ln.SelectGateway(ctx)
	if err != nil {
		return err
	}

	// The routing fee is paid out of the remitted amount.
	amt := MaxSpendable(outstanding, 0, gateway.BaseFee, gateway.FeePPM)
	for amt > 0 && amt+gateway.Fee(amt) > outstanding {
		amt--
	}
	if amt == 0 {
		log.Debugf("Outstanding %v fees of %v don't cover the "+
			"routing fee", outstanding, pair)
		return nil
	}

	invoice, err := r.cfg.Invoices.FetchInvoice(ctx, amt, remittanceMemo)
	if err != nil {
		return err
	}

	payReq, err := zpay32.Decode(invoice, r.cfg.Client.Network())
	if err != nil {
		return fmt.Errorf("invalid remittance invoice: %w", err)
	}
	if payReq.MilliSat == nil || *payReq.MilliSat != amt {
		return fmt.Errorf("remittance invoice amount mismatch, "+
			"requested %v", amt)
	}
	if payReq.PaymentHash == nil {
		return fmt.Errorf("remittance invoice without payment hash")
	}

	var opID ledger.OperationID
	err = r.cfg.Guard.WithSpendLock(ctx, func() error {
		raw, err := r.cfg.Client.Balance(ctx)
		if err != nil {
			return err
		}
		counters, err := r.cfg.Ledger.Counters(ctx)
		if err != nil {
			return err
		}

		// The outstanding fees of this pair are what is being spent,
		// everything else stays reserved.
		reserved := counters.TotalPending() +
			counters.TotalOutstanding() - counters[pair].Outstanding
		cost := amt + gateway.Fee(amt)
		if raw < reserved+cost {
			return fmt.Errorf("%w: raw=%v reserved=%v cost=%v",
				ErrRemittanceBalance, raw, reserved, cost)
		}

		opID, err = ln.Pay(ctx, &ledger.PayRequest{
			Invoice:     invoice,
			PaymentHash: *payReq.PaymentHash,
			Amount:      amt,
			Gateway:     gateway,
			Meta:        RemittanceMeta(pair, outstanding),
		})
		if err != nil {
			return err
		}

		err = r.cfg.Ledger.WriteRemittancePending(
			ctx, opID, pair, outstanding,
		)
		if err != nil {
			log.Errorf("Remittance payment %v started without its "+
				"record: %v", opID, err)

			r.unrecorded[pair] = Remittance{
				Op:     opID,
				Pair:   pair,
				Amount: outstanding,
			}
		}

		return err
	})
	if !opID.IsZero() && r.cfg.Track != nil {
		r.cfg.Track(opID)
	}

	return err
}

// RemittanceMeta returns the metadata of a payment that remits amt of the
// pair's outstanding fees.
func RemittanceMeta(pair Pair, amt lnwire.MilliSatoshi) ledger.OperationMeta {
	return ledger.OperationMeta{
		Internal:      true,
		FeeRemittance: true,
		Extra: map[string]string{
			remitModuleKey: strconv.FormatUint(
				uint64(pair.Module), 10,
			),
			remitDirectionKey: strconv.FormatUint(
				uint64(pair.Direction), 10,
			),
			remitAmountKey: strconv.FormatUint(uint64(amt), 10),
		},
	}
}

// RemittanceFromMeta parses the pair and the remitted amount from the
// metadata of a remittance payment.
func RemittanceFromMeta(meta ledger.OperationMeta) (Pair,
	lnwire.MilliSatoshi, error) {

	if !meta.FeeRemittance {
		return Pair{}, 0, fmt.Errorf("%w: not a remittance",
			ErrRemittanceMeta)
	}

	parse := func(key string, bitSize int) (uint64, error) {
		v, ok := meta.Extra[key]
		if !ok {
			return 0, fmt.Errorf("%w: missing %v",
				ErrRemittanceMeta, key)
		}

		n, err := strconv.ParseUint(v, 10, bitSize)
		if err != nil {
			return 0, fmt.Errorf("%w: %v: %v", ErrRemittanceMeta,
				key, err)
		}

		return n, nil
	}

	module, err := parse(remitModuleKey, 8)
	if err != nil {
		return Pair{}, 0, err
	}
	direction, err := parse(remitDirectionKey, 8)
	if err != nil {
		return Pair{}, 0, err
	}
	amt, err := parse(remitAmountKey, 64)
	if err != nil {
		return Pair{}, 0, err
	}

	return Pair{
		Module:    ledger.ModuleKind(module),
		Direction: ledger.Direction(direction),
	}, lnwire.MilliSatoshi(amt), nil
}
