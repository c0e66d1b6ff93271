package fees

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightninglabs/fedwallet/fn"
	"github.com/lightninglabs/fedwallet/internal/test"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const defaultTimeout = 5 * time.Second

type mutexLocker struct {
	sync.Mutex
}

func (m *mutexLocker) WithSpendLock(_ context.Context, f func() error) error {
	m.Lock()
	defer m.Unlock()

	return f()
}

type fakeInvoiceSource struct {
	t *testing.T

	mu        sync.Mutex
	requested []lnwire.MilliSatoshi
}

func (f *fakeInvoiceSource) FetchInvoice(_ context.Context,
	amt lnwire.MilliSatoshi, _ string) (string, error) {

	f.mu.Lock()
	f.requested = append(f.requested, amt)
	f.mu.Unlock()

	return test.NewInvoice(f.t, testNet, amt).PayReq, nil
}

// TestRemitter makes sure outstanding fees are remitted once they pass the
// threshold, and that a failed remittance is retried on the next sweep.
func TestRemitter(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newLedgerHarness(t)

	invoices := &fakeInvoiceSource{t: t}
	sweepTicker := ticker.NewForce(time.Hour)
	tracked := make(chan ledger.OperationID, 10)

	remitter := NewRemitter(&RemitterConfig{
		Ledger:      h.ledger,
		Client:      h.client,
		Guard:       &mutexLocker{},
		Invoices:    invoices,
		Threshold:   2_000,
		SweepTicker: sweepTicker,
		Track: func(op ledger.OperationID) {
			tracked <- op
		},
	})
	require.NoError(t, remitter.Start())
	t.Cleanup(func() {
		require.NoError(t, remitter.Stop())
	})

	// A fee below the threshold isn't remitted.
	op := h.newSend(100_000)
	require.NoError(t, h.ledger.WritePendingSend(ctxb, op, 1_000))
	_, _, err := h.ledger.WriteSuccessSend(ctxb, op)
	require.NoError(t, err)
	require.NoError(t, remitter.RemitPair(ctxb, lnSend))
	h.assertCounters(lnSend, Counters{
		Outstanding:  1_000,
		TotalAccrued: 1_000,
	})

	// The next successful send passes the threshold and triggers the
	// remittance through the ledger hook.
	op2 := h.newSend(200_000)
	require.NoError(t, h.ledger.WritePendingSend(ctxb, op2, 2_000))
	_, _, err = h.ledger.WriteSuccessSend(ctxb, op2)
	require.NoError(t, err)

	remitOp, err := fn.RecvOrTimeout(tracked, defaultTimeout)
	require.NoError(t, err)

	h.assertCounters(lnSend, Counters{TotalAccrued: 3_000})

	// The routing fee of the payment comes out of the remitted amount.
	invoices.mu.Lock()
	require.Equal(t, []lnwire.MilliSatoshi{1_998}, invoices.requested)
	invoices.mu.Unlock()

	op3, err := h.client.GetOperation(ctxb, *remitOp)
	require.NoError(t, err)
	require.True(t, op3.Meta.Internal)
	require.True(t, op3.Meta.FeeRemittance)

	// The payment fails, so the amount is outstanding again and the
	// next sweep remits it once more.
	didWrite, err := h.ledger.WriteRemittanceFailed(ctxb, *remitOp)
	require.NoError(t, err)
	require.True(t, didWrite)
	h.assertCounters(lnSend, Counters{
		Outstanding:  3_000,
		TotalAccrued: 3_000,
	})

	sweepTicker.Force <- time.Now()

	remitOp2, err := fn.RecvOrTimeout(tracked, defaultTimeout)
	require.NoError(t, err)
	require.NotEqual(t, *remitOp, *remitOp2)

	// While a remittance is in flight, no second one is started.
	require.NoError(t, remitter.RemitPair(ctxb, lnSend))
	select {
	case <-tracked:
		t.Fatalf("unexpected second remittance")
	default:
	}

	didWrite, err = h.ledger.WriteRemittanceSuccess(ctxb, *remitOp2)
	require.NoError(t, err)
	require.True(t, didWrite)
	h.assertCounters(lnSend, Counters{TotalAccrued: 3_000})
}

// TestRemitterUnrecordedPayment makes sure a remittance payment whose record
// couldn't be written is still tracked, gets recorded on the next trigger and
// is never paid twice.
func TestRemitterUnrecordedPayment(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newLedgerHarness(t)

	tracked := make(chan ledger.OperationID, 10)
	remitter := NewRemitter(&RemitterConfig{
		Ledger:      h.ledger,
		Client:      h.client,
		Guard:       &mutexLocker{},
		Invoices:    &fakeInvoiceSource{t: t},
		Threshold:   2_000,
		SweepTicker: ticker.NewForce(time.Hour),
		Track: func(op ledger.OperationID) {
			tracked <- op
		},
	})

	op := h.newSend(300_000)
	require.NoError(t, h.ledger.WritePendingSend(ctxb, op, 3_000))
	_, _, err := h.ledger.WriteSuccessSend(ctxb, op)
	require.NoError(t, err)

	rawBefore, err := h.client.Balance(ctxb)
	require.NoError(t, err)

	// The payment starts, but its record can't be written.
	errStore := errors.New("db tx retries exceeded")
	h.store.FailNext = errStore
	err = remitter.RemitPair(ctxb, lnSend)
	require.ErrorIs(t, err, errStore)

	remitOp, err := fn.RecvOrTimeout(tracked, defaultTimeout)
	require.NoError(t, err)

	rawAfter, err := h.client.Balance(ctxb)
	require.NoError(t, err)
	require.Less(t, uint64(rawAfter), uint64(rawBefore))
	require.LessOrEqual(t, uint64(rawBefore-rawAfter), uint64(3_000))

	h.assertCounters(lnSend, Counters{
		Outstanding:  3_000,
		TotalAccrued: 3_000,
	})

	// The next trigger writes the record instead of paying again.
	require.NoError(t, remitter.RemitPair(ctxb, lnSend))
	require.NoError(t, remitter.RemitPair(ctxb, lnSend))
	select {
	case <-tracked:
		t.Fatalf("unexpected second remittance payment")
	default:
	}

	rawFinal, err := h.client.Balance(ctxb)
	require.NoError(t, err)
	require.Equal(t, rawAfter, rawFinal)

	h.assertCounters(lnSend, Counters{TotalAccrued: 3_000})

	inflight, err := h.ledger.Remittances(ctxb, true)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	require.Equal(t, *remitOp, inflight[0].Op)
	require.EqualValues(t, 3_000, inflight[0].Amount)

	// Recording the same payment again changes nothing.
	require.NoError(t, h.ledger.WriteRemittancePending(
		ctxb, *remitOp, lnSend, 3_000,
	))
	h.assertCounters(lnSend, Counters{TotalAccrued: 3_000})
}

// TestRemittanceMeta checks that the remitted pair and amount can be read
// back from a payment's metadata.
func TestRemittanceMeta(t *testing.T) {
	t.Parallel()

	meta := RemittanceMeta(lnSend, 4_200)
	require.True(t, meta.Internal)
	require.True(t, meta.FeeRemittance)

	pair, amt, err := RemittanceFromMeta(meta)
	require.NoError(t, err)
	require.Equal(t, lnSend, pair)
	require.EqualValues(t, 4_200, amt)

	_, _, err = RemittanceFromMeta(ledger.OperationMeta{})
	require.ErrorIs(t, err, ErrRemittanceMeta)

	meta.Extra[remitAmountKey] = "lots"
	_, _, err = RemittanceFromMeta(meta)
	require.ErrorIs(t, err, ErrRemittanceMeta)
}
