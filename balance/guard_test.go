package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/internal/test"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

type guardHarness struct {
	t       *testing.T
	client  *ledger.MockClient
	fees    *fees.Ledger
	balance *Service
	guard   *SpendGuard
}

func newGuardHarness(t *testing.T,
	balance lnwire.MilliSatoshi) *guardHarness {

	client := ledger.NewMockClient(&chaincfg.RegressionNetParams, balance)
	client.SetAutoSettle(ledger.VariantLnPay, false)

	feeLedger := fees.NewLedger(&fees.LedgerConfig{
		Store:      fees.NewMockStore(),
		Operations: client,
		Clock:      clock.NewTestClock(time.Unix(1, 0)),
	})
	svc := NewService(&ServiceConfig{
		Raw:  client,
		Fees: feeLedger,
	})

	return &guardHarness{
		t:       t,
		client:  client,
		fees:    feeLedger,
		balance: svc,
		guard:   NewSpendGuard(svc),
	}
}

// submitPay returns a submit function that pays amt internally and records
// the pending fee.
func (h *guardHarness) submitPay(amt,
	fee lnwire.MilliSatoshi) func(context.Context) error {

	return func(ctx context.Context) error {
		ln, err := h.client.Lightning()
		if err != nil {
			return err
		}

		op, err := ln.Pay(ctx, &ledger.PayRequest{
			Amount:      amt,
			PaymentHash: test.RandHash(),
		})
		if err != nil {
			return err
		}

		return h.fees.WritePendingSend(ctx, op, fee)
	}
}

func (h *guardHarness) assertVirtual(expected lnwire.MilliSatoshi) {
	h.t.Helper()

	virtual, err := h.balance.VirtualBalance(context.Background())
	require.NoError(h.t, err)
	require.Equal(h.t, expected, virtual)
}

// TestSpendReservesFee checks that a send's fee is held back from the
// virtual balance while pending and after success.
func TestSpendReservesFee(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newGuardHarness(t, 100_000)

	fee := fees.FeeForAmount(50_000, 10_000)
	require.EqualValues(t, 500, fee)

	err := h.guard.Spend(ctxb, &SpendRequest{
		Amount: 50_000,
		Fee:    fee,
		FeePPM: 10_000,
	}, h.submitPay(50_000, fee))
	require.NoError(t, err)

	h.assertVirtual(49_500)

	breakdown, err := h.balance.Breakdown(ctxb)
	require.NoError(t, err)
	require.Equal(t, &Breakdown{
		Raw:     50_000,
		Pending: 500,
		Virtual: 49_500,
	}, breakdown)
}

// TestSpendInsufficientBalance checks the rejection of an over-limit spend
// and its max spend hint.
func TestSpendInsufficientBalance(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newGuardHarness(t, 1_000)

	var called bool
	err := h.guard.Spend(ctxb, &SpendRequest{
		Amount: 2_000,
		Fee:    fees.FeeForAmount(2_000, 10_000),
		FeePPM: 10_000,
	}, func(context.Context) error {
		called = true
		return nil
	})
	require.False(t, called)

	var balanceErr *InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
	require.Equal(t, &InsufficientBalanceError{
		Requested: 2_000,
		Fee:       20,
		Available: 1_000,
		Max:       990,
	}, balanceErr)

	// An amount that overflows with its fee is rejected too.
	err = h.guard.Spend(ctxb, &SpendRequest{
		Amount: ^lnwire.MilliSatoshi(0),
		Fee:    1,
	}, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorAs(t, err, &balanceErr)
	require.False(t, called)
}

// TestConcurrentSpends makes sure concurrent spends never overdraw the
// balance.
func TestConcurrentSpends(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		balance   lnwire.MilliSatoshi
		amount    lnwire.MilliSatoshi
		fee       lnwire.MilliSatoshi
		spenders  int
		successes int
		remaining lnwire.MilliSatoshi
	}{{
		name:      "two spends of 600 against 1000",
		balance:   1_000,
		amount:    600,
		spenders:  2,
		successes: 1,
		remaining: 400,
	}, {
		name:      "ten spends of 150 plus fee against 1000",
		balance:   1_000,
		amount:    150,
		fee:       10,
		spenders:  10,
		successes: 6,
		remaining: 40,
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newGuardHarness(t, tc.balance)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				rejected  []*InsufficientBalanceError
			)
			for i := 0; i < tc.spenders; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()

					err := h.guard.Spend(
						context.Background(),
						&SpendRequest{
							Amount: tc.amount,
							Fee:    tc.fee,
						},
						h.submitPay(tc.amount, tc.fee),
					)

					mu.Lock()
					defer mu.Unlock()

					var balanceErr *InsufficientBalanceError
					switch {
					case err == nil:
						successes++

					case errors.As(err, &balanceErr):
						rejected = append(
							rejected, balanceErr,
						)

					default:
						t.Errorf("unexpected error: %v",
							err)
					}
				}()
			}
			wg.Wait()

			require.Equal(t, tc.successes, successes)
			require.Len(t, rejected, tc.spenders-tc.successes)
			for _, r := range rejected {
				require.Less(
					t, r.Available, tc.amount+tc.fee,
				)
			}

			h.assertVirtual(tc.remaining)
		})
	}
}

var (
	ecashSend = fees.Pair{
		Module:    ledger.ModuleEcash,
		Direction: ledger.DirectionSend,
	}
	lnReceive = fees.Pair{
		Module:    ledger.ModuleLightning,
		Direction: ledger.DirectionReceive,
	}
)

type staticSource struct {
	raw      lnwire.MilliSatoshi
	counters fees.CounterSet
}

func (s *staticSource) Balance(context.Context) (lnwire.MilliSatoshi, error) {
	return s.raw, nil
}

func (s *staticSource) Counters(context.Context) (fees.CounterSet, error) {
	return s.counters, nil
}

// TestVirtualBalanceClamped makes sure reserved fees above the raw balance
// never produce a negative or wrapped virtual balance.
func TestVirtualBalanceClamped(t *testing.T) {
	t.Parallel()

	src := &staticSource{
		raw: 100,
		counters: fees.CounterSet{
			ecashSend: {Pending: 60},
			lnReceive: {Outstanding: 70},
		},
	}
	svc := NewService(&ServiceConfig{Raw: src, Fees: src})

	virtual, err := svc.VirtualBalance(context.Background())
	require.NoError(t, err)
	require.Zero(t, virtual)

	src.raw = 200
	virtual, err = svc.VirtualBalance(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 70, virtual)
}

// TestSpendGuardCancel makes sure waiting for the guard respects the
// context.
func TestSpendGuardCancel(t *testing.T) {
	t.Parallel()

	h := newGuardHarness(t, 1_000)

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.guard.WithSpendLock(context.Background(), func() error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked
	defer close(release)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	err := h.guard.Spend(ctx, &SpendRequest{Amount: 1}, func(
		context.Context) error {

		t.Fatalf("submit must not run")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
