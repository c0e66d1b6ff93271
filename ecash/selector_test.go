package ecash

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Unix(1_700_000_000, 0)

	ecashSend = fees.Pair{
		Module:    ledger.ModuleEcash,
		Direction: ledger.DirectionSend,
	}
)

type selectorHarness struct {
	t        *testing.T
	client   *ledger.MockClient
	fees     *fees.Ledger
	guard    *balance.SpendGuard
	selector *Selector

	mu      sync.Mutex
	tracked []ledger.OperationID
	states  []SelectState
}

func newSelectorHarness(t *testing.T, bal lnwire.MilliSatoshi, ppm uint64,
	mint MintSource) *selectorHarness {

	client := ledger.NewMockClient(&chaincfg.RegressionNetParams, bal)
	feeLedger := fees.NewLedger(&fees.LedgerConfig{
		Store:      fees.NewMockStore(),
		Operations: client,
		Clock:      clock.NewTestClock(testTime),
	})
	guard := balance.NewSpendGuard(balance.NewService(
		&balance.ServiceConfig{
			Raw:  client,
			Fees: feeLedger,
		},
	))

	if mint == nil {
		mint = client
	}

	h := &selectorHarness{
		t:      t,
		client: client,
		fees:   feeLedger,
		guard:  guard,
	}
	h.selector = NewSelector(&SelectorConfig{
		Mint:  mint,
		Guard: guard,
		Fees:  feeLedger,
		Schedule: fees.NewSchedule(map[fees.Pair]uint64{
			ecashSend: ppm,
		}),
		Clock: autoClock(t),
		Track: func(op ledger.OperationID) {
			h.mu.Lock()
			h.tracked = append(h.tracked, op)
			h.mu.Unlock()
		},
		Timeout:        5 * time.Second,
		ReissueTimeout: time.Second,
		RetryDelay:     time.Millisecond,
		TryCancelAfter: time.Hour,
		OnStateStep: func(s SelectState) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
	})

	return h
}

// autoClock returns a test clock that moves forward by every duration a
// ticker is registered with.
func autoClock(t *testing.T) *clock.TestClock {
	ticks := make(chan time.Duration)
	testClock := clock.NewTestClockWithTickSignal(testTime, ticks)

	quit := make(chan struct{})
	t.Cleanup(func() { close(quit) })

	go func() {
		for {
			select {
			case d := <-ticks:
				testClock.SetTime(testClock.Now().Add(d))

			case <-quit:
				return
			}
		}
	}()

	return testClock
}

func (h *selectorHarness) operation(id ledger.OperationID) *ledger.Operation {
	h.t.Helper()

	op, err := h.client.GetOperation(context.Background(), id)
	require.NoError(h.t, err)

	return op
}

// TestGenerateExact tests handing out notes when the inventory covers the
// amount exactly.
func TestGenerateExact(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newSelectorHarness(t, 100_000, 10_000, nil)

	sel, err := h.selector.Generate(ctxb, 50_000, true)
	require.NoError(t, err)
	require.EqualValues(t, 50_000, sel.Amount)
	require.EqualValues(t, 500, sel.Fee)
	require.Equal(t, testTime.Add(time.Hour), sel.CancelAt)
	require.Contains(t, sel.Notes, "invite")

	require.Equal(t, []SelectState{StateSelecting}, h.states)
	require.Equal(t, []ledger.OperationID{sel.OperationID}, h.tracked)
	require.False(t, h.operation(sel.OperationID).Meta.Internal)

	status, err := h.fees.FeeStatus(ctxb, sel.OperationID)
	require.NoError(t, err)
	require.Equal(t, fees.Status{
		Kind: fees.StatusPendingSend,
		Fee:  500,
	}, status.Status)

	pending, err := h.fees.PendingFees(ctxb)
	require.NoError(t, err)
	require.EqualValues(t, 500, pending)
}

// TestGenerateOvershoot tests that a single large note is spent to the
// wallet itself and reissued before the exact bundle is handed out.
func TestGenerateOvershoot(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newSelectorHarness(t, 0, 0, nil)
	h.client.SetNotes(map[lnwire.MilliSatoshi]int{1024: 1})

	sel, err := h.selector.Generate(ctxb, 600, false)
	require.NoError(t, err)
	require.EqualValues(t, 600, sel.Amount)

	require.Equal(t, []SelectState{
		StateSelecting, StateOvershot, StateReissuing, StateRetrying,
		StateSelecting,
	}, h.states)

	// The overshoot spend and its reissuance are internal, only the exact
	// spend is a user visible send.
	require.Len(t, h.tracked, 3)
	for _, id := range h.tracked[:2] {
		require.True(t, h.operation(id).Meta.Internal)

		_, err := h.fees.FeeStatus(ctxb, id)
		require.ErrorIs(t, err, fees.ErrFeeStatusNotFound)
	}
	require.Equal(t, sel.OperationID, h.tracked[2])
	require.False(t, h.operation(sel.OperationID).Meta.Internal)

	raw, err := h.client.Balance(ctxb)
	require.NoError(t, err)
	require.EqualValues(t, 424, raw)
}

// TestGenerateRetryFollowsClock makes sure the pause between two selection
// rounds is measured by the configured clock.
func TestGenerateRetryFollowsClock(t *testing.T) {
	t.Parallel()

	h := newSelectorHarness(t, 0, 0, nil)
	h.client.SetNotes(map[lnwire.MilliSatoshi]int{1024: 1})

	ticks := make(chan time.Duration)
	testClock := clock.NewTestClockWithTickSignal(testTime, ticks)
	h.selector.cfg.Clock = testClock
	h.selector.cfg.RetryDelay = time.Minute

	type result struct {
		sel *Selection
		err error
	}
	results := make(chan result, 1)
	go func() {
		sel, err := h.selector.Generate(
			context.Background(), 600, false,
		)
		results <- result{sel, err}
	}()

	select {
	case d := <-ticks:
		require.Equal(t, time.Minute, d)

	case <-time.After(5 * time.Second):
		t.Fatal("selection never waited for a retry")
	}

	// Wall clock time alone doesn't end the pause.
	select {
	case res := <-results:
		t.Fatalf("selection finished before the clock moved: %v",
			res.err)

	case <-time.After(50 * time.Millisecond):
	}

	testClock.SetTime(testTime.Add(time.Minute))

	var res result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("selection didn't resume")
	}
	require.NoError(t, res.err)
	require.EqualValues(t, 600, res.sel.Amount)
	require.Equal(t, testTime.Add(time.Minute+time.Hour), res.sel.CancelAt)
}

// lockCheckMint reports whether the spend guard is held while overshoot
// notes are spent.
type lockCheckMint struct {
	ledger.MintModule

	guard *balance.SpendGuard
	held  chan bool
}

func (l *lockCheckMint) SpendNotes(ctx context.Context,
	req *ledger.SpendRequest) (ledger.OperationID, *ledger.OOBNotes,
	error) {

	if req.Selection == ledger.SelectAtLeast {
		tryCtx, cancel := context.WithTimeout(
			ctx, 20*time.Millisecond,
		)
		err := l.guard.WithSpendLock(tryCtx, func() error {
			return nil
		})
		cancel()

		l.held <- err != nil
	}

	return l.MintModule.SpendNotes(ctx, req)
}

type lockCheckSource struct {
	client *ledger.MockClient
	mint   *lockCheckMint
}

func (l *lockCheckSource) Mint() (ledger.MintModule, error) {
	mint, err := l.client.Mint()
	if err != nil {
		return nil, err
	}
	l.mint.MintModule = mint

	return l.mint, nil
}

// TestGenerateOvershootGuarded makes sure the overshoot spend runs under the
// spend guard.
func TestGenerateOvershootGuarded(t *testing.T) {
	t.Parallel()

	source := &lockCheckSource{
		mint: &lockCheckMint{held: make(chan bool, 1)},
	}
	h := newSelectorHarness(t, 0, 0, source)
	source.client = h.client
	source.mint.guard = h.guard
	h.client.SetNotes(map[lnwire.MilliSatoshi]int{1024: 1})

	_, err := h.selector.Generate(context.Background(), 600, false)
	require.NoError(t, err)

	select {
	case held := <-source.mint.held:
		require.True(t, held)

	default:
		t.Fatal("no overshoot spend")
	}
}

// TestGenerateInsufficientBalance tests that the balance check includes the
// fee and reports the max spendable amount.
func TestGenerateInsufficientBalance(t *testing.T) {
	t.Parallel()

	h := newSelectorHarness(t, 1_000, 10_000, nil)

	_, err := h.selector.Generate(context.Background(), 2_000, false)

	var balanceErr *balance.InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
	require.EqualValues(t, 1_000, balanceErr.Available)
	require.EqualValues(t, 990, balanceErr.Max)
	require.Empty(t, h.tracked)
}

// TestGenerateConcurrent makes sure two concurrent selections can't both
// spend the same balance.
func TestGenerateConcurrent(t *testing.T) {
	t.Parallel()

	h := newSelectorHarness(t, 1_000, 0, nil)

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := h.selector.Generate(
				context.Background(), 600, false,
			)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes int
	for err := range errs {
		if err == nil {
			successes++
			continue
		}

		var balanceErr *balance.InsufficientBalanceError
		require.ErrorAs(t, err, &balanceErr)
		require.EqualValues(t, 400, balanceErr.Available)
	}
	require.Equal(t, 1, successes)
}

// noExactMint never finds an exact note combination.
type noExactMint struct {
	ledger.MintModule
}

func (n *noExactMint) SpendNotes(ctx context.Context,
	req *ledger.SpendRequest) (ledger.OperationID, *ledger.OOBNotes,
	error) {

	if req.Selection == ledger.SelectExact {
		return ledger.ZeroOperationID, nil, ledger.ErrNoExactNotes
	}

	return n.MintModule.SpendNotes(ctx, req)
}

type noExactSource struct {
	client *ledger.MockClient
}

func (n *noExactSource) Mint() (ledger.MintModule, error) {
	mint, err := n.client.Mint()
	if err != nil {
		return nil, err
	}

	return &noExactMint{MintModule: mint}, nil
}

// TestGenerateTimeout tests that the selection loop gives up once its
// timeout expires.
func TestGenerateTimeout(t *testing.T) {
	t.Parallel()

	source := &noExactSource{}
	h := newSelectorHarness(t, 1_000, 0, source)
	source.client = h.client
	h.selector.cfg.Clock = clock.NewDefaultClock()
	h.selector.cfg.Timeout = 200 * time.Millisecond
	h.selector.cfg.RetryDelay = 10 * time.Millisecond

	_, err := h.selector.Generate(context.Background(), 600, false)
	require.ErrorIs(t, err, ErrSelectNotes)

	h.mu.Lock()
	require.Greater(t, len(h.states), 5)
	require.Equal(t, StateSelecting, h.states[0])
	require.Equal(t, StateOvershot, h.states[1])
	h.mu.Unlock()

	// A cancelled caller context is reported as such.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.selector.Generate(ctx, 600, false)
	require.True(t, errors.Is(err, context.Canceled))
	require.False(t, errors.Is(err, ErrSelectNotes))
}

// TestSelectStateString makes sure every state has a name.
func TestSelectStateString(t *testing.T) {
	t.Parallel()

	for s := StateSelecting; s <= StateComplete; s++ {
		require.NotContains(t, s.String(), "unknown")
	}
	require.Equal(t, "<unknown_state(9)>", SelectState(9).String())
}
