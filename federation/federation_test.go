package federation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/dispatch"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/fn"
	"github.com/lightninglabs/fedwallet/internal/test"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const defaultTimeout = 5 * time.Second

var testNet = &chaincfg.RegressionNetParams

func pair(m ledger.ModuleKind, d ledger.Direction) fees.Pair {
	return fees.Pair{Module: m, Direction: d}
}

var testSchedule = map[fees.Pair]uint64{
	pair(ledger.ModuleLightning, ledger.DirectionSend):        10_000,
	pair(ledger.ModuleLightning, ledger.DirectionReceive):     5_000,
	pair(ledger.ModuleOnChain, ledger.DirectionSend):          2_000,
	pair(ledger.ModuleOnChain, ledger.DirectionReceive):       1_000,
	pair(ledger.ModuleEcash, ledger.DirectionSend):            1_000,
	pair(ledger.ModuleEcash, ledger.DirectionReceive):         2_000,
	pair(ledger.ModuleStabilityPool, ledger.DirectionSend):    1_000,
	pair(ledger.ModuleStabilityPool, ledger.DirectionReceive): 1_000,
}

type fedHarness struct {
	t      *testing.T
	client *ledger.MockClient
	store  *fees.MockStore
	errs   chan error
	fed    *Federation
}

func newFedHarness(t *testing.T, bal lnwire.MilliSatoshi) *fedHarness {
	return &fedHarness{
		t:      t,
		client: ledger.NewMockClient(testNet, bal),
		store:  fees.NewMockStore(),
		errs:   make(chan error, 10),
	}
}

// start creates and starts a federation wallet on the harness' client and
// store. It can be called again to simulate a restart.
func (h *fedHarness) start(mod func(*Config)) *Federation {
	h.t.Helper()

	cfg := &Config{
		Client:     h.client,
		FeeStore:   h.store,
		Schedule:   fees.NewSchedule(testSchedule),
		RPCTimeout: defaultTimeout,
		Ecash: EcashConfig{
			RetryDelay: time.Millisecond,
		},
		ErrChan: h.errs,
	}
	if mod != nil {
		mod(cfg)
	}

	fed := New(cfg)
	require.NoError(h.t, fed.Start())
	h.t.Cleanup(func() {
		require.NoError(h.t, fed.Stop())
	})

	h.fed = fed
	return fed
}

func (h *fedHarness) await(id ledger.OperationID) *dispatch.CachedState {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	state, err := h.fed.dispatcher.AwaitTerminal(ctx, id)
	require.NoError(h.t, err)

	return state
}

func (h *fedHarness) assertBreakdown(expected balance.Breakdown) {
	h.t.Helper()

	b, err := h.fed.BalanceBreakdown(context.Background())
	require.NoError(h.t, err)
	require.Equal(h.t, expected, *b)
}

func (h *fedHarness) assertOutstanding(expected lnwire.MilliSatoshi) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		outstanding, err := h.fed.GetOutstandingFees(
			context.Background(),
		)
		return err == nil && outstanding == expected
	}, defaultTimeout, 10*time.Millisecond)
}

// TestPayInvoice tests paying an invoice through the gateway and charging
// the Lightning send fee.
func TestPayInvoice(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 1_000_000)
	h.start(nil)

	events := fn.NewEventReceiver[*dispatch.WalletEvent](
		fn.DefaultQueueSize,
	)
	require.NoError(
		t, h.fed.RegisterSubscriber(events, false, time.Time{}),
	)

	invoice := test.NewInvoice(t, testNet, 100_000)
	res, err := h.fed.PayInvoice(ctxb, invoice.PayReq)
	require.NoError(t, err)
	require.EqualValues(t, 1_000, res.Fee)
	require.EqualValues(t, 1_100, res.GatewayFee)
	require.NotEqual(t, [32]byte{}, res.Preimage)

	h.assertBreakdown(balance.Breakdown{
		Raw:         898_900,
		Outstanding: 1_000,
		Virtual:     897_900,
	})

	status, err := h.fed.FeeStatus(ctxb, res.OperationID)
	require.NoError(t, err)
	require.Equal(t, fees.Success(1_000), status.Status)

	// The wallet events end with the successful payment.
	var last *dispatch.WalletEvent
	for last == nil || last.Outcome == dispatch.OutcomePending {
		event, err := fn.RecvOrTimeout(
			events.NewItemCreated.ChanOut(), defaultTimeout,
		)
		require.NoError(t, err)
		last = *event
	}
	require.Equal(t, res.OperationID, last.Operation.ID)
	require.Equal(t, dispatch.OutcomeSuccess, last.Outcome)
	require.NoError(t, h.fed.RemoveSubscriber(events))

	cached, ok := h.fed.OperationState(res.OperationID)
	require.True(t, ok)
	require.True(t, cached.Settled)

	// Paying the same invoice again is refused.
	_, err = h.fed.PayInvoice(ctxb, invoice.PayReq)
	require.ErrorIs(t, err, ErrAlreadyPaid)
}

// TestPayInvoiceInvalid makes sure undecodable invoices, invoices of another
// network and amountless invoices are refused before anything is started.
func TestPayInvoiceInvalid(t *testing.T) {
	t.Parallel()

	h := newFedHarness(t, 1_000_000)
	h.start(nil)

	invoices := []string{
		"lnbcrt1garbage",
		test.NewInvoice(t, &chaincfg.MainNetParams, 1_000).PayReq,
		test.NewInvoice(t, testNet, 0).PayReq,
	}
	for _, invoice := range invoices {
		_, err := h.fed.PayInvoice(context.Background(), invoice)
		require.ErrorIs(t, err, ErrInvalidInvoice)
	}

	require.Empty(t, h.client.Operations())
}

// TestPayInvoiceInsufficientBalance makes sure the gateway fee and the
// service fee are part of the balance check.
func TestPayInvoiceInsufficientBalance(t *testing.T) {
	t.Parallel()

	h := newFedHarness(t, 100_000)
	h.start(nil)

	invoice := test.NewInvoice(t, testNet, 100_000)
	_, err := h.fed.PayInvoice(context.Background(), invoice.PayReq)

	var balanceErr *balance.InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
	require.EqualValues(t, 101_100, balanceErr.Requested)
	require.EqualValues(t, 1_000, balanceErr.Fee)
	require.EqualValues(t, 100_000, balanceErr.Available)
	require.EqualValues(t, 97_922, balanceErr.Max)

	require.Empty(t, h.client.Operations())
}

// TestPayInvoiceNoGateway makes sure external payments need a gateway.
func TestPayInvoiceNoGateway(t *testing.T) {
	t.Parallel()

	h := newFedHarness(t, 1_000_000)
	h.client.SetGateway(nil)
	h.start(nil)

	invoice := test.NewInvoice(t, testNet, 1_000)
	_, err := h.fed.PayInvoice(context.Background(), invoice.PayReq)
	require.ErrorIs(t, err, ledger.ErrNoGateway)
}

// TestPayInvoiceTimeout tests a payment that outlives the call: the fee
// stays reserved, a second attempt is refused and the refund releases the
// fee.
func TestPayInvoiceTimeout(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 1_000_000)
	h.client.SetAutoSettle(ledger.VariantLnPay, false)
	h.start(func(cfg *Config) {
		cfg.RPCTimeout = 200 * time.Millisecond
	})

	invoice := test.NewInvoice(t, testNet, 100_000)
	_, err := h.fed.PayInvoice(ctxb, invoice.PayReq)
	require.ErrorIs(t, err, ErrTimeout)

	h.assertBreakdown(balance.Breakdown{
		Raw:     898_900,
		Pending: 1_000,
		Virtual: 897_900,
	})

	_, err = h.fed.PayInvoice(ctxb, invoice.PayReq)
	require.ErrorIs(t, err, ErrAlreadyInProgress)

	ops := h.client.Operations()
	require.Len(t, ops, 1)
	require.NoError(t, h.client.Advance(ops[0], &ledger.LnPayState{
		Kind:  ledger.LnPayRefunded,
		Error: "no route",
	}))
	h.await(ops[0])

	h.assertBreakdown(balance.Breakdown{
		Raw:     1_000_000,
		Virtual: 1_000_000,
	})

	// After the refund the invoice can be paid again.
	h.client.SetAutoSettle(ledger.VariantLnPay, true)
	res, err := h.fed.PayInvoice(ctxb, invoice.PayReq)
	require.NoError(t, err)
	require.NotEqual(t, ops[0], res.OperationID)
}

// TestPayInvoiceFailed makes sure a failed payment is reported and its fee
// released.
func TestPayInvoiceFailed(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 1_000_000)
	h.client.SetAutoSettle(ledger.VariantLnPay, false)
	h.start(nil)

	go func() {
		var ops []ledger.OperationID
		for len(ops) == 0 {
			time.Sleep(10 * time.Millisecond)
			ops = h.client.Operations()
		}
		_ = h.client.Advance(ops[0], &ledger.LnPayState{
			Kind: ledger.LnPayFundingFailed,
		})
	}()

	invoice := test.NewInvoice(t, testNet, 100_000)
	_, err := h.fed.PayInvoice(ctxb, invoice.PayReq)
	require.ErrorIs(t, err, ErrPaymentFailed)

	h.assertBreakdown(balance.Breakdown{
		Raw:     1_000_000,
		Virtual: 1_000_000,
	})
}

// TestConcurrentPayments makes sure parallel payments never spend more than
// the virtual balance.
func TestConcurrentPayments(t *testing.T) {
	t.Parallel()

	h := newFedHarness(t, 1_000_000)
	h.start(nil)

	const numPayments = 10

	var (
		wg        sync.WaitGroup
		successes = make(chan struct{}, numPayments)
	)
	for i := 0; i < numPayments; i++ {
		invoice := test.NewInvoice(t, testNet, 200_000)

		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := h.fed.PayInvoice(
				context.Background(), invoice.PayReq,
			)
			if err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	// Each payment costs 200_000 + 1_200 gateway fee + 2_000 service fee.
	require.Len(t, successes, 4)
	h.assertBreakdown(balance.Breakdown{
		Raw:         1_000_000 - 4*201_200,
		Outstanding: 4 * 2_000,
		Virtual:     1_000_000 - 4*203_200,
	})
}

// slowGatewayClient is a mock client whose gateway lookup takes a while, as
// a round-trip to the federation would.
type slowGatewayClient struct {
	*ledger.MockClient
}

func (c *slowGatewayClient) Lightning() (ledger.LightningModule, error) {
	ln, err := c.MockClient.Lightning()
	if err != nil {
		return nil, err
	}

	return &slowGatewayLightning{LightningModule: ln}, nil
}

type slowGatewayLightning struct {
	ledger.LightningModule
}

func (l *slowGatewayLightning) SelectGateway(
	ctx context.Context) (*ledger.Gateway, error) {

	time.Sleep(20 * time.Millisecond)

	return l.LightningModule.SelectGateway(ctx)
}

// TestConcurrentPaySameInvoice makes sure an invoice paid by several calls
// at once is only paid a single time.
func TestConcurrentPaySameInvoice(t *testing.T) {
	t.Parallel()

	h := newFedHarness(t, 10_000_000)
	h.start(func(cfg *Config) {
		cfg.Client = &slowGatewayClient{MockClient: h.client}
	})

	invoice := test.NewInvoice(t, testNet, 100_000)

	const numCalls = 5

	var (
		wg        sync.WaitGroup
		successes = make(chan struct{}, numCalls)
		refusals  = make(chan error, numCalls)
	)
	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := h.fed.PayInvoice(
				context.Background(), invoice.PayReq,
			)
			if err == nil {
				successes <- struct{}{}
				return
			}
			refusals <- err
		}()
	}
	wg.Wait()
	close(successes)
	close(refusals)

	require.Len(t, successes, 1)
	for err := range refusals {
		require.ErrorIs(t, err, ErrAlreadyPaid)
	}

	// 100_000 plus 1_100 gateway fee left the wallet once.
	h.assertBreakdown(balance.Breakdown{
		Raw:         10_000_000 - 101_100,
		Outstanding: 1_000,
		Virtual:     10_000_000 - 102_100,
	})
}

// TestPayAddress tests an on-chain withdrawal.
func TestPayAddress(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 50_000_000)
	h.start(nil)

	addr, err := test.RandAddress(testNet)
	require.NoError(t, err)

	res, err := h.fed.PayAddress(ctxb, addr.String(), 10_000)
	require.NoError(t, err)
	require.EqualValues(t, 20_000, res.Fee)
	require.Equal(t, ledger.DefaultMockWithdrawFee, res.ChainFee)
	require.False(t, res.Txid == [32]byte{})

	h.assertBreakdown(balance.Breakdown{
		Raw:         39_500_000,
		Outstanding: 20_000,
		Virtual:     39_480_000,
	})

	mainnetAddr, err := test.RandAddress(&chaincfg.MainNetParams)
	require.NoError(t, err)

	for _, address := range []string{"notanaddress", mainnetAddr.String()} {
		_, err = h.fed.PayAddress(ctxb, address, 10_000)
		require.ErrorIs(t, err, ErrInvalidAddress)
	}

	_, err = h.fed.PayAddress(ctxb, addr.String(), 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	// The chain fee counts against the balance.
	_, err = h.fed.PayAddress(
		ctxb, addr.String(), btcutil.Amount(39_480_000/1_000),
	)
	var balanceErr *balance.InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
}

// TestEcashRoundTrip hands out notes and redeems them again, charging the
// e-cash send and receive fee.
func TestEcashRoundTrip(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 1_000_000)
	h.start(nil)

	res, err := h.fed.GenerateEcash(ctxb, 50_000, false)
	require.NoError(t, err)
	require.EqualValues(t, 50, res.Fee)

	h.assertBreakdown(balance.Breakdown{
		Raw:     950_000,
		Pending: 50,
		Virtual: 949_950,
	})

	amt, id, err := h.fed.ReceiveEcash(ctxb, res.Notes)
	require.NoError(t, err)
	require.EqualValues(t, 50_000, amt)

	h.await(id)
	h.await(res.OperationID)

	h.assertBreakdown(balance.Breakdown{
		Raw:         1_000_000,
		Outstanding: 150,
		Virtual:     999_850,
	})

	counters, err := h.fed.FeeCounters(ctxb)
	require.NoError(t, err)
	ecashSend := pair(ledger.ModuleEcash, ledger.DirectionSend)
	ecashReceive := pair(ledger.ModuleEcash, ledger.DirectionReceive)
	require.EqualValues(t, 50, counters[ecashSend].Outstanding)
	require.EqualValues(t, 100, counters[ecashReceive].Outstanding)

	// Redeemed notes can't be redeemed twice.
	_, _, err = h.fed.ReceiveEcash(ctxb, res.Notes)
	require.ErrorIs(t, err, ledger.ErrInvalidNotes)

	_, err = h.fed.GenerateEcash(ctxb, 0, false)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

// TestReceive tests the Lightning and on-chain receives: the fee is charged
// on the settled amount once the receive completes.
func TestReceive(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 0)
	h.start(nil)

	invoiceOp, invoice, err := h.fed.CreateInvoice(ctxb, 21_000, "coffee")
	require.NoError(t, err)
	require.NotEmpty(t, invoice)

	depositOp, addr, err := h.fed.DepositAddress(ctxb)
	require.NoError(t, err)
	require.True(t, addr.IsForNet(testNet))

	require.NoError(t, h.client.Advance(invoiceOp, &ledger.LnReceiveState{
		Kind:   ledger.LnReceiveClaimed,
		Amount: 21_000,
	}))
	require.NoError(t, h.client.Advance(depositOp, &ledger.DepositState{
		Kind:   ledger.DepositClaimed,
		Amount: 100_000,
	}))
	h.await(invoiceOp)
	h.await(depositOp)

	status, err := h.fed.FeeStatus(ctxb, invoiceOp)
	require.NoError(t, err)
	require.Equal(t, fees.Success(105), status.Status)

	status, err = h.fed.FeeStatus(ctxb, depositOp)
	require.NoError(t, err)
	require.Equal(t, fees.Success(100), status.Status)

	h.assertBreakdown(balance.Breakdown{
		Raw:         121_000,
		Outstanding: 205,
		Virtual:     120_795,
	})
}

// TestStabilityPool tests a deposit into and a withdrawal out of the
// stability pool.
func TestStabilityPool(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 1_000_000)
	h.start(nil)

	depositOp, err := h.fed.StabilityPoolDeposit(ctxb, 100_000)
	require.NoError(t, err)
	withdrawOp, err := h.fed.StabilityPoolWithdraw(ctxb, 50_000)
	require.NoError(t, err)

	h.await(depositOp)
	h.await(withdrawOp)

	h.assertBreakdown(balance.Breakdown{
		Raw:         950_000,
		Outstanding: 150,
		Virtual:     949_850,
	})

	_, err = h.fed.StabilityPoolDeposit(ctxb, 2_000_000)
	var balanceErr *balance.InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
}

// TestMaxSpendable checks the max spend hint of every module.
func TestMaxSpendable(t *testing.T) {
	t.Parallel()

	h := newFedHarness(t, 1_000_000)
	h.start(nil)

	testCases := []struct {
		module   ledger.ModuleKind
		expected lnwire.MilliSatoshi
	}{{
		// floor((1e6 - 1000) * 1e6 / (1e6 + 10_000 + 1_000))
		module:   ledger.ModuleLightning,
		expected: 988_130,
	}, {
		module:   ledger.ModuleOnChain,
		expected: 998_003,
	}, {
		module:   ledger.ModuleEcash,
		expected: 999_000,
	}}

	for _, tc := range testCases {
		maxAmt, err := h.fed.MaxSpendable(
			context.Background(), tc.module,
		)
		require.NoError(t, err)
		require.Equal(t, tc.expected, maxAmt, tc.module)
	}
}

// TestRestartResolvesFees makes sure an operation that finished while the
// wallet was down has its fee resolved on the next start.
func TestRestartResolvesFees(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 1_000_000)
	h.client.SetAutoSettle(ledger.VariantLnPay, false)
	fed := h.start(func(cfg *Config) {
		cfg.RPCTimeout = 100 * time.Millisecond
	})

	invoice := test.NewInvoice(t, testNet, 100_000)
	_, err := fed.PayInvoice(ctxb, invoice.PayReq)
	require.ErrorIs(t, err, ErrTimeout)
	require.NoError(t, fed.Stop())

	ops := h.client.Operations()
	require.Len(t, ops, 1)
	require.NoError(t, h.client.Advance(ops[0], &ledger.LnPayState{
		Kind:    ledger.LnPaySuccess,
		PayType: ledger.PayTypeExternal,
	}))

	h.start(nil)
	h.await(ops[0])

	h.assertBreakdown(balance.Breakdown{
		Raw:         898_900,
		Outstanding: 1_000,
		Virtual:     897_900,
	})

	// Calls on the stopped wallet are refused.
	_, err = fed.PayInvoice(ctxb, invoice.PayReq)
	require.ErrorIs(t, err, ErrShuttingDown)
}

// fakeInvoices hands out invoices of the fee beneficiary.
type fakeInvoices struct {
	t *testing.T
}

func (f *fakeInvoices) FetchInvoice(_ context.Context,
	amt lnwire.MilliSatoshi, _ string) (string, error) {

	return test.NewInvoice(f.t, testNet, amt).PayReq, nil
}

// TestRemittance makes sure collected fees are paid out once they reach the
// threshold.
func TestRemittance(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	h := newFedHarness(t, 1_000_000)
	h.client.SetGateway(&ledger.Gateway{ID: "free"})
	h.start(func(cfg *Config) {
		cfg.Remittance = &RemittanceConfig{
			Invoices:    &fakeInvoices{t: t},
			Threshold:   500,
			SweepTicker: ticker.NewForce(time.Hour),
		}
	})

	invoice := test.NewInvoice(t, testNet, 100_000)
	_, err := h.fed.PayInvoice(ctxb, invoice.PayReq)
	require.NoError(t, err)

	h.assertOutstanding(0)

	require.Eventually(t, func() bool {
		remittances, err := h.fed.fees.Remittances(ctxb, false)
		return err == nil && len(remittances) == 1 &&
			remittances[0].State == fees.RemittanceSucceeded
	}, defaultTimeout, 10*time.Millisecond)

	h.assertBreakdown(balance.Breakdown{
		Raw:     899_000,
		Virtual: 899_000,
	})
}
