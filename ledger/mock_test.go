package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func drain[T OperationState](t *testing.T, sub *Subscription[T]) []T {
	t.Helper()

	var states []T
	for {
		select {
		case state, ok := <-sub.Updates:
			if !ok {
				return states
			}
			states = append(states, state)

		case <-time.After(testTimeout):
			t.Fatalf("subscription didn't end")
		}
	}
}

// TestMockNoteSelection makes sure exact selection fails when the inventory
// can't form the amount, and that an at-least spend followed by a reissue
// fragments the notes so the exact selection succeeds afterwards.
func TestMockNoteSelection(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	client := NewMockClient(&chaincfg.RegressionNetParams, 0)
	client.SetNotes(map[lnwire.MilliSatoshi]int{1024: 1})

	mint, err := client.Mint()
	require.NoError(t, err)

	_, _, err = mint.SpendNotes(ctxb, &SpendRequest{
		Amount:    600,
		Selection: SelectExact,
	})
	require.ErrorIs(t, err, ErrNoExactNotes)

	_, _, err = mint.SpendNotes(ctxb, &SpendRequest{
		Amount:    2000,
		Selection: SelectExact,
	})
	require.ErrorIs(t, err, ErrInsufficientNotes)

	spendID, notes, err := mint.SpendNotes(ctxb, &SpendRequest{
		Amount:    600,
		Selection: SelectAtLeast,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1024, notes.Amount)

	balance, err := client.Balance(ctxb)
	require.NoError(t, err)
	require.Zero(t, balance)

	_, err = mint.Reissue(ctxb, notes.Encoded, OperationMeta{
		Internal: true,
	})
	require.NoError(t, err)

	balance, err = client.Balance(ctxb)
	require.NoError(t, err)
	require.EqualValues(t, 1024, balance)

	// The spend is complete now that its notes were redeemed.
	states := client.States(spendID)
	require.Equal(t, &SpendOOBState{Kind: SpendOOBSuccess},
		states[len(states)-1])

	_, notes, err = mint.SpendNotes(ctxb, &SpendRequest{
		Amount:    600,
		Selection: SelectExact,
	})
	require.NoError(t, err)
	require.EqualValues(t, 600, notes.Amount)
}

// TestMockSubscriptionReplay makes sure a subscription to a pending operation
// replays its log and ends after the terminal state, and that a subscription
// to a completed operation delivers only the terminal state.
func TestMockSubscriptionReplay(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	client := NewMockClient(&chaincfg.RegressionNetParams, 100_000)
	client.SetAutoSettle(VariantLnPay, false)

	ln, err := client.Lightning()
	require.NoError(t, err)

	id, err := ln.Pay(ctxb, &PayRequest{
		Amount:      10_000,
		PaymentHash: [32]byte{1},
	})
	require.NoError(t, err)

	sub, err := ln.SubscribePay(ctxb, id)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, client.Advance(id, &LnPayState{
		Kind: LnPayRefunded,
	}))

	states := drain(t, sub)
	require.Len(t, states, 3)
	require.Equal(t, LnPayCreated, states[0].Kind)
	require.Equal(t, LnPayRefunded, states[2].Kind)

	// The refund credited the payment back.
	balance, err := client.Balance(ctxb)
	require.NoError(t, err)
	require.EqualValues(t, 100_000, balance)

	sub2, err := ln.SubscribePay(ctxb, id)
	require.NoError(t, err)
	defer sub2.Cancel()

	states = drain(t, sub2)
	require.Len(t, states, 1)
	require.True(t, states[0].IsTerminal())

	// Terminal operations can't advance any further.
	require.Error(t, client.Advance(id, &LnPayState{Kind: LnPaySuccess}))

	active, err := client.ActiveOperations(ctxb)
	require.NoError(t, err)
	require.Empty(t, active)
}

// TestMockModuleAccess makes sure disabled modules are reported as missing.
func TestMockModuleAccess(t *testing.T) {
	t.Parallel()

	client := NewMockClient(&chaincfg.RegressionNetParams, 0)
	client.DisableModule(ModuleStabilityPool)

	_, err := client.StabilityPool()
	require.ErrorIs(t, err, ErrModuleNotFound)

	_, err = client.Mint()
	require.NoError(t, err)
}

// TestGatewayFee makes sure the gateway fee rounds its proportional part up.
func TestGatewayFee(t *testing.T) {
	t.Parallel()

	g := &Gateway{BaseFee: 1000, FeePPM: 1000}
	require.EqualValues(t, 1000+10, g.Fee(10_000))
	require.EqualValues(t, 1000+1, g.Fee(1))

	var none *Gateway
	require.Zero(t, none.Fee(10_000))
}

// TestOperationIDParse makes sure operation ids survive the string form.
func TestOperationIDParse(t *testing.T) {
	t.Parallel()

	id := OperationID{1, 2, 3}
	parsed, err := NewOperationIDFromStr(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.True(t, ZeroOperationID.IsZero())

	_, err = NewOperationIDFromStr("abcd")
	require.Error(t, err)
}
