package feekv

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/internal/test"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Unix(1_700_000_000, 0).UTC()

	wdSend = fees.Pair{
		Module:    ledger.ModuleOnChain,
		Direction: ledger.DirectionSend,
	}
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()

	store, err := Open(&Config{DBPath: dir})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// TestStatusRecordEncoding makes sure fee status records survive the TLV
// encoding and that records written by newer versions stay readable.
func TestStatusRecordEncoding(t *testing.T) {
	t.Parallel()

	rec := &fees.StatusRecord{
		Op:        test.RandOperationID(),
		Pair:      wdSend,
		Status:    fees.PendingSend(21_000),
		UpdatedAt: testTime,
	}

	var requiredErr ErrUnknownRequiredType
	parsed := test.RunUnknownTypeTest(
		t, rec, &requiredErr,
		func(b *bytes.Buffer, r *fees.StatusRecord) error {
			return encodeStatus(b, r)
		}, func(b *bytes.Buffer) (*fees.StatusRecord, tlv.TypeMap,
			error) {

			return decodeStatus(rec.Op, b)
		},
	)
	require.Equal(t, rec, parsed)
	require.EqualValues(t, 200, requiredErr.Type)

	rem := &fees.Remittance{
		Op:        test.RandOperationID(),
		Pair:      wdSend,
		Amount:    5_000,
		State:     fees.RemittancePending,
		CreatedAt: testTime,
		UpdatedAt: testTime.Add(time.Minute),
	}

	requiredErr = ErrUnknownRequiredType{}
	parsedRem := test.RunUnknownTypeTest(
		t, rem, &requiredErr,
		func(b *bytes.Buffer, r *fees.Remittance) error {
			return encodeRemittance(b, r)
		}, func(b *bytes.Buffer) (*fees.Remittance, tlv.TypeMap,
			error) {

			return decodeRemittance(rem.Op, b)
		},
	)
	require.Equal(t, rem, parsedRem)
	require.EqualValues(t, 200, requiredErr.Type)
}

// TestStoreLedgerLifecycle runs a withdrawal fee through the fee ledger on
// the bolt store and checks that the state survives a restart.
func TestStoreLedgerLifecycle(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, dir)

	client := ledger.NewMockClient(&chaincfg.RegressionNetParams, 5_000_000)
	client.SetAutoSettle(ledger.VariantWithdraw, false)

	newLedger := func(s *Store) *fees.Ledger {
		return fees.NewLedger(&fees.LedgerConfig{
			Store:      s,
			Operations: client,
			Clock:      clock.NewTestClock(testTime),
		})
	}
	feeLedger := newLedger(store)

	onChain, err := client.OnChain()
	require.NoError(t, err)

	addr, err := test.RandAddress(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	var ops []ledger.OperationID
	for i := 0; i < 3; i++ {
		op, err := onChain.Withdraw(
			ctxb, addr, 1_000, 50, ledger.OperationMeta{},
		)
		require.NoError(t, err)
		require.NoError(t, feeLedger.WritePendingSend(ctxb, op, 1_000))
		ops = append(ops, op)
	}

	// The same operation can't be charged twice.
	err = feeLedger.WritePendingSend(ctxb, ops[0], 1_000)
	require.ErrorIs(t, err, fees.ErrFeeStatusExists)

	_, _, err = feeLedger.WriteSuccessSend(ctxb, ops[0])
	require.NoError(t, err)
	_, _, err = feeLedger.WriteFailedSend(ctxb, ops[1])
	require.NoError(t, err)

	// Resolving a failed send as a success is a logic error.
	_, _, err = feeLedger.WriteSuccessSend(ctxb, ops[1])
	require.ErrorIs(t, err, fees.ErrInvalidFeeStatus)

	require.NoError(t, store.Close())

	// After a restart, the counters and statuses are still there.
	store2 := newTestStore(t, dir)
	feeLedger2 := newLedger(store2)

	counters, err := feeLedger2.Counters(ctxb)
	require.NoError(t, err)
	require.Equal(t, fees.Counters{
		Pending:      1_000,
		Outstanding:  1_000,
		TotalAccrued: 1_000,
	}, counters[wdSend])

	unresolved, err := feeLedger2.UnresolvedOperations(ctxb)
	require.NoError(t, err)
	require.Equal(t, []ledger.OperationID{ops[2]}, unresolved)

	rec, err := feeLedger2.FeeStatus(ctxb, ops[1])
	require.NoError(t, err)
	require.Equal(t, fees.FailedSend(1_000), rec.Status)
}

// TestStoreReadOnly makes sure read-only transactions can't write.
func TestStoreReadOnly(t *testing.T) {
	t.Parallel()

	ctxb := context.Background()
	store := newTestStore(t, t.TempDir())

	readOpts := fees.NewFeeReadTx()
	err := store.ExecTx(ctxb, &readOpts, func(q fees.FeeStore) error {
		return q.UpsertCounter(
			ctxb, fees.CounterPending, wdSend,
			lnwire.MilliSatoshi(1),
		)
	})
	require.ErrorIs(t, err, ErrReadOnlyTx)

	// A failed write transaction leaves nothing behind.
	writeOpts := fees.NewFeeWriteTx()
	err = store.ExecTx(ctxb, &writeOpts, func(q fees.FeeStore) error {
		err := q.UpsertCounter(ctxb, fees.CounterPending, wdSend, 5)
		require.NoError(t, err)

		return fees.ErrCounterUnderflow
	})
	require.ErrorIs(t, err, fees.ErrCounterUnderflow)

	err = store.ExecTx(ctxb, &readOpts, func(q fees.FeeStore) error {
		amt, err := q.FetchCounter(ctxb, fees.CounterPending, wdSend)
		require.Zero(t, amt)
		return err
	})
	require.NoError(t, err)

	// A cancelled context doesn't start a transaction.
	ctx, cancel := context.WithCancel(ctxb)
	cancel()
	err = store.ExecTx(ctx, &readOpts, func(fees.FeeStore) error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
