package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightninglabs/fedwallet/feekv"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

var (
	lnSend = fees.Pair{
		Module:    ledger.ModuleLightning,
		Direction: ledger.DirectionSend,
	}

	ecashReceive = fees.Pair{
		Module:    ledger.ModuleEcash,
		Direction: ledger.DirectionReceive,
	}
)

// seedLedger writes a pending send and the counters of two pairs into a bolt
// ledger below dir.
func seedLedger(t *testing.T, dir string) ledger.OperationID {
	store, err := feekv.Open(&feekv.Config{
		DBPath: filepath.Join(dir, "data", "regtest", "feekv"),
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	op := ledger.OperationID{1, 2, 3}
	now := time.Unix(1_700_000_000, 0)

	ctxb := context.Background()
	writeOpts := fees.NewFeeWriteTx()
	err = store.ExecTx(ctxb, &writeOpts, func(tx fees.FeeStore) error {
		err := tx.InsertFeeStatus(ctxb, &fees.StatusRecord{
			Op:        op,
			Pair:      lnSend,
			Status:    fees.PendingSend(1_000),
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}

		counters := []struct {
			kind fees.CounterKind
			pair fees.Pair
			amt  lnwire.MilliSatoshi
		}{
			{fees.CounterPending, lnSend, 1_000},
			{fees.CounterOutstanding, lnSend, 4_000},
			{fees.CounterTotalAccrued, lnSend, 4_000},
			{fees.CounterOutstanding, ecashReceive, 50},
			{fees.CounterTotalAccrued, ecashReceive, 50},
		}
		for _, c := range counters {
			err := tx.UpsertCounter(ctxb, c.kind, c.pair, c.amt)
			if err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)

	return op
}

func runCommand(t *testing.T, dir string, args ...string) []byte {
	var out bytes.Buffer

	app := newApp()
	app.Writer = &out

	cmdArgs := append([]string{
		"fedfeecli", "--feddir", dir, "--network", "regtest",
		"--databasebackend", "bolt",
	}, args...)
	require.NoError(t, app.Run(cmdArgs))

	return out.Bytes()
}

// TestFeeCommands runs the inspection commands against a seeded ledger.
func TestFeeCommands(t *testing.T) {
	dir := t.TempDir()
	op := seedLedger(t, dir)

	var counterResp countersJSON
	err := json.Unmarshal(runCommand(t, dir, "counters"), &counterResp)
	require.NoError(t, err)

	require.Equal(t, &countersJSON{
		Pairs: []counterJSON{{
			Module:       "ln",
			Direction:    "send",
			Pending:      1_000,
			Outstanding:  4_000,
			TotalAccrued: 4_000,
		}, {
			Module:       "mint",
			Direction:    "receive",
			Outstanding:  50,
			TotalAccrued: 50,
		}},
		TotalPending:     1_000,
		TotalOutstanding: 4_050,
		TotalAccrued:     4_050,
	}, &counterResp)

	var statusResp statusJSON
	err = json.Unmarshal(
		runCommand(t, dir, "status", op.String()), &statusResp,
	)
	require.NoError(t, err)
	require.Equal(t, op.String(), statusResp.OperationID)
	require.EqualValues(t, 1_000, statusResp.Fee)
	require.Equal(t, fees.StatusPendingSend.String(), statusResp.Status)

	var unresolvedResp struct {
		Operations []string `json:"operations"`
	}
	err = json.Unmarshal(runCommand(t, dir, "unresolved"), &unresolvedResp)
	require.NoError(t, err)
	require.Equal(t, []string{op.String()}, unresolvedResp.Operations)

	// An unknown operation is reported as an error.
	app := newApp()
	app.Writer = &bytes.Buffer{}
	err = app.Run([]string{
		"fedfeecli", "--feddir", dir, "--network", "regtest",
		"--databasebackend", "bolt", "status",
		ledger.OperationID{9}.String(),
	})
	require.ErrorContains(t, err, "carries no fee")
}
