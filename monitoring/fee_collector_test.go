package monitoring

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/federation"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// A compile time assertion to ensure the federation wallet can be monitored.
var _ FeeSource = (*federation.Federation)(nil)

type staticWallet struct {
	counters  fees.CounterSet
	breakdown balance.Breakdown
	err       error
}

func (s *staticWallet) FeeCounters(context.Context) (fees.CounterSet, error) {
	return s.counters, s.err
}

func (s *staticWallet) BalanceBreakdown(
	context.Context) (*balance.Breakdown, error) {

	return &s.breakdown, s.err
}

// TestFeeCollector checks the exported fee counters and balances.
func TestFeeCollector(t *testing.T) {
	t.Parallel()

	wallet := &staticWallet{
		counters: fees.CounterSet{
			{
				Module:    ledger.ModuleLightning,
				Direction: ledger.DirectionSend,
			}: {
				Pending:      500,
				Outstanding:  1_000,
				TotalAccrued: 3_000,
			},
		},
		breakdown: balance.Breakdown{
			Raw:         100_000,
			Pending:     500,
			Outstanding: 1_000,
			Virtual:     98_500,
		},
	}

	collector, err := newFeeCollector(
		&PrometheusConfig{Wallet: wallet}, prometheus.NewRegistry(),
	)
	require.NoError(t, err)
	require.NoError(t, collector.RegisterMetricFuncs())

	expected := `
# HELP fees_pending_msat Service fees of unresolved sends
# TYPE fees_pending_msat gauge
fees_pending_msat{direction="send",module="ln"} 500
# HELP fees_outstanding_msat Earned service fees not yet remitted
# TYPE fees_outstanding_msat gauge
fees_outstanding_msat{direction="send",module="ln"} 1000
# HELP fees_total_accrued_msat Total service fees ever earned
# TYPE fees_total_accrued_msat gauge
fees_total_accrued_msat{direction="send",module="ln"} 3000
# HELP balance_raw_msat Balance held by the federation
# TYPE balance_raw_msat gauge
balance_raw_msat 100000
# HELP balance_virtual_msat Balance spendable by the user
# TYPE balance_virtual_msat gauge
balance_virtual_msat 98500
`
	err = testutil.CollectAndCompare(collector, strings.NewReader(expected))
	require.NoError(t, err)

	// A failing wallet exports nothing.
	wallet.err = errors.New("store unavailable")
	require.Zero(t, testutil.CollectAndCount(collector))
}

// TestFeeCollectorConfig makes sure the collector needs a wallet.
func TestFeeCollectorConfig(t *testing.T) {
	t.Parallel()

	_, err := newFeeCollector(nil, prometheus.NewRegistry())
	require.Error(t, err)

	_, err = newFeeCollector(&PrometheusConfig{}, prometheus.NewRegistry())
	require.Error(t, err)
}
