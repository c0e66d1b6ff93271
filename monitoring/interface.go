package monitoring

import (
	"context"

	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/prometheus/client_golang/prometheus"
)

// FeeSource exposes the fee counters of a wallet.
type FeeSource interface {
	// FeeCounters returns the fee counters of every pair.
	FeeCounters(ctx context.Context) (fees.CounterSet, error)

	// BalanceBreakdown returns the raw balance and the fees reserved
	// from it.
	BalanceBreakdown(ctx context.Context) (*balance.Breakdown, error)
}

// metricGroupFactory creates a MetricGroup from the exporter config. The
// group registers its metrics on the passed registry.
type metricGroupFactory func(*PrometheusConfig,
	*prometheus.Registry) (MetricGroup, error)

// MetricGroup is a set of metrics exported under a common prefix. The
// PrometheusExporter registers every group before it starts serving.
type MetricGroup interface {
	prometheus.Collector

	// Name is the prefix shared by all metrics of the group.
	Name() string

	// RegisterMetricFuncs registers the metrics of the group. Errors are
	// returned instead of panicking like MustRegister does.
	RegisterMetricFuncs() error
}
