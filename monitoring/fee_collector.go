package monitoring

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	feeCollectorName = "fees"

	pendingFeesMetric     = "fees_pending_msat"
	outstandingFeesMetric = "fees_outstanding_msat"
	accruedFeesMetric     = "fees_total_accrued_msat"

	rawBalanceMetric     = "balance_raw_msat"
	virtualBalanceMetric = "balance_virtual_msat"
)

func init() {
	metricsMtx.Lock()
	defer metricsMtx.Unlock()

	metricGroups[feeCollectorName] = func(cfg *PrometheusConfig,
		registry *prometheus.Registry) (MetricGroup, error) {

		return newFeeCollector(cfg, registry)
	}
}

// feeCollector is a Prometheus collector that exports the service fee
// counters of every pair together with the wallet balance.
type feeCollector struct {
	collectMx sync.Mutex

	cfg      *PrometheusConfig
	registry *prometheus.Registry

	counters gauges

	rawBalance     prometheus.Gauge
	virtualBalance prometheus.Gauge
}

func newFeeCollector(cfg *PrometheusConfig,
	registry *prometheus.Registry) (*feeCollector, error) {

	if cfg == nil {
		return nil, errors.New("fee collector prometheus cfg is nil")
	}

	if cfg.Wallet == nil {
		return nil, errors.New("fee collector wallet is nil")
	}

	labels := []string{"module", "direction"}
	counters := make(gauges)
	counters.addGauge(
		pendingFeesMetric, "Service fees of unresolved sends", labels,
	)
	counters.addGauge(
		outstandingFeesMetric, "Earned service fees not yet remitted",
		labels,
	)
	counters.addGauge(
		accruedFeesMetric, "Total service fees ever earned", labels,
	)

	return &feeCollector{
		cfg:      cfg,
		registry: registry,
		counters: counters,
		rawBalance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: rawBalanceMetric,
				Help: "Balance held by the federation",
			},
		),
		virtualBalance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: virtualBalanceMetric,
				Help: "Balance spendable by the user",
			},
		),
	}, nil
}

// Name is the name of the metric group.
//
// NOTE: Part of the MetricGroup interface.
func (f *feeCollector) Name() string {
	return feeCollectorName
}

// RegisterMetricFuncs registers the collector with the registry.
//
// NOTE: Part of the MetricGroup interface.
func (f *feeCollector) RegisterMetricFuncs() error {
	return f.registry.Register(f)
}

// Describe sends the super-set of all possible descriptors of metrics
// collected by this Collector to the provided channel and returns once the
// last descriptor has been sent.
//
// NOTE: Part of the prometheus.Collector interface.
func (f *feeCollector) Describe(ch chan<- *prometheus.Desc) {
	f.collectMx.Lock()
	defer f.collectMx.Unlock()

	f.counters.describe(ch)
	f.rawBalance.Describe(ch)
	f.virtualBalance.Describe(ch)
}

// Collect is called by the Prometheus registry when collecting metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (f *feeCollector) Collect(ch chan<- prometheus.Metric) {
	f.collectMx.Lock()
	defer f.collectMx.Unlock()

	ctxdb, cancel := context.WithTimeout(context.Background(), promTimeout)
	defer cancel()

	counterSet, err := f.cfg.Wallet.FeeCounters(ctxdb)
	if err != nil {
		log.Errorf("unable to fetch fee counters: %v", err)
		return
	}

	// Pairs without any fee activity are dropped from the export.
	f.counters.reset()
	for pair, c := range counterSet {
		labels := []string{
			pair.Module.String(), pair.Direction.String(),
		}

		f.counters[pendingFeesMetric].WithLabelValues(labels...).Set(
			float64(c.Pending),
		)
		f.counters[outstandingFeesMetric].WithLabelValues(
			labels...,
		).Set(float64(c.Outstanding))
		f.counters[accruedFeesMetric].WithLabelValues(labels...).Set(
			float64(c.TotalAccrued),
		)
	}

	breakdown, err := f.cfg.Wallet.BalanceBreakdown(ctxdb)
	if err != nil {
		log.Errorf("unable to fetch balance: %v", err)
		return
	}

	f.rawBalance.Set(float64(breakdown.Raw))
	f.virtualBalance.Set(float64(breakdown.Virtual))

	f.counters.collect(ch)
	f.rawBalance.Collect(ch)
	f.virtualBalance.Collect(ch)
}
