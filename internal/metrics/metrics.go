// Package metrics provides Prometheus metrics for searcher passes.
package metrics

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
)

const (
	OutcomeOK         = "ok"
	OutcomeSuperseded = "superseded"
	OutcomeCancelled  = "cancelled"
	OutcomeError      = "error"
)

// Metrics holds all Prometheus metrics of the searcher.
type Metrics struct {
	// Pass metrics
	Passes        *prometheus.CounterVec
	PassDuration  prometheus.Histogram
	PathsTotal    prometheus.Gauge
	Evaluated     prometheus.Counter
	Skipped       prometheus.Counter
	Failed        prometheus.Counter
	MemoHits      prometheus.Counter
	Opportunities prometheus.Counter

	// Result metrics
	BestProfit      prometheus.Gauge
	SnapshotVersion prometheus.Gauge
	LastBlock       prometheus.Gauge

	// Ingestion metrics
	ReserveUpdates prometheus.Counter
	PublishErrors  prometheus.Counter

	registry *prometheus.Registry
}

// New registers every metric on a fresh registry under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cycle_searcher"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "total",
			Help:      "Total number of passes by outcome",
		}, []string{"outcome"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "duration_seconds",
			Help:      "Duration of delivered passes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		PathsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "paths",
			Help:      "Number of enumerated paths in the last pass",
		}),
		Evaluated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "paths_evaluated_total",
			Help:      "Total number of path evaluations",
		}),
		Skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "paths_skipped_total",
			Help:      "Total number of paths skipped as untouched",
		}),
		Failed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "paths_failed_total",
			Help:      "Total number of path evaluations that failed",
		}),
		MemoHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "memo_hits_total",
			Help:      "Total number of evaluations served from the optimiser memo",
		}),
		Opportunities: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "opportunities_total",
			Help:      "Total number of reported opportunities",
		}),

		BestProfit: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "result",
			Name:      "best_profit",
			Help:      "Best gross profit of the last delivered pass in base token units",
		}),
		SnapshotVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "result",
			Name:      "snapshot_version",
			Help:      "Registry version of the last delivered pass",
		}),
		LastBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "result",
			Name:      "last_block",
			Help:      "Block of the last delivered pass",
		}),

		ReserveUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "reserve_updates_total",
			Help:      "Total number of reserve updates applied to the registry",
		}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "publish_errors_total",
			Help:      "Total number of failed opportunity hand-offs",
		}),

		registry: reg,
	}
}

// ObservePass implements arbitrage.PassObserver.
func (m *Metrics) ObservePass(stats *arbitrage.PassStats, err error) {
	m.Passes.WithLabelValues(Outcome(err)).Inc()
	if stats == nil {
		return
	}
	m.Evaluated.Add(float64(stats.Evaluated))
	m.Skipped.Add(float64(stats.Skipped))
	m.Failed.Add(float64(stats.Failed))
	m.MemoHits.Add(float64(stats.MemoHits))
	if err != nil {
		return
	}
	m.PathsTotal.Set(float64(stats.Paths))
	m.Opportunities.Add(float64(stats.Opportunities))
	m.PassDuration.Observe(stats.Duration.Seconds())
	m.SnapshotVersion.Set(float64(stats.SnapshotVersion))
	m.LastBlock.Set(float64(stats.Block))
	if stats.BestProfit != nil {
		f, _ := new(big.Float).SetInt(stats.BestProfit).Float64()
		m.BestProfit.Set(f)
	}
}

// Outcome labels a pass error
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, arbitrage.ErrSuperseded):
		return OutcomeSuperseded
	case arbitrage.IsCancelled(err):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ arbitrage.PassObserver = (*Metrics)(nil)
