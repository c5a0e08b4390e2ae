// Package metrics exposes the gate's Prometheus collectors. All observer
// methods are nil-safe so callers can run unmetered (tests, CLIs) by passing
// a nil *GateMetrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type GateMetrics struct {
	paymentFailures *prometheus.CounterVec
	replayHits      prometheus.Counter
	executions      prometheus.Counter
	keysetFetches   *prometheus.CounterVec
	executeSeconds  prometheus.Histogram
}

var (
	gateOnce     sync.Once
	gateRegistry *GateMetrics
)

// Gate returns the process-wide gate metrics, registering them on first use.
func Gate() *GateMetrics {
	gateOnce.Do(func() {
		gateRegistry = &GateMetrics{
			paymentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "paygate_payment_failures_total",
				Help: "Count of rejected paid requests by error code.",
			}, []string{"code"}),
			replayHits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "paygate_replay_hits_total",
				Help: "Count of requests served from the replay cache.",
			}),
			executions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "paygate_executions_total",
				Help: "Count of paid tool executions.",
			}),
			keysetFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "paygate_keyset_fetch_total",
				Help: "Count of keyset resolutions by source.",
			}, []string{"source"}),
			executeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "paygate_execute_seconds",
				Help:    "Wall time of the provider execute callback.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			gateRegistry.paymentFailures,
			gateRegistry.replayHits,
			gateRegistry.executions,
			gateRegistry.keysetFetches,
			gateRegistry.executeSeconds,
		)
	})
	return gateRegistry
}

func (m *GateMetrics) IncPaymentFailure(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.paymentFailures.WithLabelValues(code).Inc()
}

func (m *GateMetrics) IncReplayHit() {
	if m == nil {
		return
	}
	m.replayHits.Inc()
}

func (m *GateMetrics) IncExecution() {
	if m == nil {
		return
	}
	m.executions.Inc()
}

func (m *GateMetrics) IncKeysetFetch(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.keysetFetches.WithLabelValues(source).Inc()
}

func (m *GateMetrics) ObserveExecuteSeconds(seconds float64) {
	if m == nil {
		return
	}
	m.executeSeconds.Observe(seconds)
}
