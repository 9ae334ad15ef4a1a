package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ordertrack"

// Metrics groups every collector of the service. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	PollCycles    prometheus.Counter
	PollErrors    prometheus.Counter
	PollDuration  prometheus.Histogram
	Registrations prometheus.Gauge
	Resolutions   *prometheus.CounterVec
	Generation    prometheus.Gauge

	LedgerUpdates *prometheus.CounterVec
	MirrorErrors  prometheus.Counter

	EventsPublished prometheus.Counter
	EventErrors     prometheus.Counter

	ChainChecks *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "poll_cycles_total",
			Help:      "Remote order status poll cycles that queried the service",
		}),
		PollErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "poll_errors_total",
			Help:      "Poll cycles that failed to query the remote service",
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "poll_duration_seconds",
			Help:      "Duration of a full poll cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		Registrations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "registrations",
			Help:      "Order hashes currently awaited",
		}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "resolutions_total",
			Help:      "Resolved wait handles by outcome",
		}, []string{"outcome"}),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "generation",
			Help:      "Generation of the active poll loop",
		}),
		LedgerUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "updates_total",
			Help:      "Committed ledger writes by operation",
		}, []string{"op"}),
		MirrorErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "mirror_errors_total",
			Help:      "Ledger updates that failed to reach the repository",
		}),
		EventsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Order events written to the broker",
		}),
		EventErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "errors_total",
			Help:      "Order events that failed to publish",
		}),
		ChainChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "receipt_checks_total",
			Help:      "Receipt lookups for classic transactions by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObservePoll(started time.Time, err error) {
	if m == nil {
		return
	}
	m.PollCycles.Inc()
	if err != nil {
		m.PollErrors.Inc()
	}
	m.PollDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetRegistrations(n int) {
	if m == nil {
		return
	}
	m.Registrations.Set(float64(n))
}

func (m *Metrics) Resolved(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.Generation.Set(float64(gen))
}

func (m *Metrics) LedgerUpdate(op string) {
	if m == nil {
		return
	}
	m.LedgerUpdates.WithLabelValues(op).Inc()
}

func (m *Metrics) MirrorFailed() {
	if m == nil {
		return
	}
	m.MirrorErrors.Inc()
}

func (m *Metrics) EventPublished(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EventErrors.Inc()
		return
	}
	m.EventsPublished.Inc()
}

func (m *Metrics) ChainChecked(outcome string) {
	if m == nil {
		return
	}
	m.ChainChecks.WithLabelValues(outcome).Inc()
}
