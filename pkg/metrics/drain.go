package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Entry outcomes reported by the outbox drainer.
const (
	OutcomeProcessed    = "processed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeClaimLost    = "claim_lost"
)

// DrainMetrics tracks outbox drain passes and handler deliveries.
type DrainMetrics struct {
	claimed  prometheus.Counter
	entries  *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration prometheus.Histogram
	backlog  *prometheus.GaugeVec
}

// NewDrainMetrics registers the drain metrics on the provided registerer.
func NewDrainMetrics(reg prometheus.Registerer) *DrainMetrics {
	if reg == nil {
		return &DrainMetrics{}
	}
	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_claimed_total",
		Help:      "Outbox entries claimed by drain passes.",
	})
	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_entries_total",
		Help:      "Outbox entries finished by outcome.",
	}, []string{"outcome"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Handler invocations by registration and result.",
	}, []string{"registration", "result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "drain_duration_seconds",
		Help:      "Duration of a single drain pass.",
		Buckets:   prometheus.DefBuckets,
	})
	backlog := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_entries",
		Help:      "Outbox entries by status at the last observation.",
	}, []string{"status"})
	reg.MustRegister(claimed, entries, attempts, duration, backlog)
	return &DrainMetrics{
		claimed:  claimed,
		entries:  entries,
		attempts: attempts,
		duration: duration,
		backlog:  backlog,
	}
}

func (m *DrainMetrics) AddClaimed(n int) {
	if m == nil || m.claimed == nil || n <= 0 {
		return
	}
	m.claimed.Add(float64(n))
}

// IncEntry counts one finished entry under the given outcome.
func (m *DrainMetrics) IncEntry(outcome string) {
	if m == nil || m.entries == nil {
		return
	}
	m.entries.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncAttempt counts one handler invocation; result is "ok" or "error".
func (m *DrainMetrics) IncAttempt(registration, result string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(registration), normalizeLabel(result)).Inc()
}

func (m *DrainMetrics) ObserveDrain(d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

// SetBacklog replaces the per-status gauge values.
func (m *DrainMetrics) SetBacklog(counts map[string]int64) {
	if m == nil || m.backlog == nil {
		return
	}
	for status, n := range counts {
		m.backlog.WithLabelValues(normalizeLabel(status)).Set(float64(n))
	}
}
