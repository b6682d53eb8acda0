// Package metrics exposes Prometheus collectors for saga runs, dispatch and
// the outbox loops. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sagaflow"

// Saga run outcomes used as label values.
const (
	OutcomeCommitted = "committed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors plus in-process totals used by the
// introspection endpoint.
type Metrics struct {
	mu sync.Mutex

	totals Snapshot

	sagaRuns        *prometheus.CounterVec
	conflictRetries *prometheus.CounterVec
	handlerAttempts *prometheus.HistogramVec
	unregistered    *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	deliveryFailed  *prometheus.CounterVec
	lockSkipped     prometheus.Counter
	cleaned         prometheus.Counter
	passDuration    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// Snapshot is a point-in-time copy of the in-process totals.
type Snapshot struct {
	SagaRuns        uint64    `json:"saga_runs"`
	SagaFailures    uint64    `json:"saga_failures"`
	Duplicates      uint64    `json:"duplicates"`
	ConflictRetries uint64    `json:"conflict_retries"`
	Unregistered    uint64    `json:"unregistered"`
	Delivered       uint64    `json:"delivered"`
	DeliveryFailed  uint64    `json:"delivery_failed"`
	LockSkipped     uint64    `json:"lock_skipped"`
	Cleaned         uint64    `json:"cleaned"`
	CollectedAt     time.Time `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// New creates the collectors. Nothing is registered until Register.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		sagaRuns:        newCounterVec("saga", "runs_total", "Saga invocations by outcome", "saga_kind", "outcome"),
		conflictRetries: newCounterVec("saga", "conflict_retries_total", "Invocations rerun after a state version conflict", "saga_kind"),
		handlerAttempts: newHistogramVec("saga", "handler_attempts", "Handler invocations needed per committed message", []float64{1, 2, 3, 5, 10}, "saga_kind"),
		unregistered:    newCounterVec("dispatch", "unregistered_total", "Inbound messages whose kind no saga accepts", "message_kind"),
		delivered:       newCounterVec("outbox", "delivered_total", "Outbox entries delivered to the transport", "message_kind"),
		deliveryFailed:  newCounterVec("outbox", "delivery_failed_total", "Outbox deliveries that failed and wait for lock expiry", "message_kind"),
		lockSkipped:     newCounter("outbox", "lock_skipped_total", "Outbox entries skipped because another processor holds them"),
		cleaned:         newCounter("outbox", "cleaned_total", "Processed outbox entries removed by the cleaner"),
		passDuration:    newHistogramVec("outbox", "pass_duration_seconds", "Duration of one outbox loop pass", prometheus.DefBuckets, "loop"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.sagaRuns, m.conflictRetries, m.handlerAttempts, m.unregistered,
		m.delivered, m.deliveryFailed, m.lockSkipped, m.cleaned, m.passDuration,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// SagaRun records one runner result.
func (m *Metrics) SagaRun(sagaKind, outcome string, handlerAttempts, conflictRetries int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals.SagaRuns++
	switch outcome {
	case OutcomeFailed:
		m.totals.SagaFailures++
	case OutcomeDuplicate:
		m.totals.Duplicates++
	}
	m.totals.ConflictRetries += uint64(conflictRetries)

	m.sagaRuns.WithLabelValues(sagaKind, outcome).Inc()
	if conflictRetries > 0 {
		m.conflictRetries.WithLabelValues(sagaKind).Add(float64(conflictRetries))
	}
	if outcome == OutcomeCommitted && handlerAttempts > 0 {
		m.handlerAttempts.WithLabelValues(sagaKind).Observe(float64(handlerAttempts))
	}
}

// Unregistered records an inbound message nobody handles.
func (m *Metrics) Unregistered(kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.Unregistered++
	m.unregistered.WithLabelValues(kind).Inc()
}

// Delivered records a successful outbox delivery.
func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.Delivered++
	m.delivered.WithLabelValues(kind).Inc()
}

// DeliveryFailed records a failed outbox delivery.
func (m *Metrics) DeliveryFailed(kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.DeliveryFailed++
	m.deliveryFailed.WithLabelValues(kind).Inc()
}

// LockSkipped records an entry lost to a concurrent processor.
func (m *Metrics) LockSkipped() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.LockSkipped++
	m.lockSkipped.Inc()
}

// Cleaned records purged outbox entries.
func (m *Metrics) Cleaned(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.Cleaned += uint64(count)
	m.cleaned.Add(float64(count))
}

// ObservePass records how long one processor or cleaner pass took.
func (m *Metrics) ObservePass(loop string, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// Snapshot returns the in-process totals.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{CollectedAt: time.Now()}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.totals
	s.CollectedAt = time.Now()
	return s
}
