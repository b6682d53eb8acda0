package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/persistence"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ErrorCategory groups dispatch failures for the introspection endpoint.
type ErrorCategory string

const (
	ErrorCategoryNone          ErrorCategory = "none"
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryUnregistered  ErrorCategory = "unregistered"
	ErrorCategoryStateNotFound ErrorCategory = "state_not_found"
	ErrorCategoryConflict      ErrorCategory = "conflict"
	ErrorCategoryHandler       ErrorCategory = "handler"
	ErrorCategoryCanceled      ErrorCategory = "canceled"
	ErrorCategoryOther         ErrorCategory = "other"
)

// ErrorClassifier maps a dispatch error to a category.
type ErrorClassifier func(error) ErrorCategory

// DefaultErrorClassifier recognises the sagaflow error taxonomy.
func DefaultErrorClassifier(err error) ErrorCategory {
	var (
		unprocessable *errspkg.UnprocessableEventError
		unregistered  *errspkg.UnregisteredMessageError
	)
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.As(err, &unprocessable):
		return ErrorCategoryValidation
	case errors.As(err, &unregistered):
		return ErrorCategoryUnregistered
	case errors.Is(err, persistence.ErrStateNotFound):
		return ErrorCategoryStateNotFound
	case errors.Is(err, persistence.ErrVersionConflict):
		return ErrorCategoryConflict
	case errors.Is(err, errspkg.ErrHandlerFailed):
		return ErrorCategoryHandler
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryCanceled
	default:
		return ErrorCategoryOther
	}
}

// QueueStats accumulates what one queue subscriber processed.
type QueueStats struct {
	mu sync.Mutex

	queue      string
	classifier ErrorClassifier
	sampler    *resourceTracker
	latency    *latencyWindow
	throughput *throughputWindow

	processed   uint64
	failed      uint64
	totalNs     int64
	lastAt      time.Time
	inFlight    uint64
	maxInFlight uint64
	errors      map[ErrorCategory]uint64
	lastError   string
}

// QueueStatsSnapshot is the JSON view of QueueStats.
type QueueStatsSnapshot struct {
	Queue             string                   `json:"queue"`
	MessagesProcessed uint64                   `json:"messages_processed"`
	MessagesFailed    uint64                   `json:"messages_failed"`
	LastProcessedAt   time.Time                `json:"last_processed_at"`
	InFlight          uint64                   `json:"in_flight"`
	MaxInFlight       uint64                   `json:"max_in_flight"`
	Latency           LatencyMetrics           `json:"latency"`
	Throughput        ThroughputMetrics        `json:"throughput"`
	Errors            map[ErrorCategory]uint64 `json:"errors,omitempty"`
	LastError         string                   `json:"last_error,omitempty"`
	Resource          ResourceUsage            `json:"resource"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

func newQueueStats(queue string, classifier ErrorClassifier, sampler *resourceTracker) *QueueStats {
	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	return &QueueStats{
		queue:      queue,
		classifier: classifier,
		sampler:    sampler,
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
		errors:     make(map[ErrorCategory]uint64),
	}
}

func (q *QueueStats) begin() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight++
	q.maxInFlight = max(q.maxInFlight, q.inFlight)
}

func (q *QueueStats) finish(d time.Duration, err error) {
	category := q.classifier(err)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight > 0 {
		q.inFlight--
	}
	q.processed++
	q.totalNs += int64(d)
	q.lastAt = time.Now().UTC()
	q.latency.add(d)
	q.throughput.add(q.lastAt)

	if err != nil {
		q.failed++
		q.errors[category]++
		q.lastError = err.Error()
	}
}

// Snapshot copies the current counters.
func (q *QueueStats) Snapshot() QueueStatsSnapshot {
	if q == nil {
		return QueueStatsSnapshot{}
	}
	var resource ResourceUsage
	if q.sampler != nil {
		resource = q.sampler.Snapshot()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	latency := q.latency.snapshot()
	if q.processed > 0 {
		latency.AverageNs = q.totalNs / int64(q.processed)
	}
	out := QueueStatsSnapshot{
		Queue:             q.queue,
		MessagesProcessed: q.processed,
		MessagesFailed:    q.failed,
		LastProcessedAt:   q.lastAt,
		InFlight:          q.inFlight,
		MaxInFlight:       q.maxInFlight,
		Latency:           latency,
		Throughput:        q.throughput.snapshot(time.Now()),
		LastError:         q.lastError,
		Resource:          resource,
	}
	if len(q.errors) > 0 {
		out.Errors = make(map[ErrorCategory]uint64, len(q.errors))
		for k, v := range q.errors {
			out.Errors[k] = v
		}
	}
	return out
}

// latencyWindow is a ring of the most recent durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, max(size, 1))}
}

func (w *latencyWindow) add(d time.Duration) {
	w.samples[w.next] = int64(d)
	w.last = int64(d)
	w.next = (w.next + 1) % len(w.samples)
	w.filled = min(w.filled+1, len(w.samples))
}

func (w *latencyWindow) snapshot() LatencyMetrics {
	out := LatencyMetrics{LastNs: w.last, SampleSize: w.filled}
	if w.filled == 0 {
		return out
	}
	sorted := slices.Clone(w.samples[:w.filled])
	slices.Sort(sorted)
	out.P50Ns = percentile(sorted, 0.50)
	out.P95Ns = percentile(sorted, 0.95)
	out.P99Ns = percentile(sorted, 0.99)
	return out
}

// percentile interpolates linearly between the closest ranks.
func percentile(sorted []int64, q float64) int64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + int64(float64(sorted[hi]-sorted[lo])*(pos-float64(lo)))
}

type throughputWindow struct {
	horizon time.Duration
	stamps  []time.Time
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, stamps: make([]time.Time, 0, 64)}
}

func (w *throughputWindow) add(now time.Time) {
	w.stamps = append(w.stamps, now)
	w.trim(now)
}

func (w *throughputWindow) trim(now time.Time) {
	cutoff := now.Add(-w.horizon)
	idx, _ := slices.BinarySearchFunc(w.stamps, cutoff, func(t, target time.Time) int {
		return t.Compare(target)
	})
	if idx > 0 {
		w.stamps = slices.Delete(w.stamps, 0, idx)
	}
}

func (w *throughputWindow) snapshot(now time.Time) ThroughputMetrics {
	if len(w.stamps) == 0 {
		return ThroughputMetrics{}
	}
	span := max(now.Sub(w.stamps[0]), time.Nanosecond)
	return ThroughputMetrics{
		CurrentRPS:       float64(len(w.stamps)) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: uint64(len(w.stamps)),
	}
}
