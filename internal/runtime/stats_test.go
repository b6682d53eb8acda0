package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/persistence"
)

func TestDefaultErrorClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrorCategoryNone},
		{"unprocessable", &errspkg.UnprocessableEventError{Kind: "k", Err: errors.New("bad")}, ErrorCategoryValidation},
		{"unregistered", &errspkg.UnregisteredMessageError{Kind: "k"}, ErrorCategoryUnregistered},
		{"state not found", fmt.Errorf("saga orders: %w", persistence.ErrStateNotFound), ErrorCategoryStateNotFound},
		{"conflict", fmt.Errorf("commit: %w", persistence.ErrVersionConflict), ErrorCategoryConflict},
		{"handler", fmt.Errorf("%w: boom", errspkg.ErrHandlerFailed), ErrorCategoryHandler},
		{"canceled", context.Canceled, ErrorCategoryCanceled},
		{"deadline", context.DeadlineExceeded, ErrorCategoryCanceled},
		{"other", errors.New("x"), ErrorCategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultErrorClassifier(tt.err))
		})
	}
}

func TestQueueStatsCountsOutcomes(t *testing.T) {
	st := newQueueStats("orders.placed", nil, nil)

	st.begin()
	st.begin()
	st.finish(10*time.Millisecond, nil)
	st.finish(30*time.Millisecond, &errspkg.UnregisteredMessageError{Kind: "x"})

	snap := st.Snapshot()
	assert.Equal(t, "orders.placed", snap.Queue)
	assert.EqualValues(t, 2, snap.MessagesProcessed)
	assert.EqualValues(t, 1, snap.MessagesFailed)
	assert.Zero(t, snap.InFlight)
	assert.EqualValues(t, 2, snap.MaxInFlight)
	assert.Equal(t, map[ErrorCategory]uint64{ErrorCategoryUnregistered: 1}, snap.Errors)
	assert.NotEmpty(t, snap.LastError)
	assert.False(t, snap.LastProcessedAt.IsZero())

	assert.Equal(t, 2, snap.Latency.SampleSize)
	assert.Equal(t, int64(20*time.Millisecond), snap.Latency.AverageNs)
	assert.Equal(t, int64(30*time.Millisecond), snap.Latency.LastNs)
	assert.EqualValues(t, 2, snap.Throughput.MessagesInWindow)
}

func TestQueueStatsCustomClassifier(t *testing.T) {
	st := newQueueStats("q", func(error) ErrorCategory { return "custom" }, nil)
	st.begin()
	st.finish(time.Millisecond, errors.New("x"))

	assert.Equal(t, uint64(1), st.Snapshot().Errors["custom"])
}

func TestQueueStatsSnapshotNil(t *testing.T) {
	var st *QueueStats
	assert.Equal(t, QueueStatsSnapshot{}, st.Snapshot())
}

func TestQueueStatsSamplesResources(t *testing.T) {
	st := newQueueStats("q", nil, newResourceTracker())
	snap := st.Snapshot()
	assert.Positive(t, snap.Resource.Goroutines)
	assert.Positive(t, snap.Resource.MemoryBytes)
}

func TestPercentile(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}

	assert.Zero(t, percentile(nil, 0.5))
	assert.Equal(t, int64(10), percentile(sorted, 0))
	assert.Equal(t, int64(50), percentile(sorted, 1))
	assert.Equal(t, int64(30), percentile(sorted, 0.5))
	assert.Equal(t, int64(48), percentile(sorted, 0.95))
}

func TestLatencyWindowWraps(t *testing.T) {
	w := newLatencyWindow(3)
	for i := 1; i <= 5; i++ {
		w.add(time.Duration(i))
	}

	snap := w.snapshot()
	assert.Equal(t, 3, snap.SampleSize)
	assert.Equal(t, int64(5), snap.LastNs)
	assert.Equal(t, int64(4), snap.P50Ns)
}

func TestThroughputWindowDropsOldStamps(t *testing.T) {
	w := newThroughputWindow(time.Minute)
	now := time.Now()
	w.add(now.Add(-2 * time.Minute))
	w.add(now.Add(-30 * time.Second))
	w.add(now)

	snap := w.snapshot(now)
	require.EqualValues(t, 2, snap.MessagesInWindow)
	assert.InDelta(t, 30, snap.WindowSeconds, 0.001)
	assert.InDelta(t, 2.0/30.0, snap.CurrentRPS, 0.001)

	assert.Equal(t, ThroughputMetrics{}, newThroughputWindow(time.Minute).snapshot(now))
}

func TestResourceTrackerNil(t *testing.T) {
	var r *resourceTracker
	assert.Equal(t, ResourceUsage{}, r.Snapshot())
}

func TestResourceTrackerCPUDelta(t *testing.T) {
	r := newResourceTracker()
	first := r.Snapshot()
	assert.Zero(t, first.CPUPercent)

	time.Sleep(10 * time.Millisecond)
	second := r.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
	assert.Positive(t, second.Goroutines)
}
