package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metrics"
	"github.com/drblury/sagaflow/persistence"
)

// CleanerOptions tunes a Cleaner.
type CleanerOptions struct {
	Interval time.Duration
	// Retention keeps processed entries at least this long. Zero removes
	// every processed entry on each pass.
	Retention time.Duration
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
}

func (o CleanerOptions) withDefaults() CleanerOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultCleanupInterval
	}
	if o.Retention < 0 {
		o.Retention = 0
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Cleaner purges processed outbox entries. Pending and locked entries are
// never touched.
type Cleaner struct {
	repo   persistence.OutboxRepository
	logger logging.ServiceLogger
	opts   CleanerOptions
	loop   *loop
}

// NewCleaner validates its collaborators and applies option defaults.
func NewCleaner(repo persistence.OutboxRepository, logger logging.ServiceLogger, opts CleanerOptions) (*Cleaner, error) {
	if repo == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &Cleaner{
		repo:   repo,
		logger: logger.With(logging.LogFields{"component": "outbox_cleaner"}),
		opts:   opts.withDefaults(),
	}
	c.loop = &loop{
		name:     "cleaner",
		interval: c.opts.Interval,
		logger:   c.logger,
		pass: func(ctx context.Context, _ <-chan struct{}) {
			_, _ = c.CleanOnce(ctx)
		},
	}
	return c, nil
}

// Start runs the cleaning loop in the background.
func (c *Cleaner) Start(ctx context.Context) error {
	return c.loop.start(ctx, errspkg.ErrCleanerRunning)
}

// Stop ends the loop, waiting for a pass in flight.
func (c *Cleaner) Stop(ctx context.Context) error {
	return c.loop.stop(ctx)
}

// Running reports whether the loop is active.
func (c *Cleaner) Running() bool {
	return c.loop.running()
}

// CleanOnce removes the processed entries older than the retention and
// returns how many were deleted.
func (c *Cleaner) CleanOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() { c.opts.Metrics.ObservePass("cleaner", time.Since(start)) }()

	ctx, span := c.opts.Tracer.Start(ctx, "sagaflow.outbox.clean")
	defer span.End()

	var before time.Time
	if c.opts.Retention > 0 {
		before = c.opts.Now().Add(-c.opts.Retention)
	}

	removed, err := c.repo.CleanProcessed(ctx, before)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("Failed to clean processed outbox messages", err, nil)
		return 0, fmt.Errorf("clean processed outbox messages: %w", err)
	}
	span.SetAttributes(attribute.Int64("outbox.cleaned", removed))
	c.opts.Metrics.Cleaned(removed)
	if removed > 0 {
		c.logger.Debug("Processed outbox messages cleaned", logging.LogFields{"removed": removed})
	}
	return removed, nil
}
