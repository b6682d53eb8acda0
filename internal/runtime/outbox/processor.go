package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/metrics"
	"github.com/drblury/sagaflow/persistence"
)

// Defaults applied to zero options.
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultBatchSize       = 100
	DefaultCleanupInterval = time.Hour
)

const tracerName = "sagaflow/outbox"

// Publisher is the transport side used for delivery. Every Watermill
// publisher satisfies it.
type Publisher interface {
	Publish(topic string, messages ...*message.Message) error
}

// ProcessorOptions tunes a Processor. The lock duration is a property of the
// repository.
type ProcessorOptions struct {
	PollInterval time.Duration
	BatchSize    int
	// Topic maps a message kind to the transport topic. Defaults to the kind.
	Topic   func(kind string) string
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

func (o ProcessorOptions) withDefaults() ProcessorOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Topic == nil {
		o.Topic = func(kind string) string { return kind }
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return o
}

// PassResult counts what one processor pass did.
type PassResult struct {
	Listed        int
	Skipped       int
	Delivered     int
	Failed        int
	ReleaseFailed int
}

// Processor delivers pending outbox entries. Several processors may poll the
// same repository; the lock protocol hands every entry to one of them.
type Processor struct {
	repo      persistence.OutboxRepository
	publisher Publisher
	logger    logging.ServiceLogger
	opts      ProcessorOptions
	loop      *loop
}

// NewProcessor validates its collaborators and applies option defaults.
func NewProcessor(repo persistence.OutboxRepository, publisher Publisher, logger logging.ServiceLogger, opts ProcessorOptions) (*Processor, error) {
	if repo == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	p := &Processor{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With(logging.LogFields{"component": "outbox_processor"}),
		opts:      opts.withDefaults(),
	}
	p.loop = &loop{
		name:     "processor",
		interval: p.opts.PollInterval,
		logger:   p.logger,
		pass: func(ctx context.Context, stop <-chan struct{}) {
			_, _ = p.process(ctx, stop)
		},
	}
	return p, nil
}

// Start runs the polling loop in the background.
func (p *Processor) Start(ctx context.Context) error {
	return p.loop.start(ctx, errspkg.ErrProcessorRunning)
}

// Stop ends the loop. Deliveries in flight finish first unless ctx expires.
func (p *Processor) Stop(ctx context.Context) error {
	return p.loop.stop(ctx)
}

// Running reports whether the loop is active.
func (p *Processor) Running() bool {
	return p.loop.running()
}

// ProcessOnce runs a single pass.
func (p *Processor) ProcessOnce(ctx context.Context) (PassResult, error) {
	return p.process(ctx, ctx.Done())
}

func (p *Processor) process(ctx context.Context, stop <-chan struct{}) (PassResult, error) {
	start := time.Now()
	defer func() { p.opts.Metrics.ObservePass("processor", time.Since(start)) }()

	ctx, span := p.opts.Tracer.Start(ctx, "sagaflow.outbox.process")
	defer span.End()

	var res PassResult
	pending, err := p.repo.ListPending(ctx, p.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list pending")
		p.logger.Error("Failed to list pending outbox messages", err, nil)
		return res, fmt.Errorf("list pending outbox messages: %w", err)
	}
	res.Listed = len(pending)

	for _, entry := range pending {
		if stopped(stop) {
			break
		}
		p.handle(ctx, entry, &res)
	}

	span.SetAttributes(
		attribute.Int("outbox.listed", res.Listed),
		attribute.Int("outbox.delivered", res.Delivered),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.skipped", res.Skipped),
	)
	if res.Delivered > 0 || res.Failed > 0 {
		p.logger.Debug("Outbox pass finished", logging.LogFields{
			"listed":    res.Listed,
			"delivered": res.Delivered,
			"failed":    res.Failed,
			"skipped":   res.Skipped,
		})
	}
	return res, nil
}

func (p *Processor) handle(ctx context.Context, entry persistence.OutboxMessage, res *PassResult) {
	fields := logging.LogFields{
		"message_id":     entry.ID,
		"message_kind":   entry.Kind,
		"correlation_id": entry.CorrelationID,
	}

	lockID, err := p.repo.Lock(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrLock) {
			res.Skipped++
			p.opts.Metrics.LockSkipped()
			p.logger.Trace("Outbox message taken by another processor", fields)
			return
		}
		res.Failed++
		p.logger.Error("Failed to lock outbox message", err, fields)
		return
	}

	if err := p.deliver(ctx, entry); err != nil {
		res.Failed++
		p.opts.Metrics.DeliveryFailed(entry.Kind)
		p.logger.Error("Outbox delivery failed; message stays locked until the lock expires", err, fields)
		return
	}

	if err := p.repo.Release(ctx, entry.ID, lockID); err != nil {
		// Delivered but not marked processed: it will be delivered again
		// after the lock expires.
		res.ReleaseFailed++
		p.logger.Error("Failed to release delivered outbox message", err, fields)
		return
	}

	res.Delivered++
	p.opts.Metrics.Delivered(entry.Kind)
}

func (p *Processor) deliver(ctx context.Context, entry persistence.OutboxMessage) error {
	ctx, span := p.opts.Tracer.Start(ctx, "sagaflow.outbox.deliver", trace.WithAttributes(
		attribute.String("message.id", entry.ID),
		attribute.String("message.kind", entry.Kind),
	))
	defer span.End()

	md := metadata.Metadata(entry.Metadata).With(metadata.KeyMessageKind, entry.Kind)
	if entry.CorrelationID != "" {
		md[metadata.KeyCorrelationID] = entry.CorrelationID
	}
	md[metadata.KeyMessageID] = entry.ID

	msg := message.NewMessage(entry.ID, entry.Payload)
	msg.Metadata = metadata.ToWatermill(md)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.opts.Topic(entry.Kind), msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return fmt.Errorf("publish %s: %w", entry.ID, err)
	}
	return nil
}
