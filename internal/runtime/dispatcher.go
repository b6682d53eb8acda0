package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/metrics"
	"github.com/drblury/sagaflow/internal/runtime/registry"
	"github.com/drblury/sagaflow/internal/runtime/saga"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
)

const dispatchTracerName = "sagaflow/dispatch"

// Validator checks a decoded message before it reaches any saga.
type Validator interface {
	Validate(value any) error
}

// StructValidator validates struct messages with go-playground/validator
// tags. Non-struct values pass unchecked.
type StructValidator struct {
	validate *validator.Validate
}

// NewStructValidator returns a StructValidator with required-struct checks
// enabled.
func NewStructValidator() *StructValidator {
	return &StructValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *StructValidator) Validate(value any) error {
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return v.validate.Struct(value)
}

// MessageContext is one decoded inbound message.
type MessageContext struct {
	Message       messages.Message
	MessageID     string
	Kind          string
	CorrelationID string
	Metadata      metadata.Metadata

	ctx context.Context
}

// Context carries the cancellation signal and the extracted trace context.
func (m MessageContext) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// DispatcherOptions wires the optional collaborators of a Dispatcher.
type DispatcherOptions struct {
	Validator  Validator
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator
}

// Dispatcher decodes inbound messages, resolves the sagas registered for
// their kind and runs them.
type Dispatcher struct {
	runners    func() *registry.Registry[saga.Runner]
	decoder    serializer.Serializer
	validator  Validator
	metrics    *metrics.Metrics
	logger     loggingpkg.ServiceLogger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewDispatcher builds a Dispatcher. runners is read on every message so a
// registry swapped in by a hot-add is picked up immediately.
func NewDispatcher(runners func() *registry.Registry[saga.Runner], decoder serializer.Serializer, logger loggingpkg.ServiceLogger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(dispatchTracerName)
	}
	if opts.Propagator == nil {
		opts.Propagator = otel.GetTextMapPropagator()
	}
	return &Dispatcher{
		runners:    runners,
		decoder:    decoder,
		validator:  opts.Validator,
		metrics:    opts.Metrics,
		logger:     logger.With(loggingpkg.LogFields{"component": "dispatcher"}),
		tracer:     opts.Tracer,
		propagator: opts.Propagator,
	}
}

// NewContext decodes msg. Kinds without a registered prototype yield an
// *UnregisteredMessageError; undecodable or invalid payloads an
// *UnprocessableEventError.
func (d *Dispatcher) NewContext(msg *message.Message) (MessageContext, error) {
	md := metadata.FromWatermill(msg.Metadata)
	kind := md.Kind()
	if kind == "" {
		return MessageContext{}, d.unprocessable(kind, msg, fmt.Errorf("missing %s header", metadata.KeyMessageKind))
	}

	value, err := d.decoder.Deserialize(msg.Payload, kind)
	if errors.Is(err, errspkg.ErrUnknownMessageKind) {
		return MessageContext{}, d.unregistered(kind, msg.UUID)
	}
	if err != nil {
		return MessageContext{}, d.unprocessable(kind, msg, err)
	}
	m, ok := value.(messages.Message)
	if !ok {
		return MessageContext{}, d.unprocessable(kind, msg, fmt.Errorf("%w: %T", errspkg.ErrUnexpectedMessageType, value))
	}
	if err := messages.Validate(m); err != nil {
		return MessageContext{}, d.unprocessable(kind, msg, err)
	}
	if d.validator != nil {
		if err := d.validator.Validate(m); err != nil {
			return MessageContext{}, d.unprocessable(kind, msg, err)
		}
	}

	ctx := msg.Context()
	if !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = d.propagator.Extract(ctx, propagation.MapCarrier(msg.Metadata))
	}
	return MessageContext{
		Message:       m,
		MessageID:     m.GetId(),
		Kind:          kind,
		CorrelationID: m.GetCorrelationId(),
		Metadata:      md,
		ctx:           ctx,
	}, nil
}

// Resolve returns a runner for every saga declaring the message kind, in
// registration order.
func (d *Dispatcher) Resolve(mc MessageContext) ([]saga.Runner, error) {
	entries := d.runners().Resolve(mc.Kind)
	if len(entries) == 0 {
		return nil, d.unregistered(mc.Kind, mc.MessageID)
	}
	out := make([]saga.Runner, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out, nil
}

// Dispatch runs every resolved saga for msg. Sagas run concurrently; the
// persisted version of each instance serialises competing runs.
func (d *Dispatcher) Dispatch(msg *message.Message) ([]saga.Result, error) {
	mc, err := d.NewContext(msg)
	if err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(mc.Context(), "sagaflow.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("sagaflow.message_kind", mc.Kind),
			attribute.String("sagaflow.message_id", mc.MessageID),
			attribute.String("sagaflow.correlation_id", mc.CorrelationID),
		))
	defer span.End()

	runners, err := d.Resolve(mc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unregistered message kind")
		return nil, err
	}

	results, err := d.run(ctx, mc, runners)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "saga run failed")
	}
	return results, err
}

func (d *Dispatcher) run(ctx context.Context, mc MessageContext, runners []saga.Runner) ([]saga.Result, error) {
	results := make([]saga.Result, len(runners))
	if len(runners) == 1 {
		res, err := d.runOne(ctx, mc, runners[0])
		results[0] = res
		return results, err
	}

	var g errgroup.Group
	for i, r := range runners {
		g.Go(func() error {
			res, err := d.runOne(ctx, mc, r)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

func (d *Dispatcher) runOne(ctx context.Context, mc MessageContext, r saga.Runner) (saga.Result, error) {
	res, err := r.Run(ctx, mc.Message)

	outcome := metrics.OutcomeCommitted
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailed
	case res.Duplicate:
		outcome = metrics.OutcomeDuplicate
	}
	d.metrics.SagaRun(r.SagaKind(), outcome, res.HandlerAttempts, res.ConflictRetries)

	fields := loggingpkg.LogFields{
		"saga_kind":      r.SagaKind(),
		"message_kind":   mc.Kind,
		"message_id":     mc.MessageID,
		"correlation_id": mc.CorrelationID,
	}
	if err != nil {
		d.logger.Error("Saga run failed", err, fields)
		return res, fmt.Errorf("saga %s: %w", r.SagaKind(), err)
	}
	fields["outcome"] = outcome
	fields["produced"] = res.Produced
	fields["completed"] = res.Completed
	d.logger.Debug("Saga run finished", fields)
	return res, nil
}

func (d *Dispatcher) unregistered(kind, messageID string) error {
	d.metrics.Unregistered(kind)
	err := &errspkg.UnregisteredMessageError{Kind: kind, MessageID: messageID}
	d.logger.Error("No saga registered for message kind", err, loggingpkg.LogFields{
		"message_kind": kind,
		"message_id":   messageID,
	})
	return err
}

func (d *Dispatcher) unprocessable(kind string, msg *message.Message, err error) error {
	d.logger.Error("Unprocessable message", err, loggingpkg.LogFields{
		"message_kind": kind,
		"message_uuid": msg.UUID,
	})
	return &errspkg.UnprocessableEventError{Kind: kind, Payload: string(msg.Payload), Err: err}
}
