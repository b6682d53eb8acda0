package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

// JobContext describes one inbound message as seen by the hooks.
type JobContext struct {
	// Queue is the queue the message was consumed from.
	Queue         string
	MessageUUID   string
	MessageKind   string
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is set for OnJobDone and OnJobError only.
	Duration time.Duration
}

// JobHooks are optional callbacks around the dispatch of an inbound message.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives the error that will cause a nack, or a poison
	// queue hand-off when the error is unprocessable.
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware registers hooks as a subscriber middleware.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(*Service) (message.HandlerMiddleware, error) {
			if hooks.empty() {
				return nil, nil
			}
			return jobHooksMiddleware(hooks), nil
		},
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := metadata.FromWatermill(msg.Metadata)
			job := JobContext{
				Queue:         QueueFromContext(msg.Context()),
				MessageUUID:   msg.UUID,
				MessageKind:   md.Kind(),
				CorrelationID: md.CorrelationID(),
				Metadata:      msg.Metadata,
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			produced, err := h(msg)
			job.Duration = time.Since(job.StartedAt)

			switch {
			case err != nil && hooks.OnJobError != nil:
				hooks.OnJobError(job, err)
			case err == nil && hooks.OnJobDone != nil:
				hooks.OnJobDone(job)
			}
			return produced, err
		}
	}
}

// LoggingHooks logs the lifecycle of every inbound message.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"queue":          ctx.Queue,
			"message_uuid":   ctx.MessageUUID,
			"message_kind":   ctx.MessageKind,
			"correlation_id": ctx.CorrelationID,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Message received", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Message dispatched", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Message dispatch failed", err, f)
		},
	}
}

// AlertingHooks calls alert for every failed dispatch.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alert}
}

type queueCtxKey struct{}

// ContextWithQueue records the consuming queue on ctx.
func ContextWithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, queueCtxKey{}, queue)
}

// QueueFromContext returns the queue set by ContextWithQueue.
func QueueFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	queue, _ := ctx.Value(queueCtxKey{}).(string)
	return queue
}
