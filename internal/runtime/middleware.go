package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

const consumeTracerName = "sagaflow/subscriber"

// MiddlewareBuilder constructs a middleware once the service is wired.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration describes one middleware of the subscriber chain.
// Middlewares wrap the dispatcher in registration order, the first one
// outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the in-process redelivery of a failed
// message before it is nacked.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = IsTransient
	}
	return cfg
}

// IsTransient reports whether redelivering the message could succeed.
// Unprocessable payloads, unregistered kinds and handler failures that
// already exhausted their saga's retry policy are not transient.
func IsTransient(err error) bool {
	var (
		unprocessable *errspkg.UnprocessableEventError
		unregistered  *errspkg.UnregisteredMessageError
	)
	switch {
	case err == nil:
		return false
	case errors.As(err, &unprocessable), errors.As(err, &unregistered):
		return false
	case errors.Is(err, errspkg.ErrHandlerFailed):
		return false
	}
	return true
}

// IsUnprocessable is the default poison queue filter.
func IsUnprocessable(err error) bool {
	var unprocessable *errspkg.UnprocessableEventError
	return errors.As(err, &unprocessable)
}

// DefaultMiddlewares returns the chain registered by NewService unless
// disabled.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
		PoisonQueueMiddleware(nil),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus handler metrics when metrics
// are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(s.registerer, "sagaflow", s.Conf.PubSubSystem)
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware fills the correlation header of messages produced
// outside sagaflow.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadata.KeyCorrelationID, ids.NewMessageID())
		}
		return h(msg)
	}
}

// LogMessagesMiddleware logs payload and headers of every inbound message at
// debug level. A nil logger uses the service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"queue":        QueueFromContext(msg.Context()),
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// TracerMiddleware starts a consumer span, continuing the trace propagated
// in the message headers.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(*Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(otel.Tracer(consumeTracerName), otel.GetTextMapPropagator()), nil
		},
	}
}

func tracerMiddleware(tracer trace.Tracer, propagator propagation.TextMapPropagator) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := propagator.Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
			ctx, span := tracer.Start(ctx, "sagaflow.consume",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.destination", QueueFromContext(msg.Context())),
					attribute.String("messaging.message_id", msg.UUID),
					attribute.String("sagaflow.message_kind", msg.Metadata.Get(metadata.KeyMessageKind)),
				))
			defer span.End()
			msg.SetContext(ctx)

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
			}
			return produced, err
		}
	}
}

// RetryMiddleware retries transient failures in process before the message
// is nacked. Zero values take defaults.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return retryMiddleware(normalized, s.Logger), nil
		},
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	r := middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return cfg.RetryIf(params.Err)
		},
	}
	if logger != nil {
		r.Logger = loggingpkg.NewWatermillAdapter(logger)
	}
	return r.Middleware
}

// PoisonQueueMiddleware acks messages matching filter after copying them to
// Config.PoisonQueue. Without a configured poison queue nothing is
// registered. A nil filter matches unprocessable messages only.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf.PoisonQueue == "" {
				return nil, nil
			}
			if s.publisher == nil {
				return nil, errspkg.ErrPublisherRequired
			}
			f := filter
			if f == nil {
				f = IsUnprocessable
			}
			return middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, f)
		},
	}
}

// RecovererMiddleware turns handler panics into errors so the message is
// nacked instead of crashing the process.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware appends a middleware to the subscriber chain. It must
// be called before Start.
func (s *Service) RegisterMiddleware(reg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		if mw, err = reg.Builder(s); err != nil {
			return err
		}
	default:
		return errors.New("sagaflow: middleware registration requires Middleware or Builder")
	}
	if mw == nil {
		return nil
	}

	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewareNames = append(s.middlewareNames, reg.Name)
	return nil
}

// chain wraps h with the registered middlewares, the first registered
// outermost.
func (s *Service) chain(h message.HandlerFunc) message.HandlerFunc {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}
