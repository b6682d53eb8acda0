package sagaflow

import (
	runtimepkg "github.com/drblury/sagaflow/internal/runtime"
	"github.com/drblury/sagaflow/internal/runtime/bus"
	configpkg "github.com/drblury/sagaflow/internal/runtime/config"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	idspkg "github.com/drblury/sagaflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	messagespkg "github.com/drblury/sagaflow/internal/runtime/messages"
	metadatapkg "github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/outbox"
	sagapkg "github.com/drblury/sagaflow/internal/runtime/saga"
	serializerpkg "github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
	_ "github.com/drblury/sagaflow/persistence/backends"
	"github.com/drblury/sagaflow/transport"
	_ "github.com/drblury/sagaflow/transport/transports"
)

type (
	Config              = configpkg.Config
	SystemInfo          = configpkg.SystemInfo
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Validator           = runtimepkg.Validator
	StructValidator     = runtimepkg.StructValidator

	// Saga declaration
	Message                     = messagespkg.Message
	Kinded                      = messagespkg.Kinded
	MessageBase                 = messagespkg.Base
	State                       = sagapkg.State
	StateBase                   = sagapkg.StateBase
	Saga                        = sagapkg.Saga
	Definition[S State]         = sagapkg.Definition[S]
	Instance[S State]           = sagapkg.Instance[S]
	Handler[S State, M Message] = sagapkg.Handler[S, M]
	RetryPolicy                 = sagapkg.RetryPolicy
	SagaResult                  = sagapkg.Result

	Bus = bus.Bus

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError    = errspkg.ConfigValidationError
	UnprocessableEventError  = errspkg.UnprocessableEventError
	UnregisteredMessageError = errspkg.UnregisteredMessageError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	Introspection      = runtimepkg.Introspection
	QueueStatsSnapshot = runtimepkg.QueueStatsSnapshot
	OutboxPassResult   = outbox.PassResult

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	// Persistence
	Store               = persistence.Store
	OutboxMessage       = persistence.OutboxMessage
	PersistenceBuilder  = persistence.Builder
	PersistenceConfig   = persistence.Config
	PersistenceRegistry = persistence.Registry
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	NewStructValidator = runtimepkg.NewStructValidator

	NewMessageBase     = messagespkg.NewBase
	MessageKind        = messagespkg.KindOf
	DefaultRetryPolicy = sagapkg.DefaultRetryPolicy
	NoRetry            = sagapkg.NoRetry
	Permanent          = sagapkg.Permanent

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	IsTransient             = runtimepkg.IsTransient
	IsUnprocessable         = runtimepkg.IsUnprocessable

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	AlertingHooks      = runtimepkg.AlertingHooks
	QueueFromContext   = runtimepkg.QueueFromContext

	DefaultErrorClassifier = runtimepkg.DefaultErrorClassifier

	// Transport registry. Every built-in transport is registered; import
	// a single transport package instead when building a registry by hand.
	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	// Persistence registry, with memory, sqlite, postgres and mongo.
	DefaultPersistenceRegistry = persistence.DefaultRegistry
	NewPersistenceRegistry     = persistence.NewRegistry
	RegisterPersistence        = persistence.Register
	BuildPersistence           = persistence.Build

	Marshal       = serializerpkg.Marshal
	MarshalIndent = serializerpkg.MarshalIndent
	Unmarshal     = serializerpkg.Unmarshal
	Encode        = serializerpkg.Encode
	Decode        = serializerpkg.Decode

	ErrServiceRequired         = errspkg.ErrServiceRequired
	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrLoggerRequired          = errspkg.ErrLoggerRequired
	ErrHandlerRequired         = errspkg.ErrHandlerRequired
	ErrSagaKindRequired        = errspkg.ErrSagaKindRequired
	ErrMessageRequired         = errspkg.ErrMessageRequired
	ErrMessageIDRequired       = errspkg.ErrMessageIDRequired
	ErrCorrelationIDRequired   = errspkg.ErrCorrelationIDRequired
	ErrUnknownMessageKind      = errspkg.ErrUnknownMessageKind
	ErrHandlerFailed           = errspkg.ErrHandlerFailed
	ErrPublisherRequired       = errspkg.ErrPublisherRequired
	ErrSubscriberRequired      = errspkg.ErrSubscriberRequired
	ErrStoreRequired           = errspkg.ErrStoreRequired
	ErrSagaAlreadyRegistered   = errspkg.ErrSagaAlreadyRegistered
	ErrMessageKindDeclared     = errspkg.ErrMessageKindDeclared
	ErrMessageKindTypeConflict = errspkg.ErrMessageKindTypeConflict

	ErrStateNotFound    = persistence.ErrStateNotFound
	ErrVersionConflict  = persistence.ErrVersionConflict
	ErrDuplicateMessage = persistence.ErrDuplicateMessage

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New

	NewMessageID = idspkg.NewMessageID
)

// DefaultShutdownTimeout bounds the drain performed by Service.Run.
const DefaultShutdownTimeout = runtimepkg.DefaultShutdownTimeout

// Metadata keys stamped on every outbound message.
const (
	MetadataKeyMessageKind   = metadatapkg.KeyMessageKind
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyMessageID     = metadatapkg.KeyMessageID
	MetadataKeySenderID      = metadatapkg.KeySenderID
	MetadataKeyCreatedAt     = metadatapkg.KeyCreatedAt
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone          = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation    = runtimepkg.ErrorCategoryValidation
	ErrorCategoryUnregistered  = runtimepkg.ErrorCategoryUnregistered
	ErrorCategoryStateNotFound = runtimepkg.ErrorCategoryStateNotFound
	ErrorCategoryConflict      = runtimepkg.ErrorCategoryConflict
	ErrorCategoryHandler       = runtimepkg.ErrorCategoryHandler
	ErrorCategoryCanceled      = runtimepkg.ErrorCategoryCanceled
	ErrorCategoryOther         = runtimepkg.ErrorCategoryOther
)

// NewDefinition declares a saga kind whose state is built by newState.
func NewDefinition[S State](kind string, newState func(correlationID string) S) *Definition[S] {
	return sagapkg.NewDefinition(kind, newState)
}

// StartedBy declares that M creates a new instance when none exists.
func StartedBy[S State, M Message](def *Definition[S], handler Handler[S, M]) error {
	return sagapkg.StartedBy(def, handler)
}

// StartedWith is StartedBy with a state constructor that sees the message.
func StartedWith[S State, M Message](def *Definition[S], newState func(msg M) S, handler Handler[S, M]) error {
	return sagapkg.StartedWith(def, newState, handler)
}

// Handles declares that M is routed to existing instances only.
func Handles[S State, M Message](def *Definition[S], handler Handler[S, M]) error {
	return sagapkg.Handles(def, handler)
}

// RegisterSagas registers sagas on svc before it is started.
func RegisterSagas(svc *Service, sagas ...Saga) error {
	if svc == nil {
		return ErrServiceRequired
	}
	return svc.Register(sagas...)
}
