package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired         = sterrors.New("sagaflow: saga service is required")
	ErrConfigRequired          = sterrors.New("sagaflow: configuration is required")
	ErrLoggerRequired          = sterrors.New("sagaflow: logger is required")
	ErrHandlerRequired         = sterrors.New("sagaflow: handler function is required")
	ErrSagaKindRequired        = sterrors.New("sagaflow: saga kind is required")
	ErrStateFactoryRequired    = sterrors.New("sagaflow: state factory is required")
	ErrMessageTypeRequired     = sterrors.New("sagaflow: message type is required")
	ErrMessagePointerNeeded    = sterrors.New("sagaflow: message type must be a pointer")
	ErrMessageRequired         = sterrors.New("sagaflow: message is required")
	ErrMessageIDRequired       = sterrors.New("sagaflow: message id is required")
	ErrCorrelationIDRequired   = sterrors.New("sagaflow: correlation id is required")
	ErrUnknownMessageKind      = sterrors.New("sagaflow: unknown message kind")
	ErrHandlerFailed           = sterrors.New("sagaflow: saga handler failed")
	ErrPublisherRequired       = sterrors.New("sagaflow: publisher is required")
	ErrSubscriberRequired      = sterrors.New("sagaflow: subscriber is required")
	ErrStoreRequired           = sterrors.New("sagaflow: persistence store is required")
	ErrProcessorRunning        = sterrors.New("sagaflow: outbox processor is already running")
	ErrCleanerRunning          = sterrors.New("sagaflow: outbox cleaner is already running")
	ErrSubscriberRunning       = sterrors.New("sagaflow: subscriber is already running")
	ErrSagaAlreadyRegistered   = sterrors.New("sagaflow: saga kind is already registered")
	ErrServiceAlreadyStarted   = sterrors.New("sagaflow: service is already started")
	ErrMessageKindDeclared     = sterrors.New("sagaflow: message kind already declared by saga")
	ErrUnexpectedMessageType   = sterrors.New("sagaflow: message does not match the declared type")
	ErrMessageKindTypeConflict = sterrors.New("sagaflow: message kind is bound to another type")
)

// ConfigValidationError wraps the joined validation errors of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "sagaflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// UnprocessableEventError marks a message that can never be handled, such as
// an undecodable payload or one failing validation. The default poison queue
// filter forwards these.
type UnprocessableEventError struct {
	Kind    string
	Payload string
	Err     error
}

func (e *UnprocessableEventError) Error() string {
	return fmt.Sprintf("sagaflow: unprocessable %s message %s: %v", e.Kind, e.Payload, e.Err)
}

func (e *UnprocessableEventError) Unwrap() error { return e.Err }

// UnregisteredMessageError reports a message kind no saga starts or handles.
// It signals a missing registration and is never swallowed.
type UnregisteredMessageError struct {
	Kind      string
	MessageID string
}

func (e *UnregisteredMessageError) Error() string {
	return fmt.Sprintf("sagaflow: no saga registered for message kind %q (message %s)", e.Kind, e.MessageID)
}

func (e *UnregisteredMessageError) Unwrap() error { return ErrUnknownMessageKind }
