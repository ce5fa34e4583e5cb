package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired      = sterrors.New("rabbitflow: service is required")
	ErrControllerRequired   = sterrors.New("rabbitflow: controller is required")
	ErrChannelRequired      = sterrors.New("rabbitflow: socket channel is required")
	ErrMiddlewareRequired   = sterrors.New("rabbitflow: middleware function is required")
	ErrCatchRequired        = sterrors.New("rabbitflow: catch handler is required")
	ErrReconnectRequired    = sterrors.New("rabbitflow: reconnect handler is required")
	ErrControllersDirectory = sterrors.New("rabbitflow: a controller directory is required for string controllers")
	ErrConfigRequired       = sterrors.New("rabbitflow: config is required")
	ErrLoggerRequired       = sterrors.New("rabbitflow: logger is required")
	ErrAlreadyListening     = sterrors.New("rabbitflow: service is already listening")
	ErrNotListening         = sterrors.New("rabbitflow: service is not listening")
	ErrServiceClosed        = sterrors.New("rabbitflow: service is closed")
	ErrPublisherRequired    = sterrors.New("rabbitflow: publisher is required to emit messages")
	ErrEventPayloadRequired = sterrors.New("rabbitflow: event payload is required")

	ErrHandlerRequired             = sterrors.New("rabbitflow: handler is required")
	ErrConsumeMessageTypeRequired  = sterrors.New("rabbitflow: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("rabbitflow: consume message type must be a pointer")

	// ErrNextCalledTwice is returned when a middleware invokes its continuation more than once.
	ErrNextCalledTwice = sterrors.New("rabbitflow: next() called multiple times")

	// ErrStopReconnecting can be returned by a reconnect handler to stop all future attempts.
	ErrStopReconnecting = sterrors.New("rabbitflow: stop reconnecting")
)

// ConfigurationError reports an invalid setup detected before Listen.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Op == "" {
		return "rabbitflow: configuration error: " + e.Err.Error()
	}
	return fmt.Sprintf("rabbitflow: configuration error in %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps err as a ConfigurationError for the named operation.
func NewConfigurationError(op string, err error) *ConfigurationError {
	return &ConfigurationError{Op: op, Err: err}
}

// ParsePayloadError is raised when auto-parsing a message payload fails.
type ParsePayloadError struct {
	Payload string
	Err     error
}

func (e *ParsePayloadError) Error() string {
	return fmt.Sprintf("rabbitflow: failed to parse message: %v", e.Err)
}

func (e *ParsePayloadError) Unwrap() error { return e.Err }

// ConnectionError carries a broker connection failure. Qualifying failures drive
// the reconnect state machine, the rest go to the catch handler.
type ConnectionError struct {
	Err        error
	Qualifying bool
}

func (e *ConnectionError) Error() string {
	return "rabbitflow: connection error: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PanicError is produced when a middleware or controller panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("rabbitflow: panic recovered: %v", e.Value)
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return sterrors.As(err, &cfgErr)
}
