package broker

import (
	"context"
	"errors"
	"net"
	"syscall"
)

var (
	// ErrConnectionRefused is reported when the broker could not be reached.
	ErrConnectionRefused = errors.New("broker: connection refused")
	// ErrUnexpectedClose is reported when a live connection dropped without Close being called.
	ErrUnexpectedClose = errors.New("broker: connection closed unexpectedly")

	ErrUnknownSocketType = errors.New("broker: unknown socket type")
	ErrUnsupportedEvent  = errors.New("broker: unsupported listen event")
	ErrNotConnected      = errors.New("broker: socket is not connected")
	ErrWrongSocketType   = errors.New("broker: operation not supported by socket type")
	ErrClosed            = errors.New("broker: connection is closed")
)

// IsQualifying reports whether err is a connection failure that should trigger
// a reconnect.
func IsQualifying(err error) bool {
	return errors.Is(err, ErrConnectionRefused) || errors.Is(err, ErrUnexpectedClose)
}

// ClassifyDialError marks network-level dial failures as ErrConnectionRefused.
// Other errors are returned unchanged.
func ClassifyDialError(err error) error {
	if err == nil || IsQualifying(err) {
		return err
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &refusedError{err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &refusedError{err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &refusedError{err: err}
	}
	return err
}

type refusedError struct {
	err error
}

func (e *refusedError) Error() string {
	return ErrConnectionRefused.Error() + ": " + e.err.Error()
}

func (e *refusedError) Unwrap() []error {
	return []error{ErrConnectionRefused, e.err}
}
