package cdp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is. The concrete types below match them.
var (
	ErrTransport        = errors.New("cdp: transport error")
	ErrConnectionClosed = errors.New("cdp: connection closed")
	ErrProtocol         = errors.New("cdp: protocol error")
	ErrTimeout          = errors.New("cdp: timeout")
	ErrUnsubscribed     = errors.New("cdp: subscription closed")
)

// TransportError is a socket-level failure or an explicit close. Every
// command pending on a connection fails with one when the connection goes away.
type TransportError struct {
	Op         string // "dial", "write", "read", "close"
	URL        string
	StatusCode int // HTTP status of a failed handshake, 0 otherwise
	Err        error
}

func (e *TransportError) Error() string {
	msg := "cdp: transport " + e.Op
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError is an error object returned by the remote endpoint.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("cdp: %s failed: %s (%d)", e.Method, e.Message, e.Code)
	if e.Data != "" {
		msg += ": " + e.Data
	}
	return msg
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TimeoutError is returned when a command or event wait exceeds its deadline.
// It unwraps to context.DeadlineExceeded.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cdp: %s timed out after %s", e.Method, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsRetryable reports whether err is a timeout or protocol error, the two
// classes a caller may reasonably retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrProtocol)
}
