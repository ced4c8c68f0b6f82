package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
)

var (
	ErrStaleReference = errors.New("session: stale reference")
	ErrJSEvaluation   = errors.New("session: javascript exception")
	ErrNotFound       = errors.New("session: not found")
	ErrAttach         = errors.New("session: attach failed")
	ErrNotAttached    = errors.New("session: not attached")
	ErrNavigation     = errors.New("session: navigation failed")
	ErrNotInputMethod = errors.New("session: not an Input domain method")
)

// StaleReferenceError is returned when a handle or execution context is used
// after its context was invalidated. It is detected locally, before any
// command is sent.
type StaleReferenceError struct {
	ObjectID  string // empty when the context itself was used
	ContextID int64
	Reason    string
}

func (e *StaleReferenceError) Error() string {
	what := fmt.Sprintf("execution context %d", e.ContextID)
	if e.ObjectID != "" {
		what = fmt.Sprintf("remote object %s (context %d)", e.ObjectID, e.ContextID)
	}
	if e.Reason != "" {
		return fmt.Sprintf("session: stale reference to %s: %s", what, e.Reason)
	}
	return "session: stale reference to " + what
}

func (e *StaleReferenceError) Is(target error) bool { return target == ErrStaleReference }

// JSEvaluationError is an exception thrown by evaluated page code.
type JSEvaluationError struct {
	Text        string
	Description string
	ClassName   string
	Line        int
	Column      int
	Stack       []string
}

func (e *JSEvaluationError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Text
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return fmt.Sprintf("session: javascript exception at %d:%d: %s", e.Line, e.Column, msg)
}

func (e *JSEvaluationError) Is(target error) bool { return target == ErrJSEvaluation }

// NotFoundError is returned when a bounded lookup runs out of time.
type NotFoundError struct {
	What    string // "element", "target"
	Query   string
	Timeout time.Duration
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session: %s %s not found within %s", e.What, e.Query, e.Timeout)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AttachError is returned when a target's endpoint cannot be opened or the
// initial domains cannot be enabled.
type AttachError struct {
	TargetID string
	Err      error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("session: attach to target %s: %v", e.TargetID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

func (e *AttachError) Is(target error) bool { return target == ErrAttach }

// StateError is returned when an operation needs an attached session. It
// also matches cdp.ErrProtocol: the command was refused before sending.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session: %s requires an attached target (state %s)", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrNotAttached || target == cdp.ErrProtocol
}

// NavigationError carries the errorText of a failed Page.navigate.
type NavigationError struct {
	URL       string
	ErrorText string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("session: navigate to %s: %s", e.URL, e.ErrorText)
}

func (e *NavigationError) Is(target error) bool { return target == ErrNavigation }
