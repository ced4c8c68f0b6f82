package procreg

import (
	"errors"
	"fmt"
)

var (
	ErrProcessLifecycle = errors.New("procreg: process lifecycle failure")
	ErrNoRecord         = errors.New("procreg: no record")
	ErrInvalidName      = errors.New("procreg: invalid profile name")
)

// LifecycleError reports a failure to launch, reconcile or terminate a
// browser process. Callers must not continue with the profile directory.
type LifecycleError struct {
	Op   string // "launch", "reconcile", "terminate", "wait-port"...
	Name string
	PID  int
	Err  error
}

func (e *LifecycleError) Error() string {
	msg := "procreg: " + e.Op
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.PID > 0 {
		msg += fmt.Sprintf(" (pid %d)", e.PID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LifecycleError) Unwrap() error { return e.Err }

func (e *LifecycleError) Is(target error) bool { return target == ErrProcessLifecycle }
