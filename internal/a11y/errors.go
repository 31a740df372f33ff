package a11y

import (
	"errors"
	"fmt"
)

// CommFailure is the fault description providers use for a dropped or
// unanswered peer while the tree is being walked.
const CommFailure = "a11y.CommFailure"

var (
	// ErrNotEnabled means accessibility support is switched off for the session.
	ErrNotEnabled = errors.New("assistive technologies not enabled")

	// ErrEmptyDesktop means the desktop root has no applications at all,
	// which happens when the session was not restarted after enabling
	// accessibility support.
	ErrEmptyDesktop = errors.New("the desktop has no children; have you re-logged in?")
)

// Fault is an error raised by a provider operation.
type Fault struct {
	Op          string
	Description string
	Fatal       bool
	Err         error
}

func (f *Fault) Error() string {
	kind := "non-fatal"
	if f.Fatal {
		kind = "fatal"
	}
	msg := fmt.Sprintf("%s: %s provider fault %s", f.Op, kind, f.Description)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// StatusError reports a nonzero status code from a provider call.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned error %d", e.Op, e.Code)
}

// DesktopCountError is returned when the tree does not have exactly one
// desktop root.
type DesktopCountError struct {
	Count int
}

func (e *DesktopCountError) Error() string {
	return fmt.Sprintf("there are %d desktops, expected to find one", e.Count)
}

// LeakError reports nodes still referenced when the provider shut down.
type LeakError struct {
	Count int
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("there were %d accessibility node leaks", e.Count)
}
