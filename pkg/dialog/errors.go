package dialog

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownState       = errors.New("unknown state")
	ErrDuplicateState     = errors.New("duplicate state")
	ErrIntentNotSupported = errors.New("intent not supported")
	ErrInvalidState       = errors.New("invalid state definition")
)

// UnknownStateError is returned when a state name is not registered.
type UnknownStateError struct {
	Name string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("state %q is not registered", e.Name)
}

func (e *UnknownStateError) Is(target error) bool { return target == ErrUnknownState }

// DuplicateStateError is returned when a state name is registered twice.
type DuplicateStateError struct {
	Name string
}

func (e *DuplicateStateError) Error() string {
	return fmt.Sprintf("state %q is already registered", e.Name)
}

func (e *DuplicateStateError) Is(target error) bool { return target == ErrDuplicateState }

// IntentNotSupportedError is returned when a state has neither a handler for
// the intent nor an unhandled-intent handler.
type IntentNotSupportedError struct {
	State  string
	Method string
}

func (e *IntentNotSupportedError) Error() string {
	return fmt.Sprintf("state %q has no %s and no %s", e.State, e.Method, UnhandledMethod)
}

func (e *IntentNotSupportedError) Is(target error) bool { return target == ErrIntentNotSupported }

// IntentExecutionError wraps a handler error that no fallback recovered.
type IntentExecutionError struct {
	State  string
	Method string
	Err    error
}

func (e *IntentExecutionError) Error() string {
	return fmt.Sprintf("state %q %s: %v", e.State, e.Method, e.Err)
}

func (e *IntentExecutionError) Unwrap() error { return e.Err }
