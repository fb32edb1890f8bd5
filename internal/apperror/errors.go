// Package apperror holds the error taxonomy shared by the feedback pipeline.
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStateConflict indicates a record was not in the state a transition expected.
	ErrStateConflict = errors.New("feedback request state conflict")
	// ErrFatalConfig indicates a misconfiguration that no retry can fix.
	ErrFatalConfig = errors.New("fatal configuration error")
)

// ValidationError reports an inbound message that failed shape checks.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid message: %s", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid message: %v", e.Err)
	}
	return "invalid message"
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransientDependencyError wraps a failure that may succeed on a later try.
type TransientDependencyError struct {
	Dependency string
	Err        error
}

func (e *TransientDependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *TransientDependencyError) Unwrap() error { return e.Err }

// HardDependencyError wraps a failure that retrying will not fix.
type HardDependencyError struct {
	Dependency string
	Err        error
}

func (e *HardDependencyError) Error() string {
	return fmt.Sprintf("%s rejected request: %v", e.Dependency, e.Err)
}

func (e *HardDependencyError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientDependencyError.
func Transient(dependency string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientDependencyError{Dependency: dependency, Err: err}
}

// Hard wraps err as a HardDependencyError.
func Hard(dependency string, err error) error {
	if err == nil {
		return nil
	}
	return &HardDependencyError{Dependency: dependency, Err: err}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTransient reports whether err carries a TransientDependencyError.
func IsTransient(err error) bool {
	var target *TransientDependencyError
	return errors.As(err, &target)
}

// IsHard reports whether err carries a HardDependencyError.
func IsHard(err error) bool {
	var target *HardDependencyError
	return errors.As(err, &target)
}
