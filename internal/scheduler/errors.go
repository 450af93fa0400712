package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid task declaration")

	// ErrIllegalTransition matches every *TransitionError.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrUnknownTask is returned for lookups of undeclared task names.
	ErrUnknownTask = errors.New("unknown task")
)

// ValidationError lists every problem found while registering descriptors.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError is returned when a status change is not in the transition table.
type TransitionError struct {
	Subject string // Task name, or workflow id
	From    fmt.Stringer
	To      fmt.Stringer
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v for %s: %s -> %s", ErrIllegalTransition, e.Subject, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
