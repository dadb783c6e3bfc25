// Package apperr classifies failures so callers can decide between failing a
// request, retrying it, or only logging.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	// Generic is any failure that was not classified.
	Generic Kind = iota
	// Config covers invalid kinds, unknown providers or models and malformed lineage keys.
	Config
	// Transient provider failures may succeed when retried.
	Transient
	// Validation means the provider output did not match the kind schema.
	Validation
	// Integrity is a store constraint violation.
	Integrity
	// Broker is a notification transport failure.
	Broker
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Integrity:
		return "integrity"
	case Broker:
		return "broker"
	default:
		return "generic"
	}
}

// Error tags an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so errors.Is(err, &Error{Kind: Config}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configf(op, format string, args ...any) error {
	return &Error{Kind: Config, Op: op, Err: fmt.Errorf(format, args...)}
}

func Transientf(op, format string, args ...any) error {
	return &Error{Kind: Transient, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost classification found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Generic
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Generic
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the dispatcher may run the task again.
func Retryable(err error) bool {
	return Is(err, Transient)
}
