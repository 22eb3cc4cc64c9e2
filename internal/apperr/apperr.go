// Package apperr classifies failures so callers can decide between retrying,
// re-authenticating and adopting server state without string matching.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown    Kind = ""
	KindAuth       Kind = "auth"
	KindNetwork    Kind = "network"
	KindPermission Kind = "permission"
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation"
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind) + " error")
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Auth(op string, err error) error       { return newErr(KindAuth, op, err) }
func Network(op string, err error) error    { return newErr(KindNetwork, op, err) }
func Permission(op string, err error) error { return newErr(KindPermission, op, err) }
func Conflict(op string, err error) error   { return newErr(KindConflict, op, err) }
func Validation(op string, err error) error { return newErr(KindValidation, op, err) }

// KindOf returns the kind of the outermost classified error in the chain.
// Deadline and cancellation errors that were never classified count as
// network failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsRetryable reports whether repeating the same action may succeed.
func IsRetryable(err error) bool { return KindOf(err) == KindNetwork }
