// Package apperr defines the error taxonomy shared by the registry, scheduler,
// tracker and HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and status-code decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
)

// Sentinels usable with errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation, Msg: "validation failed"}
	ErrConflict   = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrNotFound   = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrTransient  = &Error{Kind: KindTransient, Msg: "transient failure"}
)

// Error carries a Kind plus the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrConflict)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Validation returns a validation error for op.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflict returns a state-conflict error for op.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error for op.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a storage or network failure. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf reports the Kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsRetryable reports whether err may be retried for an idempotent call.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
