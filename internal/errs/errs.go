// Package errs defines the error taxonomy shared by every boardsync component.
//
// Public operations return (value, error). The error carries a Kind so callers
// can branch on the failure class, and ToResult renders the success/error shape
// used on the wire and in CLI output.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInitialization Kind = "initialization"
	KindStorage        Kind = "storage"
	KindNetwork        Kind = "network"
	KindConflict       Kind = "conflict"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("closed")
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, what string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: what + " not found"}
}

func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ToResult(data any, err error) Result {
	if err == nil {
		return Result{Success: true, Data: data}
	}
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindNotFound {
		msg = "not found"
	}
	return Result{Success: false, Error: msg, Kind: kind}
}
