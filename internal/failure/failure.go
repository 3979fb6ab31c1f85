// Package failure defines the error kinds surfaced by the compilation pipeline.
//
// Callers branch on Kind, never on message text. Incomplete assets and a
// compiler exiting non-zero are normal outcomes and are reported as data, not
// as errors from this package.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindUnknownWorkspace Kind = "unknown_workspace"
	KindInvocation       Kind = "invocation_error"
	KindInternal         Kind = "internal"
)

// Error carries a Kind alongside the usual message and wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func InvalidInput(format string, args ...any) error {
	return New(KindInvalidInput, format, args...)
}

func TooLarge(format string, args ...any) error {
	return New(KindPayloadTooLarge, format, args...)
}

func UnknownWorkspace(id string) error {
	return New(KindUnknownWorkspace, "unknown workspace %q", id)
}
