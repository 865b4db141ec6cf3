package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error so the transport layer can map it
// to a response without inspecting message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindExhausted
	KindTransient
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Exhausted(msg string) *Error {
	return &Error{Kind: KindExhausted, Msg: msg}
}

// Transient wraps a delivery failure that the caller may skip past, such
// as a push to a connection that vanished mid-search.
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}
