package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. Every error that crosses the API
// boundary carries exactly one kind; handlers map kinds to HTTP status
// codes and never leak raw causes.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindAlreadyMerged   Kind = "already_merged"
	KindBusy            Kind = "busy"
	KindNotReversible   Kind = "not_reversible"
	KindInvalidRule     Kind = "invalid_rule"
	KindInvalidArgument Kind = "invalid_argument"
	KindInternal        Kind = "internal"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsNotFound(err error) bool      { return IsKind(err, KindNotFound) }
func IsAlreadyMerged(err error) bool { return IsKind(err, KindAlreadyMerged) }
func IsBusy(err error) bool          { return IsKind(err, KindBusy) }
func IsNotReversible(err error) bool { return IsKind(err, KindNotReversible) }
func IsInvalidRule(err error) bool   { return IsKind(err, KindInvalidRule) }
