package faults

import (
	"fmt"
	"strings"
)

// Kind classifies the failures the scheduler can report
type Kind string

const (
	KindConfig            Kind = "config error"
	KindResourceExhausted Kind = "resource exhausted"
	KindVisit             Kind = "visit error"
	KindAlreadyRunning    Kind = "already running"
	KindNoWork            Kind = "no work"
)

// Sentinels for errors.Is; any *Error of the same Kind matches.
var (
	ErrConfig            = &Error{Kind: KindConfig}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
	ErrVisit             = &Error{Kind: KindVisit}
	ErrAlreadyRunning    = &Error{Kind: KindAlreadyRunning}
	ErrNoWork            = &Error{Kind: KindNoWork}
)

// Error is a classified failure with an optional cause
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New creates an error of the given kind
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: strings.TrimSpace(msg)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: strings.TrimSpace(msg), Err: err}
}

// Configf formats a configuration error
func Configf(format string, args ...any) *Error {
	return New(KindConfig, fmt.Sprintf(format, args...))
}

// Visitf formats a visit error
func Visitf(format string, args ...any) *Error {
	return New(KindVisit, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Message returns the human readable part of err without the kind prefix.
// Visit failures are stored on links this way.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		switch {
		case e.Msg != "" && e.Err != nil:
			return e.Msg + ": " + e.Err.Error()
		case e.Msg != "":
			return e.Msg
		case e.Err != nil:
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	return err.Error()
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
