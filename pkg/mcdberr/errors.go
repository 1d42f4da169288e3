// Package mcdberr defines the typed error taxonomy used throughout the
// memcachedb client: argument, routing, transport, protocol, size and
// thread-discipline failures.
package mcdberr

import "fmt"

// Kind classifies a client error so callers can branch on failure category
// without parsing error strings.
type Kind uint8

const (
	KindArgument Kind = iota
	KindRouting
	KindTransport
	KindProtocol
	KindSize
	KindThreadDiscipline
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "argument"
	case KindRouting:
		return "routing"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindSize:
		return "size"
	case KindThreadDiscipline:
		return "thread_discipline"
	default:
		return "unknown"
	}
}

// Error is the single unified error type surfaced to callers beyond the
// retry engine and the cross-group retry (spec.md §7): it carries the
// original message, the failure kind, and an optional wrapped cause.
type Error struct {
	Cause error
	Msg   string
	Kind  Kind
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func Argument(format string, args ...any) *Error { return newf(KindArgument, format, args...) }

func Routing(format string, args ...any) *Error { return newf(KindRouting, format, args...) }

func Transport(cause error, format string, args ...any) *Error {
	return wrap(KindTransport, cause, format, args...)
}

func Protocol(format string, args ...any) *Error { return newf(KindProtocol, format, args...) }

func Size(format string, args ...any) *Error { return newf(KindSize, format, args...) }

func ThreadDiscipline(format string, args ...any) *Error {
	return newf(KindThreadDiscipline, format, args...)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); !ok {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
