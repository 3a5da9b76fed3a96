// Package relayerr defines the relay's typed error: a kind, a message, an
// optional chained source, and a captured stack, so the logging facility can
// filter and render errors consistently without string-matching.
package relayerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error for severity routing and test assertions.
type Kind int

const (
	// KindConfig marks malformed environment variables or unresolvable hosts. Fatal at startup.
	KindConfig Kind = iota
	// KindBind marks a failure to bind a requested UDP port. Fatal at startup.
	KindBind
	// KindIO marks a transient send/recv failure. Logged, packet dropped.
	KindIO
	// KindValidation marks a handshake that failed length, magic, MAC1, or replay checks.
	KindValidation
	// KindCapacity marks exhaustion of outbound local addresses.
	KindCapacity
	// KindInvariant marks a programmer-error condition. The event loop panics
	// after logging it for a poller token with no socket; other invariant
	// errors are logged and the packet is dropped.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindBind:
		return "bind"
	case KindIO:
		return "io"
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is the relay's error type: a message, an optional wrapped source, and
// a stack captured at construction time.
type Error struct {
	Kind   Kind
	Msg    string
	Source error
	Stack  []uintptr
}

// New creates an Error of the given kind with no chained source.
func New(kind Kind, format string, args ...any) *Error {
	return wrap(kind, nil, format, args...)
}

// Wrap creates an Error of the given kind chained to source.
func Wrap(kind Kind, source error, format string, args ...any) *Error {
	return wrap(kind, source, format, args...)
}

func wrap(kind Kind, source error, format string, args ...any) *Error {
	const skip = 3
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	return &Error{
		Kind:   kind,
		Msg:    fmt.Sprintf(format, args...),
		Source: source,
		Stack:  pcs[:n],
	}
}

func (e *Error) Error() string {
	if e.Source != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Source)
	}
	return e.Msg
}

// Unwrap exposes the chained source to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Source }

// HasStack reports whether a stack was successfully captured.
func (e *Error) HasStack() bool { return len(e.Stack) > 0 }

// FormatStack renders the captured stack one frame per line, in the style of
// a Rust std::backtrace::Backtrace Display impl: function, then file:line.
func (e *Error) FormatStack() string {
	if !e.HasStack() {
		return ""
	}
	frames := runtime.CallersFrames(e.Stack)
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "  at %s\n      %s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and reports
// whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
