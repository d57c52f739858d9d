// Package etlerr classifies failures so the orchestrator, pipelines, and
// sink agree on what is retryable, what skips a table, and what kills the
// run. Callers wrap causes with %w and branch with errors.Is/errors.As.
package etlerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the failure class. It decides retry, skip, and exit behavior.
type Kind int

const (
	KindConfig Kind = iota + 1
	KindAuth
	KindTransport
	KindData
	KindDependency
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindData:
		return "data"
	case KindDependency:
		return "dependency"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op is the failing operation
// ("warehouse.load", "fetch.get"), Platform and Table narrow the blame
// when known. RetryAfter carries a server-requested delay (HTTP 429).
type Error struct {
	Kind       Kind
	Op         string
	Platform   string
	Table      string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Platform != "" {
		msg += " platform=" + e.Platform
	}
	if e.Table != "" {
		msg += " table=" + e.Table
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under the given kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Config(op string, err error) *Error     { return New(KindConfig, op, err) }
func Auth(op string, err error) *Error       { return New(KindAuth, op, err) }
func Transport(op string, err error) *Error  { return New(KindTransport, op, err) }
func Data(op string, err error) *Error       { return New(KindData, op, err) }
func Dependency(op string, err error) *Error { return New(KindDependency, op, err) }
func Fatal(op string, err error) *Error      { return New(KindFatal, op, err) }

// Configf is Config with a formatted cause.
func Configf(op, format string, args ...any) *Error {
	return Config(op, fmt.Errorf(format, args...))
}

// Dataf is Data with a formatted cause.
func Dataf(op, format string, args ...any) *Error {
	return Data(op, fmt.Errorf(format, args...))
}

// Transportf is Transport with a formatted cause.
func Transportf(op, format string, args ...any) *Error {
	return Transport(op, fmt.Errorf(format, args...))
}

// Dependencyf is Dependency with a formatted cause.
func Dependencyf(op, format string, args ...any) *Error {
	return Dependency(op, fmt.Errorf(format, args...))
}

// ForPlatform returns a copy blaming the named platform.
func (e *Error) ForPlatform(name string) *Error {
	cp := *e
	cp.Platform = name
	return &cp
}

// ForTable returns a copy blaming the named table.
func (e *Error) ForTable(name string) *Error {
	cp := *e
	cp.Table = name
	return &cp
}

// WithRetryAfter returns a copy carrying a server-requested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// KindOf extracts the kind from anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindData}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Retryable reports whether err may succeed on retry. Only transport and
// auth failures qualify; unclassified errors are treated as terminal so a
// bug never burns a retry budget.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == KindTransport || k == KindAuth
}

// RetryAfter reports the server-requested retry delay, when one exists
// anywhere in the chain.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// Process exit codes.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitPartial   = 2
	ExitTotal     = 3
	ExitInternal  = 4
	ExitInterrupt = 130
)
