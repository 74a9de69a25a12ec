// Package errs classifies failures by kind so callers decide how to surface
// them without inspecting message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration means the agent or its remote assistant cannot be
	// resolved. Surfaced as an HTTP error before any frame is written.
	KindConfiguration
	KindQuotaExceeded
	KindRemoteNotFound
	KindRemoteTimeout
	// KindRemoteTerminal covers a run that ended failed, cancelled or expired.
	KindRemoteTerminal
	KindRemoteTransient
	KindValidation
	// KindIngestionItem marks a single knowledge item or source that was skipped.
	KindIngestionItem
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindConfiguration:   "configuration",
	KindQuotaExceeded:   "quota_exceeded",
	KindRemoteNotFound:  "remote_not_found",
	KindRemoteTimeout:   "remote_timeout",
	KindRemoteTerminal:  "remote_terminal",
	KindRemoteTransient: "remote_transient",
	KindValidation:      "validation",
	KindIngestionItem:   "ingestion_item",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind and op. A nil err still yields a non-nil error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
