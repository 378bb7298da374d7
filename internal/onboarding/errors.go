package onboarding

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Kind classifies every error returned by the Orchestrator.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindTransient          Kind = "transient"
	KindProviderRejected   Kind = "provider_rejected"
	KindCompensationFailed Kind = "compensation_failed"
	KindInternal           Kind = "internal"
)

// Sentinels matched with errors.Is against an *Error of the same kind.
var (
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("conflict")
	ErrTransient          = errors.New("temporarily unavailable")
	ErrProviderRejected   = errors.New("rejected by payment provider")
	ErrCompensationFailed = errors.New("compensation failed")
	ErrInternal           = errors.New("internal error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindTransient:
		return ErrTransient
	case KindProviderRejected:
		return ErrProviderRejected
	case KindCompensationFailed:
		return ErrCompensationFailed
	}
	return ErrInternal
}

// Error is the only error shape that leaves the orchestrator. It never wraps
// the store, identity or payment error that caused it; those are logged.
type Error struct {
	Kind    Kind
	Message string

	// Fields holds per-field messages for validation errors.
	Fields map[string]string

	// AttemptID and ResumeToken are only set when the caller asked for a
	// resume token.
	AttemptID   uuid.UUID
	ResumeToken string
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(parts, "; "))
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the kind of err, or KindInternal if it is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// tryAgain is what a caller sees when retries are exhausted.
func tryAgain() *Error {
	return newError(KindTransient, "onboarding could not be completed right now, try again")
}
