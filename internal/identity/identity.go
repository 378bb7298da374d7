// Package identity wraps the external authentication identity provider used
// during onboarding. Only lookup and creation by email are needed.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Sentinel errors returned by Client implementations.
var (
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrIdentityConflict is returned by Create when the email was registered
	// concurrently. Callers should re-fetch with FindByEmail.
	ErrIdentityConflict = errors.New("identity already exists")

	// ErrInvalidIdentity is returned when the provider rejects the request as malformed.
	ErrInvalidIdentity = errors.New("identity rejected by provider")
)

// Identity is an account held by the identity provider.
type Identity struct {
	Ref   string `json:"id"`
	Email string `json:"email"`
}

// Profile carries the attributes set when an identity is created.
type Profile struct {
	FirstName string
	LastName  string
}

// Client finds and creates identities by email.
type Client interface {
	// FindByEmail returns ErrIdentityNotFound if no identity has the email.
	FindByEmail(ctx context.Context, email string) (*Identity, error)

	// Create registers a new identity. Returns ErrIdentityConflict if the
	// email already exists.
	Create(ctx context.Context, email string, profile Profile) (*Identity, error)
}

// StatusError is returned for unexpected HTTP responses from the provider.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: identity provider returned HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: identity provider returned HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth retrying: throttling, 5xx
// responses and any failure to get a response at all, such as a timeout, a
// refused or dropped connection, or a truncated body.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= http.StatusInternalServerError
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
