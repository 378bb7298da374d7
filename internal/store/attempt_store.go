package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/brigade/internal/models"
)

// Sentinel errors for attempt store operations
var (
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrAttemptLeased is returned when another orchestration holds the lease.
	ErrAttemptLeased = errors.New("attempt is leased by another orchestration")
)

// AttemptStore persists the working state of onboarding attempts so a retry
// with the same idempotency key can resume at the first incomplete step.
type AttemptStore interface {
	// BeginAttempt inserts the attempt unless one with the same idempotency key
	// exists. It returns the stored attempt and whether it was created by this call.
	BeginAttempt(ctx context.Context, attempt *models.SubscriptionAttempt) (*models.SubscriptionAttempt, bool, error)

	// ClaimAttempt takes the lease on an attempt for the given duration.
	// Claims succeed only if the lease is unset or expired.
	// Returns ErrAttemptLeased if another orchestration holds it.
	ClaimAttempt(ctx context.Context, attemptID uuid.UUID, lease time.Duration) (*models.SubscriptionAttempt, error)

	// ExtendAttempt pushes a held lease out to now+lease. It does nothing if
	// the lease was released, and returns ErrAttemptNotFound if the attempt
	// doesn't exist.
	ExtendAttempt(ctx context.Context, attemptID uuid.UUID, lease time.Duration) error

	// ReleaseAttempt clears the lease.
	ReleaseAttempt(ctx context.Context, attemptID uuid.UUID) error

	// UpdateAttempt persists status, progress and failure fields.
	// Returns ErrAttemptNotFound if the attempt doesn't exist.
	UpdateAttempt(ctx context.Context, attempt *models.SubscriptionAttempt) error

	GetAttempt(ctx context.Context, attemptID uuid.UUID) (*models.SubscriptionAttempt, error)
	GetAttemptByKey(ctx context.Context, idempotencyKey string) (*models.SubscriptionAttempt, error)

	// ListStaleAttempts returns non-terminal attempts not updated since olderThan
	// whose lease is unset or expired.
	ListStaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]*models.SubscriptionAttempt, error)

	// ListAttemptsByStatus returns attempts in the given status, oldest first.
	ListAttemptsByStatus(ctx context.Context, status models.AttemptStatus, limit int) ([]*models.SubscriptionAttempt, error)
}
