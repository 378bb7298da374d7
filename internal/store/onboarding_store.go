package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/brigade/internal/models"
)

// Sentinel errors for onboarding record operations
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrCompanyNotFound    = errors.New("company not found")
	ErrMembershipNotFound = errors.New("membership not found")

	// ErrConflict is returned when a unique constraint (email, registration
	// number, one membership per user and company) rejects an insert.
	ErrConflict = errors.New("record already exists")

	// ErrUnavailable wraps connection, timeout and serialization failures
	// that are worth retrying.
	ErrUnavailable = errors.New("store unavailable")
)

// OnboardingStore persists the user, company and membership rows created by
// subscription onboarding.
type OnboardingStore interface {
	// InsertOnboardingRecords inserts the user, company and membership in a single
	// transaction and, in the same transaction, records their IDs on the attempt
	// and moves it to RECORDS_CREATED. Either all rows exist afterwards or none do.
	// Returns ErrConflict if the email or registration number is already taken.
	InsertOnboardingRecords(ctx context.Context, attemptID uuid.UUID, records *models.OnboardingRecords) (models.RecordIDs, error)

	// ActivateMembership moves a membership from PENDING to ACTIVE and marks its
	// user active. Activating an already active membership is a no-op.
	// Returns ErrMembershipNotFound if the membership doesn't exist.
	ActivateMembership(ctx context.Context, membershipID uuid.UUID) error

	// DeleteOnboardingRecords removes the membership, company and user rows.
	// Deleting rows that are already gone is a no-op.
	DeleteOnboardingRecords(ctx context.Context, ids models.RecordIDs) error

	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetCompany(ctx context.Context, companyID uuid.UUID) (*models.Company, error)
	GetMembership(ctx context.Context, membershipID uuid.UUID) (*models.Membership, error)

	// FindUserByEmail returns ErrUserNotFound if no user has the (normalized) email.
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)

	// FindCompanyByRegistration returns ErrCompanyNotFound if no company has the
	// (normalized) registration number.
	FindCompanyByRegistration(ctx context.Context, registrationNumber string) (*models.Company, error)
}
