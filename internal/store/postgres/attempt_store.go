package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/store"
)

var _ store.AttemptStore = (*AttemptStore)(nil)

// AttemptStore implements store.AttemptStore using PostgreSQL.
// Claims use a lease column in the same way a queue uses a visibility timeout.
type AttemptStore struct {
	pool *pgxpool.Pool
}

// NewAttemptStore creates a new PostgreSQL-backed attempt store.
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{
		pool: pool,
	}
}

const attemptColumns = `
	attempt_id, idempotency_key, status, cycle,
	email, first_name, last_name, company_name, registration_number, plan_id,
	identity_ref, user_id, company_id, membership_id, customer_ref, subscription_ref,
	failure_kind, failure_reason, lease_until, created_at, updated_at
`

// BeginAttempt inserts the attempt, or returns the existing one when the
// idempotency key is already present.
func (s *AttemptStore) BeginAttempt(ctx context.Context, attempt *models.SubscriptionAttempt) (*models.SubscriptionAttempt, bool, error) {
	query := `
		INSERT INTO onboarding_attempts (
			attempt_id, idempotency_key, status, cycle,
			email, first_name, last_name, company_name, registration_number, plan_id,
			identity_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + attemptColumns

	row := s.pool.QueryRow(ctx, query,
		attempt.AttemptID,
		attempt.IdempotencyKey,
		string(attempt.Status),
		attempt.Cycle,
		attempt.Email,
		attempt.FirstName,
		attempt.LastName,
		attempt.CompanyName,
		attempt.RegistrationNumber,
		attempt.PlanID,
		attempt.IdentityRef,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	)

	created, err := scanAttempt(row)
	if err == nil {
		log.Debug().
			Str("attempt_id", created.AttemptID.String()).
			Msg("Created onboarding attempt")
		return created, true, nil
	}

	if !errors.Is(err, store.ErrAttemptNotFound) {
		return nil, false, err
	}

	// Conflict on idempotency_key, fetch the existing attempt
	existing, err := s.GetAttemptByKey(ctx, attempt.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("concurrent insert conflict but attempt not found: %w", err)
	}

	return existing, false, nil
}

// ClaimAttempt takes the lease if it is unset or expired.
func (s *AttemptStore) ClaimAttempt(ctx context.Context, attemptID uuid.UUID, lease time.Duration) (*models.SubscriptionAttempt, error) {
	query := `
		UPDATE onboarding_attempts SET
			lease_until = NOW() + $2::interval
		WHERE attempt_id = $1
		  AND (lease_until IS NULL OR lease_until <= NOW())
		RETURNING ` + attemptColumns

	claimed, err := scanAttempt(s.pool.QueryRow(ctx, query, attemptID, lease))
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, store.ErrAttemptNotFound) {
		return nil, err
	}

	// Nothing updated: either missing or leased by someone else
	if _, err := s.GetAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	return nil, store.ErrAttemptLeased
}

// ExtendAttempt extends a held lease.
func (s *AttemptStore) ExtendAttempt(ctx context.Context, attemptID uuid.UUID, lease time.Duration) error {
	query := `
		UPDATE onboarding_attempts SET
			lease_until = GREATEST(lease_until, NOW() + $2::interval)
		WHERE attempt_id = $1
		  AND lease_until IS NOT NULL
	`

	result, err := s.pool.Exec(ctx, query, attemptID, lease)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		// Released leases are left alone; only a missing attempt is an error
		if _, err := s.GetAttempt(ctx, attemptID); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAttempt clears the lease.
func (s *AttemptStore) ReleaseAttempt(ctx context.Context, attemptID uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `UPDATE onboarding_attempts SET lease_until = NULL WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrAttemptNotFound
	}
	return nil
}

// UpdateAttempt persists status, progress and failure fields. The lease,
// key and request snapshot are not touched.
func (s *AttemptStore) UpdateAttempt(ctx context.Context, attempt *models.SubscriptionAttempt) error {
	attempt.UpdatedAt = time.Now()

	query := `
		UPDATE onboarding_attempts SET
			status = $2,
			identity_ref = $3,
			user_id = $4,
			company_id = $5,
			membership_id = $6,
			customer_ref = $7,
			subscription_ref = $8,
			failure_kind = $9,
			failure_reason = $10,
			plan_id = $11,
			cycle = $12,
			updated_at = $13
		WHERE attempt_id = $1
	`

	result, err := s.pool.Exec(ctx, query,
		attempt.AttemptID,
		string(attempt.Status),
		attempt.IdentityRef,
		attempt.UserID,
		attempt.CompanyID,
		attempt.MembershipID,
		attempt.CustomerRef,
		attempt.SubscriptionRef,
		attempt.FailureKind,
		attempt.FailureReason,
		attempt.PlanID,
		attempt.Cycle,
		attempt.UpdatedAt,
	)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrAttemptNotFound
	}

	log.Debug().
		Str("attempt_id", attempt.AttemptID.String()).
		Str("status", string(attempt.Status)).
		Msg("Updated onboarding attempt")

	return nil
}

// GetAttempt retrieves an attempt by ID.
func (s *AttemptStore) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*models.SubscriptionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM onboarding_attempts WHERE attempt_id = $1`
	return scanAttempt(s.pool.QueryRow(ctx, query, attemptID))
}

// GetAttemptByKey retrieves an attempt by idempotency key.
func (s *AttemptStore) GetAttemptByKey(ctx context.Context, idempotencyKey string) (*models.SubscriptionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM onboarding_attempts WHERE idempotency_key = $1`
	return scanAttempt(s.pool.QueryRow(ctx, query, idempotencyKey))
}

// ListStaleAttempts returns idle, unleased, non-terminal attempts oldest first.
func (s *AttemptStore) ListStaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]*models.SubscriptionAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM onboarding_attempts
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'COMPENSATION_FAILED')
		  AND updated_at < $1
		  AND (lease_until IS NULL OR lease_until <= NOW())
		ORDER BY created_at
		LIMIT $2
	`
	return s.queryAttempts(ctx, query, olderThan, limit)
}

// ListAttemptsByStatus returns attempts in the given status oldest first.
func (s *AttemptStore) ListAttemptsByStatus(ctx context.Context, status models.AttemptStatus, limit int) ([]*models.SubscriptionAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM onboarding_attempts
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`
	return s.queryAttempts(ctx, query, string(status), limit)
}

func (s *AttemptStore) queryAttempts(ctx context.Context, query string, arg any, limit int) ([]*models.SubscriptionAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, arg, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var attempts []*models.SubscriptionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return attempts, nil
}

func scanAttempt(row pgx.Row) (*models.SubscriptionAttempt, error) {
	var (
		a      models.SubscriptionAttempt
		status string
	)
	err := row.Scan(
		&a.AttemptID,
		&a.IdempotencyKey,
		&status,
		&a.Cycle,
		&a.Email,
		&a.FirstName,
		&a.LastName,
		&a.CompanyName,
		&a.RegistrationNumber,
		&a.PlanID,
		&a.IdentityRef,
		&a.UserID,
		&a.CompanyID,
		&a.MembershipID,
		&a.CustomerRef,
		&a.SubscriptionRef,
		&a.FailureKind,
		&a.FailureReason,
		&a.LeaseUntil,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAttemptNotFound
		}
		return nil, mapPostgresError(err)
	}

	a.Status = models.AttemptStatus(status)
	return &a, nil
}
