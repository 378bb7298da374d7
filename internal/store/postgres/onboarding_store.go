package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/store"
)

var _ store.OnboardingStore = (*OnboardingStore)(nil)

// OnboardingStore implements store.OnboardingStore using PostgreSQL.
type OnboardingStore struct {
	pool *pgxpool.Pool
}

// NewOnboardingStore creates a new PostgreSQL-backed onboarding store.
// It shares the connection pool with other stores.
func NewOnboardingStore(pool *pgxpool.Pool) *OnboardingStore {
	return &OnboardingStore{
		pool: pool,
	}
}

// InsertOnboardingRecords inserts the user, company and membership and moves
// the attempt to RECORDS_CREATED in one transaction.
func (s *OnboardingStore) InsertOnboardingRecords(ctx context.Context, attemptID uuid.UUID, records *models.OnboardingRecords) (models.RecordIDs, error) {
	u, c, m := records.User, records.Company, records.Membership
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.RecordIDs{}, mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO users (
			user_id, email, first_name, last_name, active, identity_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, FALSE, $5, $6, $6
		)
	`, u.UserID, u.Email, u.FirstName, u.LastName, u.IdentityRef, now)
	if err != nil {
		return models.RecordIDs{}, mapPostgresError(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO companies (
			company_id, name, registration_number, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $4
		)
	`, c.CompanyID, c.Name, c.RegistrationNumber, now)
	if err != nil {
		return models.RecordIDs{}, mapPostgresError(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memberships (
			membership_id, user_id, company_id, role, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $6
		)
	`, m.MembershipID, u.UserID, c.CompanyID, string(m.Role), string(m.Status), now)
	if err != nil {
		return models.RecordIDs{}, mapPostgresError(err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE onboarding_attempts SET
			user_id = $2,
			company_id = $3,
			membership_id = $4,
			status = $5,
			updated_at = $6
		WHERE attempt_id = $1
	`, attemptID, u.UserID, c.CompanyID, m.MembershipID, string(models.AttemptStatusRecordsCreated), now)
	if err != nil {
		return models.RecordIDs{}, mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.RecordIDs{}, store.ErrAttemptNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return models.RecordIDs{}, mapPostgresError(err)
	}

	log.Debug().
		Str("attempt_id", attemptID.String()).
		Str("user_id", u.UserID.String()).
		Str("company_id", c.CompanyID.String()).
		Str("membership_id", m.MembershipID.String()).
		Msg("Inserted onboarding records")

	return models.RecordIDs{UserID: u.UserID, CompanyID: c.CompanyID, MembershipID: m.MembershipID}, nil
}

// ActivateMembership marks the membership and its user active.
func (s *OnboardingStore) ActivateMembership(ctx context.Context, membershipID uuid.UUID) error {
	query := `
		WITH activated AS (
			UPDATE memberships SET
				status = 'ACTIVE',
				updated_at = NOW()
			WHERE membership_id = $1
			RETURNING user_id
		)
		UPDATE users SET
			active = TRUE,
			updated_at = NOW()
		FROM activated
		WHERE users.user_id = activated.user_id
		RETURNING users.user_id
	`

	var userID uuid.UUID
	err := s.pool.QueryRow(ctx, query, membershipID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrMembershipNotFound
		}
		return mapPostgresError(err)
	}

	log.Debug().
		Str("membership_id", membershipID.String()).
		Str("user_id", userID.String()).
		Msg("Activated membership")

	return nil
}

// DeleteOnboardingRecords deletes the rows in dependency order. Missing rows are ignored.
func (s *OnboardingStore) DeleteOnboardingRecords(ctx context.Context, ids models.RecordIDs) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if _, err := tx.Exec(ctx, `DELETE FROM memberships WHERE membership_id = $1`, ids.MembershipID); err != nil {
		return mapPostgresError(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM companies WHERE company_id = $1`, ids.CompanyID); err != nil {
		return mapPostgresError(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM users WHERE user_id = $1`, ids.UserID); err != nil {
		return mapPostgresError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPostgresError(err)
	}

	log.Info().
		Str("user_id", ids.UserID.String()).
		Str("company_id", ids.CompanyID.String()).
		Str("membership_id", ids.MembershipID.String()).
		Msg("Deleted onboarding records")

	return nil
}

const userColumns = `user_id, email, first_name, last_name, active, identity_ref, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.UserID,
		&u.Email,
		&u.FirstName,
		&u.LastName,
		&u.Active,
		&u.IdentityRef,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, mapPostgresError(err)
	}
	return &u, nil
}

// GetUser retrieves a user by ID.
func (s *OnboardingStore) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
}

// FindUserByEmail retrieves a user by normalized email.
func (s *OnboardingStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

const companyColumns = `company_id, name, registration_number, created_at, updated_at`

func scanCompany(row pgx.Row) (*models.Company, error) {
	var c models.Company
	err := row.Scan(&c.CompanyID, &c.Name, &c.RegistrationNumber, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCompanyNotFound
		}
		return nil, mapPostgresError(err)
	}
	return &c, nil
}

// GetCompany retrieves a company by ID.
func (s *OnboardingStore) GetCompany(ctx context.Context, companyID uuid.UUID) (*models.Company, error) {
	return scanCompany(s.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE company_id = $1`, companyID))
}

// FindCompanyByRegistration retrieves a company by normalized registration number.
func (s *OnboardingStore) FindCompanyByRegistration(ctx context.Context, registrationNumber string) (*models.Company, error) {
	return scanCompany(s.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE registration_number = $1`, registrationNumber))
}

// GetMembership retrieves a membership by ID.
func (s *OnboardingStore) GetMembership(ctx context.Context, membershipID uuid.UUID) (*models.Membership, error) {
	query := `
		SELECT membership_id, user_id, company_id, role, status, created_at, updated_at
		FROM memberships
		WHERE membership_id = $1
	`

	var (
		m      models.Membership
		role   string
		status string
	)
	err := s.pool.QueryRow(ctx, query, membershipID).Scan(
		&m.MembershipID,
		&m.UserID,
		&m.CompanyID,
		&role,
		&status,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrMembershipNotFound
		}
		return nil, mapPostgresError(err)
	}

	m.Role = models.MembershipRole(role)
	m.Status = models.MembershipStatus(status)

	return &m, nil
}
