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

var _ store.PlanStore = (*PlanStore)(nil)

// PlanStore implements store.PlanStore using PostgreSQL.
type PlanStore struct {
	pool *pgxpool.Pool
}

// NewPlanStore creates a new PostgreSQL-backed plan store.
func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{
		pool: pool,
	}
}

// CreatePlan inserts the plan and its translations in one transaction.
func (s *PlanStore) CreatePlan(ctx context.Context, plan *models.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO plans (plan_id, code, price_ref, is_default, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, plan.PlanID, plan.Code, plan.PriceRef, plan.IsDefault, plan.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrPlanAlreadyExists
		}
		return fmt.Errorf("failed to create plan: %w", mapPostgresError(err))
	}

	batch := &pgx.Batch{}
	for _, t := range plan.Translations {
		batch.Queue(`
			INSERT INTO plan_translations (plan_id, locale, name, description)
			VALUES ($1, $2, $3, $4)
		`, plan.PlanID, t.Locale, t.Name, t.Description)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to create plan translations: %w", mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPostgresError(err)
	}

	log.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("code", plan.Code).
		Int("translations", len(plan.Translations)).
		Msg("Created plan")

	return nil
}

// GetPlan retrieves a plan by ID.
func (s *PlanStore) GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	return s.getPlan(ctx, `SELECT plan_id, code, price_ref, is_default, created_at FROM plans WHERE plan_id = $1`, planID)
}

// GetPlanByCode retrieves a plan by code.
func (s *PlanStore) GetPlanByCode(ctx context.Context, code string) (*models.Plan, error) {
	return s.getPlan(ctx, `SELECT plan_id, code, price_ref, is_default, created_at FROM plans WHERE code = $1`, code)
}

// GetDefaultPlan returns the oldest plan flagged as default.
func (s *PlanStore) GetDefaultPlan(ctx context.Context) (*models.Plan, error) {
	query := `
		SELECT plan_id, code, price_ref, is_default, created_at
		FROM plans
		WHERE is_default
		ORDER BY created_at
		LIMIT 1
	`
	return s.getPlan(ctx, query)
}

// ListPlans returns all plans ordered by code.
func (s *PlanStore) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT plan_id, code, price_ref, is_default, created_at FROM plans ORDER BY code`)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	plans, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Plan, error) {
		var p models.Plan
		err := row.Scan(&p.PlanID, &p.Code, &p.PriceRef, &p.IsDefault, &p.CreatedAt)
		return &p, err
	})
	if err != nil {
		return nil, mapPostgresError(err)
	}

	for _, p := range plans {
		if p.Translations, err = s.translations(ctx, p.PlanID); err != nil {
			return nil, err
		}
	}

	return plans, nil
}

func (s *PlanStore) getPlan(ctx context.Context, query string, args ...any) (*models.Plan, error) {
	var p models.Plan
	err := s.pool.QueryRow(ctx, query, args...).Scan(&p.PlanID, &p.Code, &p.PriceRef, &p.IsDefault, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrPlanNotFound
		}
		return nil, mapPostgresError(err)
	}

	if p.Translations, err = s.translations(ctx, p.PlanID); err != nil {
		return nil, err
	}

	return &p, nil
}

func (s *PlanStore) translations(ctx context.Context, planID uuid.UUID) ([]models.PlanTranslation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT locale, name, description
		FROM plan_translations
		WHERE plan_id = $1
		ORDER BY locale
	`, planID)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	translations, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PlanTranslation, error) {
		var t models.PlanTranslation
		err := row.Scan(&t.Locale, &t.Name, &t.Description)
		return t, err
	})
	if err != nil {
		return nil, mapPostgresError(err)
	}

	return translations, nil
}
