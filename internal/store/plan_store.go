package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/brigade/internal/models"
)

// Sentinel errors for plan store operations
var (
	ErrPlanNotFound      = errors.New("plan not found")
	ErrPlanAlreadyExists = errors.New("plan already exists")
)

// PlanStore reads the plan catalog. Plans are immutable once created.
type PlanStore interface {
	// CreatePlan inserts a plan and its translations.
	// Returns ErrPlanAlreadyExists if the code is taken.
	CreatePlan(ctx context.Context, plan *models.Plan) error

	GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error)
	GetPlanByCode(ctx context.Context, code string) (*models.Plan, error)

	// GetDefaultPlan returns the plan flagged as default.
	// Returns ErrPlanNotFound if there is none.
	GetDefaultPlan(ctx context.Context) (*models.Plan, error)

	ListPlans(ctx context.Context) ([]*models.Plan, error)
}
