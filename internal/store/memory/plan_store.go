package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/store"
)

var _ store.PlanStore = (*PlanStore)(nil)

// PlanStore implements store.PlanStore using in-memory storage.
type PlanStore struct {
	mu sync.RWMutex

	plans map[string]*models.Plan // code -> Plan
}

// NewPlanStore creates a new in-memory plan store.
func NewPlanStore() *PlanStore {
	return &PlanStore{
		plans: make(map[string]*models.Plan),
	}
}

// CreatePlan inserts a plan. Existing codes are never overwritten.
func (s *PlanStore) CreatePlan(ctx context.Context, plan *models.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[plan.Code]; exists {
		return store.ErrPlanAlreadyExists
	}

	s.plans[plan.Code] = clonePlan(plan)
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *PlanStore) GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.PlanID == planID {
			return clonePlan(p), nil
		}
	}
	return nil, store.ErrPlanNotFound
}

// GetPlanByCode retrieves a plan by code.
func (s *PlanStore) GetPlanByCode(ctx context.Context, code string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.plans[code]
	if !exists {
		return nil, store.ErrPlanNotFound
	}
	return clonePlan(p), nil
}

// GetDefaultPlan returns the default plan, preferring the oldest if several are flagged.
func (s *PlanStore) GetDefaultPlan(ctx context.Context) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Plan
	for _, p := range s.plans {
		if !p.IsDefault {
			continue
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			found = p
		}
	}
	if found == nil {
		return nil, store.ErrPlanNotFound
	}
	return clonePlan(found), nil
}

// ListPlans returns all plans ordered by code.
func (s *PlanStore) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		result = append(result, clonePlan(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })

	return result, nil
}

func clonePlan(p *models.Plan) *models.Plan {
	clone := *p
	clone.Translations = append([]models.PlanTranslation(nil), p.Translations...)
	return &clone
}
