package plans

import (
	"context"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/telemetry"
)

const defaultKey = "default"

// Reader is the read side of store.PlanStore.
type Reader interface {
	GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error)
	GetPlanByCode(ctx context.Context, code string) (*models.Plan, error)
	GetDefaultPlan(ctx context.Context) (*models.Plan, error)
}

// CacheConfig sizes the plan cache.
type CacheConfig struct {
	Size int           // Default: 128
	TTL  time.Duration // Default: 5m
}

// Cache is a read-through LRU over plan lookups. Lookup failures are never
// cached. Returned plans are shared and must not be modified.
type Cache struct {
	next  Reader
	cache *lru.LRU[string, *models.Plan]
}

var _ Reader = (*Cache)(nil)

// NewCache wraps next with an expiring LRU.
func NewCache(next Reader, cfg CacheConfig) *Cache {
	if cfg.Size <= 0 {
		cfg.Size = 128
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}

	return &Cache{
		next:  next,
		cache: lru.NewLRU[string, *models.Plan](cfg.Size, nil, cfg.TTL),
	}
}

// GetPlan returns the plan with planID.
func (c *Cache) GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	return c.get(ctx, "id:"+planID.String(), func() (*models.Plan, error) {
		return c.next.GetPlan(ctx, planID)
	})
}

// GetPlanByCode returns the plan with code.
func (c *Cache) GetPlanByCode(ctx context.Context, code string) (*models.Plan, error) {
	return c.get(ctx, "code:"+code, func() (*models.Plan, error) {
		return c.next.GetPlanByCode(ctx, code)
	})
}

// GetDefaultPlan returns the default plan. A newly seeded default is picked
// up once the cached entry expires.
func (c *Cache) GetDefaultPlan(ctx context.Context) (*models.Plan, error) {
	return c.get(ctx, defaultKey, func() (*models.Plan, error) {
		return c.next.GetDefaultPlan(ctx)
	})
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.cache.Purge()
}

func (c *Cache) get(ctx context.Context, key string, load func() (*models.Plan, error)) (*models.Plan, error) {
	m := telemetry.GetMetrics()

	if plan, ok := c.cache.Get(key); ok {
		m.PlanCacheHitsTotal.Add(ctx, 1)
		return plan, nil
	}
	m.PlanCacheMissesTotal.Add(ctx, 1)

	plan, err := load()
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, plan)
	return plan, nil
}
