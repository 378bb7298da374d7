package plans

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/store"
	"github.com/wolfeidau/brigade/internal/store/memory"
)

type countingReader struct {
	Reader
	calls atomic.Int64
}

func (c *countingReader) GetPlanByCode(ctx context.Context, code string) (*models.Plan, error) {
	c.calls.Add(1)
	return c.Reader.GetPlanByCode(ctx, code)
}

func (c *countingReader) GetDefaultPlan(ctx context.Context) (*models.Plan, error) {
	c.calls.Add(1)
	return c.Reader.GetDefaultPlan(ctx)
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	st := memory.NewPlanStore()
	plan := &models.Plan{
		PlanID:       uuid.Must(uuid.NewV7()),
		Code:         "basic",
		PriceRef:     "price_basic",
		IsDefault:    true,
		Translations: []models.PlanTranslation{{Locale: "en", Name: "Basic"}},
		CreatedAt:    time.Now(),
	}
	require.NoError(t, st.CreatePlan(ctx, plan))

	t.Run("caches hits", func(t *testing.T) {
		next := &countingReader{Reader: st}
		cache := NewCache(next, CacheConfig{})

		for range 3 {
			got, err := cache.GetPlanByCode(ctx, "basic")
			require.NoError(t, err)
			require.Equal(t, plan.PlanID, got.PlanID)
		}
		require.Equal(t, int64(1), next.calls.Load())

		_, err := cache.GetDefaultPlan(ctx)
		require.NoError(t, err)
		_, err = cache.GetDefaultPlan(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), next.calls.Load())

		got, err := cache.GetPlan(ctx, plan.PlanID)
		require.NoError(t, err)
		require.Equal(t, "basic", got.Code)
	})

	t.Run("does not cache misses", func(t *testing.T) {
		next := &countingReader{Reader: st}
		cache := NewCache(next, CacheConfig{})

		_, err := cache.GetPlanByCode(ctx, "pro")
		require.ErrorIs(t, err, store.ErrPlanNotFound)
		_, err = cache.GetPlanByCode(ctx, "pro")
		require.ErrorIs(t, err, store.ErrPlanNotFound)
		require.Equal(t, int64(2), next.calls.Load())
	})

	t.Run("entries expire", func(t *testing.T) {
		next := &countingReader{Reader: st}
		cache := NewCache(next, CacheConfig{TTL: 20 * time.Millisecond})

		_, err := cache.GetPlanByCode(ctx, "basic")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, err := cache.GetPlanByCode(ctx, "basic")
			return err == nil && next.calls.Load() >= 2
		}, time.Second, 10*time.Millisecond)
	})
}
