package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/store"
)

func newAttempt(key string) *models.SubscriptionAttempt {
	now := time.Now()
	return &models.SubscriptionAttempt{
		AttemptID:          uuid.Must(uuid.NewV7()),
		IdempotencyKey:     key,
		Status:             models.AttemptStatusIdentityCreated,
		Email:              "chef@example.com",
		RegistrationNumber: "555-0001",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func newRecords(email, regNo string) *models.OnboardingRecords {
	userID := uuid.Must(uuid.NewV7())
	companyID := uuid.Must(uuid.NewV7())
	return &models.OnboardingRecords{
		User:    &models.User{UserID: userID, Email: email, FirstName: "A", LastName: "B", IdentityRef: "idp|1"},
		Company: &models.Company{CompanyID: companyID, Name: "Acme", RegistrationNumber: regNo},
		Membership: &models.Membership{
			MembershipID: uuid.Must(uuid.NewV7()),
			UserID:       userID,
			CompanyID:    companyID,
			Role:         models.MembershipRoleOwner,
			Status:       models.MembershipStatusPending,
		},
	}
}

func TestOnboardingStore_InsertOnboardingRecords(t *testing.T) {
	t.Run("inserts all rows and advances the attempt", func(t *testing.T) {
		st := NewOnboardingStore()
		ctx := context.Background()

		attempt, created, err := st.BeginAttempt(ctx, newAttempt("key-1"))
		require.NoError(t, err)
		require.True(t, created)

		ids, err := st.InsertOnboardingRecords(ctx, attempt.AttemptID, newRecords("a@x.com", "555-0001"))
		require.NoError(t, err)
		require.False(t, ids.IsZero())

		_, err = st.GetUser(ctx, ids.UserID)
		require.NoError(t, err)
		_, err = st.GetCompany(ctx, ids.CompanyID)
		require.NoError(t, err)
		m, err := st.GetMembership(ctx, ids.MembershipID)
		require.NoError(t, err)
		require.Equal(t, models.MembershipStatusPending, m.Status)

		stored, err := st.GetAttempt(ctx, attempt.AttemptID)
		require.NoError(t, err)
		require.Equal(t, models.AttemptStatusRecordsCreated, stored.Status)
		require.Equal(t, ids, stored.RecordIDs())
	})

	t.Run("registration number conflict leaves no rows", func(t *testing.T) {
		st := NewOnboardingStore()
		ctx := context.Background()

		first, _, err := st.BeginAttempt(ctx, newAttempt("key-1"))
		require.NoError(t, err)
		second, _, err := st.BeginAttempt(ctx, newAttempt("key-2"))
		require.NoError(t, err)

		_, err = st.InsertOnboardingRecords(ctx, first.AttemptID, newRecords("a@x.com", "555-0001"))
		require.NoError(t, err)

		records := newRecords("b@x.com", "555-0001")
		_, err = st.InsertOnboardingRecords(ctx, second.AttemptID, records)
		require.ErrorIs(t, err, store.ErrConflict)

		_, err = st.FindUserByEmail(ctx, "b@x.com")
		require.ErrorIs(t, err, store.ErrUserNotFound)

		stored, err := st.GetAttempt(ctx, second.AttemptID)
		require.NoError(t, err)
		require.False(t, stored.HasRecords())
	})

	t.Run("email conflict", func(t *testing.T) {
		st := NewOnboardingStore()
		ctx := context.Background()

		first, _, _ := st.BeginAttempt(ctx, newAttempt("key-1"))
		second, _, _ := st.BeginAttempt(ctx, newAttempt("key-2"))

		_, err := st.InsertOnboardingRecords(ctx, first.AttemptID, newRecords("a@x.com", "555-0001"))
		require.NoError(t, err)

		_, err = st.InsertOnboardingRecords(ctx, second.AttemptID, newRecords("a@x.com", "555-0002"))
		require.ErrorIs(t, err, store.ErrConflict)

		_, err = st.FindCompanyByRegistration(ctx, "555-0002")
		require.ErrorIs(t, err, store.ErrCompanyNotFound)
	})

	t.Run("unknown attempt", func(t *testing.T) {
		st := NewOnboardingStore()

		_, err := st.InsertOnboardingRecords(context.Background(), uuid.New(), newRecords("a@x.com", "555-0001"))
		require.ErrorIs(t, err, store.ErrAttemptNotFound)
	})
}

func TestOnboardingStore_ConcurrentInsertSameRegistration(t *testing.T) {
	st := NewOnboardingStore()
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)

	for i := range workers {
		attempt, _, err := st.BeginAttempt(ctx, newAttempt(uuid.NewString()))
		require.NoError(t, err)

		wg.Add(1)
		go func(i int, attemptID uuid.UUID) {
			defer wg.Done()
			email := uuid.NewString() + "@x.com"
			_, err := st.InsertOnboardingRecords(ctx, attemptID, newRecords(email, "555-0001"))

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if err == store.ErrConflict {
				conflicts++
			}
		}(i, attempt.AttemptID)
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, conflicts)
}

func TestOnboardingStore_DeleteOnboardingRecords(t *testing.T) {
	st := NewOnboardingStore()
	ctx := context.Background()

	attempt, _, _ := st.BeginAttempt(ctx, newAttempt("key-1"))
	ids, err := st.InsertOnboardingRecords(ctx, attempt.AttemptID, newRecords("a@x.com", "555-0001"))
	require.NoError(t, err)

	require.NoError(t, st.DeleteOnboardingRecords(ctx, ids))

	_, err = st.GetUser(ctx, ids.UserID)
	require.ErrorIs(t, err, store.ErrUserNotFound)
	_, err = st.GetCompany(ctx, ids.CompanyID)
	require.ErrorIs(t, err, store.ErrCompanyNotFound)
	_, err = st.GetMembership(ctx, ids.MembershipID)
	require.ErrorIs(t, err, store.ErrMembershipNotFound)

	// Deleting again is a no-op
	require.NoError(t, st.DeleteOnboardingRecords(ctx, ids))

	// The registration number and email are free again
	again, _, _ := st.BeginAttempt(ctx, newAttempt("key-2"))
	_, err = st.InsertOnboardingRecords(ctx, again.AttemptID, newRecords("a@x.com", "555-0001"))
	require.NoError(t, err)
}

func TestOnboardingStore_ActivateMembership(t *testing.T) {
	st := NewOnboardingStore()
	ctx := context.Background()

	attempt, _, _ := st.BeginAttempt(ctx, newAttempt("key-1"))
	ids, err := st.InsertOnboardingRecords(ctx, attempt.AttemptID, newRecords("a@x.com", "555-0001"))
	require.NoError(t, err)

	require.NoError(t, st.ActivateMembership(ctx, ids.MembershipID))
	m, err := st.GetMembership(ctx, ids.MembershipID)
	require.NoError(t, err)
	require.True(t, m.IsActive())

	// Idempotent
	require.NoError(t, st.ActivateMembership(ctx, ids.MembershipID))

	err = st.ActivateMembership(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrMembershipNotFound)
}

func TestOnboardingStore_Attempts(t *testing.T) {
	t.Run("begin is idempotent on key", func(t *testing.T) {
		st := NewOnboardingStore()
		ctx := context.Background()

		first, created, err := st.BeginAttempt(ctx, newAttempt("key-1"))
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := st.BeginAttempt(ctx, newAttempt("key-1"))
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, first.AttemptID, second.AttemptID)
	})

	t.Run("claim respects the lease", func(t *testing.T) {
		st := NewOnboardingStore()
		ctx := context.Background()
		now := time.Now()
		st.now = func() time.Time { return now }

		attempt, _, _ := st.BeginAttempt(ctx, newAttempt("key-1"))

		claimed, err := st.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed.LeaseUntil)

		_, err = st.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.ErrorIs(t, err, store.ErrAttemptLeased)

		// Lease expires
		now = now.Add(2 * time.Minute)
		_, err = st.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.NoError(t, err)

		require.NoError(t, st.ReleaseAttempt(ctx, attempt.AttemptID))
		_, err = st.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.NoError(t, err)
	})

	t.Run("extend pushes out a held lease", func(t *testing.T) {
		st := NewOnboardingStore()
		now := time.Now()
		st.now = func() time.Time { return now }
		ctx := context.Background()

		attempt, _, _ := st.BeginAttempt(ctx, newAttempt("key-1"))
		_, err := st.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.NoError(t, err)

		now = now.Add(50 * time.Second)
		require.NoError(t, st.ExtendAttempt(ctx, attempt.AttemptID, time.Minute))

		// Past the original lease but inside the extended one
		now = now.Add(30 * time.Second)
		_, err = st.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.ErrorIs(t, err, store.ErrAttemptLeased)

		// A released lease is not revived
		require.NoError(t, st.ReleaseAttempt(ctx, attempt.AttemptID))
		require.NoError(t, st.ExtendAttempt(ctx, attempt.AttemptID, time.Minute))
		stored, err := st.GetAttempt(ctx, attempt.AttemptID)
		require.NoError(t, err)
		require.Nil(t, stored.LeaseUntil)

		require.ErrorIs(t, st.ExtendAttempt(ctx, uuid.New(), time.Minute), store.ErrAttemptNotFound)
	})

	t.Run("update keeps the lease", func(t *testing.T) {
		st := NewOnboardingStore()
		ctx := context.Background()

		attempt, _, _ := st.BeginAttempt(ctx, newAttempt("key-1"))
		claimed, err := st.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.NoError(t, err)

		claimed.Status = models.AttemptStatusFailed
		claimed.LeaseUntil = nil
		require.NoError(t, st.UpdateAttempt(ctx, claimed))

		stored, err := st.GetAttemptByKey(ctx, "key-1")
		require.NoError(t, err)
		require.Equal(t, models.AttemptStatusFailed, stored.Status)
		require.NotNil(t, stored.LeaseUntil)
	})

	t.Run("stale attempts", func(t *testing.T) {
		st := NewOnboardingStore()
		ctx := context.Background()

		old := newAttempt("old")
		old.UpdatedAt = time.Now().Add(-time.Hour)
		_, _, _ = st.BeginAttempt(ctx, old)

		done := newAttempt("done")
		done.Status = models.AttemptStatusCompleted
		done.UpdatedAt = time.Now().Add(-time.Hour)
		_, _, _ = st.BeginAttempt(ctx, done)

		_, _, _ = st.BeginAttempt(ctx, newAttempt("fresh"))

		stale, err := st.ListStaleAttempts(ctx, time.Now().Add(-30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, "old", stale[0].IdempotencyKey)

		completed, err := st.ListAttemptsByStatus(ctx, models.AttemptStatusCompleted, 10)
		require.NoError(t, err)
		require.Len(t, completed, 1)
	})
}
