package onboarding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/brigade/internal/identity"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/payment"
	"github.com/wolfeidau/brigade/internal/store"
	"github.com/wolfeidau/brigade/internal/store/memory"
)

// flakyRecords injects ActivateMembership failures.
type flakyRecords struct {
	*memory.OnboardingStore

	mu          sync.Mutex
	activateErr []error
}

func (f *flakyRecords) ActivateMembership(ctx context.Context, membershipID uuid.UUID) error {
	f.mu.Lock()
	if len(f.activateErr) > 0 {
		err := f.activateErr[0]
		f.activateErr = f.activateErr[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.OnboardingStore.ActivateMembership(ctx, membershipID)
}

type fixture struct {
	orch    *Orchestrator
	store   *memory.OnboardingStore
	records *flakyRecords
	plans   *memory.PlanStore
	idp     *identity.MemoryClient
	pay     *payment.MemoryClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: memory.NewOnboardingStore(),
		plans: memory.NewPlanStore(),
		idp:   identity.NewMemoryClient(),
		pay: payment.NewMemoryClient(map[string]payment.Price{
			"price_basic":   {Amount: 2900, Currency: "eur"},
			"price_trial":   {Amount: 4900, Currency: "eur", Status: payment.StatusTrialing},
			"price_expired": {Amount: 900, Currency: "eur", Status: payment.StatusIncompleteExpired},
		}),
	}
	f.records = &flakyRecords{OnboardingStore: f.store}

	ctx := context.Background()
	for i, p := range []*models.Plan{
		{Code: "basic", PriceRef: "price_basic", IsDefault: true},
		{Code: "trial", PriceRef: "price_trial"},
		{Code: "expired", PriceRef: "price_expired"},
		{Code: "ghost", PriceRef: "price_unknown"},
	} {
		p.PlanID = uuid.Must(uuid.NewV7())
		p.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		p.Translations = []models.PlanTranslation{
			{Locale: "en", Name: p.Code + " plan", Description: "The " + p.Code + " plan"},
			{Locale: "fr", Name: "Forfait " + p.Code, Description: "Le forfait " + p.Code},
		}
		require.NoError(t, f.plans.CreatePlan(ctx, p))
	}

	f.rebuild(t, testConfig(), nil)

	return f
}

func testConfig() Config {
	return Config{
		CallTimeout:     time.Second,
		Lease:           time.Minute,
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		TokenSecret:     []byte("0123456789abcdef0123456789abcdef"),
	}
}

// rebuild replaces the orchestrator, letting the test wrap or swap collaborators.
func (f *fixture) rebuild(t *testing.T, cfg Config, wrap func(*Dependencies)) {
	t.Helper()

	deps := Dependencies{
		Identity: f.idp,
		Payment:  f.pay,
		Records:  f.records,
		Attempts: f.store,
		Plans:    f.plans,
	}
	if wrap != nil {
		wrap(&deps)
	}

	orch, err := New(cfg, deps)
	require.NoError(t, err)
	f.orch = orch
}

func (f *fixture) attempt(t *testing.T, req Request) *models.SubscriptionAttempt {
	t.Helper()
	key := req.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(req.Email, req.RegistrationNumber)
	}
	a, err := f.store.GetAttemptByKey(context.Background(), key)
	require.NoError(t, err)
	return a
}

func (f *fixture) requireNoRecords(t *testing.T, req Request) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.FindUserByEmail(ctx, NormalizeEmail(req.Email))
	require.ErrorIs(t, err, store.ErrUserNotFound)
	_, err = f.store.FindCompanyByRegistration(ctx, NormalizeRegistrationNumber(req.RegistrationNumber))
	require.ErrorIs(t, err, store.ErrCompanyNotFound)
}

func validRequest() Request {
	return Request{
		Email:              "Chef@Example.com",
		FirstName:          "Ada",
		LastName:           "Lovelace",
		CompanyName:        "Analytical Kitchens",
		RegistrationNumber: "ak 1843",
	}
}

func retryableProviderErr() error {
	return &payment.ProviderError{Op: "create customer", Code: "rate_limit", Status: 429, Retryable: true}
}

func declinedProviderErr() error {
	return &payment.ProviderError{Op: "create subscription", Code: "card_declined", Status: 402}
}

func TestOrchestrator_CreateSubscription(t *testing.T) {
	t.Run("onboards a new company owner", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		req := validRequest()
		req.Locale = "fr"
		res, err := f.orch.CreateSubscription(ctx, req)
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, res.AttemptID)
		assert.Equal(t, "basic", res.Payment.Plan.Code)
		assert.Equal(t, "Forfait basic", res.Payment.Plan.Name)
		assert.Equal(t, int64(2900), res.Payment.Amount)
		assert.Equal(t, "eur", res.Payment.Currency)
		assert.Equal(t, string(payment.StatusIncomplete), res.Payment.Status)
		assert.NotEmpty(t, res.Payment.ClientSecret)
		assert.NotEmpty(t, res.Payment.SubscriptionRef)

		user, err := f.store.GetUser(ctx, res.UserID)
		require.NoError(t, err)
		assert.Equal(t, "chef@example.com", user.Email)
		assert.True(t, user.Active)
		assert.NotEmpty(t, user.IdentityRef)

		company, err := f.store.GetCompany(ctx, res.CompanyID)
		require.NoError(t, err)
		assert.Equal(t, "AK 1843", company.RegistrationNumber)

		membership, err := f.store.GetMembership(ctx, res.MembershipID)
		require.NoError(t, err)
		assert.Equal(t, models.MembershipRoleOwner, membership.Role)
		assert.True(t, membership.IsActive())

		attempt := f.attempt(t, req)
		assert.Equal(t, models.AttemptStatusCompleted, attempt.Status)
		assert.Equal(t, 1, attempt.Cycle)
		assert.Nil(t, attempt.LeaseUntil)
	})

	t.Run("repeating the request returns the same result", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		first, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)

		second, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)

		assert.Equal(t, first.AttemptID, second.AttemptID)
		assert.Equal(t, first.UserID, second.UserID)
		assert.Equal(t, first.CompanyID, second.CompanyID)
		assert.Equal(t, first.Payment.SubscriptionRef, second.Payment.SubscriptionRef)

		assert.Equal(t, 1, f.idp.Creates)
		assert.Equal(t, 1, f.pay.LiveCustomers())
		assert.Equal(t, 1, f.pay.LiveSubscriptions())
	})

	t.Run("explicit plan and trial subscription", func(t *testing.T) {
		f := newFixture(t)

		req := validRequest()
		req.PlanCode = "trial"
		res, err := f.orch.CreateSubscription(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, string(payment.StatusTrialing), res.Payment.Status)
		assert.Equal(t, "trial plan", res.Payment.Plan.Name)
	})

	t.Run("existing identity is reused", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		ident, err := f.idp.Create(ctx, "chef@example.com", identity.Profile{FirstName: "Ada"})
		require.NoError(t, err)

		res, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)

		user, err := f.store.GetUser(ctx, res.UserID)
		require.NoError(t, err)
		assert.Equal(t, ident.Ref, user.IdentityRef)
		assert.Equal(t, 1, f.idp.Creates)
	})
}

func TestOrchestrator_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("invalid fields", func(t *testing.T) {
		req := validRequest()
		req.Email = "not-an-email"
		req.CompanyName = ""

		_, err := f.orch.CreateSubscription(ctx, req)
		require.ErrorIs(t, err, ErrValidation)

		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Contains(t, e.Fields, "email")
		assert.Contains(t, e.Fields, "company_name")
	})

	t.Run("unknown plan", func(t *testing.T) {
		req := validRequest()
		req.PlanCode = "platinum"

		_, err := f.orch.CreateSubscription(ctx, req)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("key reused for a different request", func(t *testing.T) {
		req := validRequest()
		req.IdempotencyKey = "order-42"
		_, err := f.orch.CreateSubscription(ctx, req)
		require.NoError(t, err)

		other := validRequest()
		other.IdempotencyKey = "order-42"
		other.Email = "someone@example.com"
		_, err = f.orch.CreateSubscription(ctx, other)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("invalid resume token", func(t *testing.T) {
		req := validRequest()
		req.ResumeToken = "not-a-token"
		_, err := f.orch.CreateSubscription(ctx, req)
		require.ErrorIs(t, err, ErrValidation)
	})
}

func TestOrchestrator_Conflicts(t *testing.T) {
	t.Run("registration number already taken", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)

		req := validRequest()
		req.Email = "other@example.com"
		_, err = f.orch.CreateSubscription(ctx, req)
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 1, f.pay.LiveCustomers())
	})

	t.Run("email already belongs to an active user", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)

		req := validRequest()
		req.RegistrationNumber = "AK 1844"
		_, err = f.orch.CreateSubscription(ctx, req)
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("concurrent onboarding of the same company", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		const workers = 6
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []error
		)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				req := validRequest()
				req.Email = uuid.NewString() + "@example.com"
				_, err := f.orch.CreateSubscription(ctx, req)

				mu.Lock()
				results = append(results, err)
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		var successes, conflicts int
		for _, err := range results {
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, conflicts)
		assert.Equal(t, 1, f.pay.LiveCustomers())
	})

	t.Run("same key while another call holds the attempt", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		transient := &identity.StatusError{Op: "find", StatusCode: 503}
		f.idp.FindErr = []error{transient, transient, transient}

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)

		attempt := f.attempt(t, validRequest())
		_, err = f.store.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.NoError(t, err)

		_, err = f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrConflict)
	})
}

func TestOrchestrator_Compensation(t *testing.T) {
	t.Run("declined subscription removes everything", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.pay.SubscriptionErr = []error{declinedProviderErr()}

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrProviderRejected)

		f.requireNoRecords(t, validRequest())
		assert.Equal(t, 0, f.pay.LiveCustomers())

		attempt := f.attempt(t, validRequest())
		assert.Equal(t, models.AttemptStatusFailed, attempt.Status)
		assert.Equal(t, string(KindProviderRejected), attempt.FailureKind)
		assert.False(t, attempt.HasRecords())
	})

	t.Run("unknown price is rejected", func(t *testing.T) {
		f := newFixture(t)

		req := validRequest()
		req.PlanCode = "ghost"
		_, err := f.orch.CreateSubscription(context.Background(), req)
		require.ErrorIs(t, err, ErrProviderRejected)

		f.requireNoRecords(t, req)
		assert.Equal(t, 0, f.pay.LiveCustomers())
	})

	t.Run("subscription that cannot proceed is rejected", func(t *testing.T) {
		f := newFixture(t)

		req := validRequest()
		req.PlanCode = "expired"
		_, err := f.orch.CreateSubscription(context.Background(), req)
		require.ErrorIs(t, err, ErrProviderRejected)

		f.requireNoRecords(t, req)
		assert.Equal(t, 0, f.pay.LiveSubscriptions())
	})

	t.Run("failed attempt is retried in a new cycle", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.pay.SubscriptionErr = []error{declinedProviderErr()}
		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrProviderRejected)

		res, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)

		attempt := f.attempt(t, validRequest())
		assert.Equal(t, res.AttemptID, attempt.AttemptID)
		assert.Equal(t, models.AttemptStatusCompleted, attempt.Status)
		assert.Equal(t, 2, attempt.Cycle)
		assert.Empty(t, attempt.FailureKind)
		assert.Equal(t, 1, f.pay.LiveCustomers())
		assert.Equal(t, 1, f.idp.Creates)
	})

	t.Run("compensation failure is recorded and reconciled", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.pay.SubscriptionErr = []error{declinedProviderErr()}
		f.pay.DeleteErr = []error{&payment.ProviderError{Op: "delete customer", Code: "api_error", Status: 400}}

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrCompensationFailed)

		attempt := f.attempt(t, validRequest())
		require.Equal(t, models.AttemptStatusCompensationFailed, attempt.Status)
		assert.True(t, attempt.HasRecords())
		assert.Equal(t, 1, f.pay.LiveCustomers())

		// Callers are told until an operator reconciles
		_, err = f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrCompensationFailed)

		require.NoError(t, f.orch.Reconcile(ctx, attempt.AttemptID))

		attempt = f.attempt(t, validRequest())
		assert.Equal(t, models.AttemptStatusFailed, attempt.Status)
		f.requireNoRecords(t, validRequest())
		assert.Equal(t, 0, f.pay.LiveCustomers())

		err = f.orch.Reconcile(ctx, attempt.AttemptID)
		require.ErrorIs(t, err, ErrValidation)
	})
}

func TestOrchestrator_Transient(t *testing.T) {
	t.Run("retries transient failures", func(t *testing.T) {
		f := newFixture(t)

		transient := &identity.StatusError{Op: "find", StatusCode: 503}
		f.idp.FindErr = []error{transient, transient}
		f.pay.CustomerErr = []error{retryableProviderErr()}

		_, err := f.orch.CreateSubscription(context.Background(), validRequest())
		require.NoError(t, err)
	})

	t.Run("exhausted retries can be resumed", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.pay.CustomerErr = []error{retryableProviderErr(), retryableProviderErr(), retryableProviderErr()}

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)

		attempt := f.attempt(t, validRequest())
		require.Equal(t, models.AttemptStatusRecordsCreated, attempt.Status)

		res, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, attempt.AttemptID, res.AttemptID)
		assert.Equal(t, *attempt.CompanyID, res.CompanyID)
		assert.Equal(t, 1, f.pay.LiveCustomers())
	})

	t.Run("activation failure leaves payment initiated", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.records.activateErr = []error{store.ErrUnavailable, store.ErrUnavailable, store.ErrUnavailable}

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)

		attempt := f.attempt(t, validRequest())
		require.Equal(t, models.AttemptStatusPaymentInitiated, attempt.Status)

		res, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, attempt.SubscriptionRef, res.Payment.SubscriptionRef)
		assert.Equal(t, 1, f.pay.LiveSubscriptions())
	})

	t.Run("resume token continues the attempt", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.pay.CustomerErr = []error{retryableProviderErr(), retryableProviderErr(), retryableProviderErr()}

		req := validRequest()
		req.IdempotencyKey = "order-7"
		req.WantResumeToken = true
		_, err := f.orch.CreateSubscription(ctx, req)
		require.ErrorIs(t, err, ErrTransient)

		var e *Error
		require.ErrorAs(t, err, &e)
		require.NotEmpty(t, e.ResumeToken)
		require.NotEqual(t, uuid.Nil, e.AttemptID)

		resumed := validRequest()
		resumed.ResumeToken = e.ResumeToken
		res, err := f.orch.CreateSubscription(ctx, resumed)
		require.NoError(t, err)
		assert.Equal(t, e.AttemptID, res.AttemptID)
	})
}

func TestOrchestrator_Abandon(t *testing.T) {
	t.Run("before records", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		transient := &identity.StatusError{Op: "find", StatusCode: 503}
		f.idp.FindErr = []error{transient, transient, transient}
		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)

		attempt := f.attempt(t, validRequest())
		require.NoError(t, f.orch.Abandon(ctx, attempt.AttemptID))

		attempt = f.attempt(t, validRequest())
		assert.Equal(t, models.AttemptStatusFailed, attempt.Status)
		assert.Equal(t, failureAbandoned, attempt.FailureKind)
	})

	t.Run("with records compensates", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.pay.CustomerErr = []error{retryableProviderErr(), retryableProviderErr(), retryableProviderErr()}
		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)

		attempt := f.attempt(t, validRequest())
		require.NoError(t, f.orch.Abandon(ctx, attempt.AttemptID))

		attempt = f.attempt(t, validRequest())
		assert.Equal(t, models.AttemptStatusFailed, attempt.Status)
		f.requireNoRecords(t, validRequest())
	})

	t.Run("with payment finalizes", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.records.activateErr = []error{store.ErrUnavailable, store.ErrUnavailable, store.ErrUnavailable}
		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)

		attempt := f.attempt(t, validRequest())
		require.NoError(t, f.orch.Abandon(ctx, attempt.AttemptID))

		attempt = f.attempt(t, validRequest())
		assert.Equal(t, models.AttemptStatusCompleted, attempt.Status)
	})

	t.Run("leased attempt is skipped", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		transient := &identity.StatusError{Op: "find", StatusCode: 503}
		f.idp.FindErr = []error{transient, transient, transient}
		_, _ = f.orch.CreateSubscription(ctx, validRequest())

		attempt := f.attempt(t, validRequest())
		_, err := f.store.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
		require.NoError(t, err)

		require.NoError(t, f.orch.Abandon(ctx, attempt.AttemptID))
		assert.Equal(t, models.AttemptStatusInitiated, f.attempt(t, validRequest()).Status)
	})
}

// cancellingPayment cancels the caller's context when the subscription is
// created, then either fails with subErr or creates it.
type cancellingPayment struct {
	payment.Client
	cancel context.CancelFunc
	subErr error
}

func (c *cancellingPayment) CreateSubscription(ctx context.Context, customerRef, priceRef, idempotencyKey string) (*payment.Subscription, error) {
	c.cancel()
	if c.subErr != nil {
		return nil, c.subErr
	}
	return c.Client.CreateSubscription(ctx, customerRef, priceRef, idempotencyKey)
}

// cancellingIdentity cancels the caller's context during the identity lookup.
type cancellingIdentity struct {
	identity.Client
	cancel context.CancelFunc
}

func (c *cancellingIdentity) FindByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	c.cancel()
	return c.Client.FindByEmail(ctx, email)
}

// blockingIdentity holds the identity lookup until released.
type blockingIdentity struct {
	identity.Client
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingIdentity) FindByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Client.FindByEmail(ctx, email)
}

// newDroppingServer closes every connection without writing a response.
func newDroppingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func TestOrchestrator_NetworkFailures(t *testing.T) {
	t.Run("dropped payment connection is retried and resumable", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		srv, calls := newDroppingServer(t)
		stripeClient, err := payment.NewStripeClient(payment.StripeConfig{SecretKey: "sk_test_123", BackendURL: srv.URL})
		require.NoError(t, err)
		f.rebuild(t, testConfig(), func(d *Dependencies) { d.Payment = stripeClient })

		_, err = f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)
		assert.GreaterOrEqual(t, calls.Load(), int32(3))

		// Nothing was compensated
		attempt := f.attempt(t, validRequest())
		assert.Equal(t, models.AttemptStatusRecordsCreated, attempt.Status)
		assert.Empty(t, attempt.FailureKind)
		assert.True(t, attempt.HasRecords())
		_, err = f.store.GetCompany(ctx, *attempt.CompanyID)
		require.NoError(t, err)

		// The provider comes back
		f.rebuild(t, testConfig(), nil)
		res, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, attempt.AttemptID, res.AttemptID)
		assert.Equal(t, *attempt.CompanyID, res.CompanyID)
		assert.Equal(t, 1, f.pay.LiveSubscriptions())
	})

	t.Run("dropped identity connection is retried and leaves nothing behind", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		srv, calls := newDroppingServer(t)
		idp, err := identity.NewHTTPClient(identity.HTTPConfig{BaseURL: srv.URL, Timeout: time.Second})
		require.NoError(t, err)
		f.rebuild(t, testConfig(), func(d *Dependencies) { d.Identity = idp })

		_, err = f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)
		assert.GreaterOrEqual(t, calls.Load(), int32(3))

		assert.Equal(t, models.AttemptStatusInitiated, f.attempt(t, validRequest()).Status)
		f.requireNoRecords(t, validRequest())
		assert.Equal(t, 0, f.pay.LiveCustomers())
	})
}

func TestOrchestrator_CallerCancellation(t *testing.T) {
	t.Run("cancelled after records still compensates a decline", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f.rebuild(t, testConfig(), func(d *Dependencies) {
			d.Payment = &cancellingPayment{Client: f.pay, cancel: cancel, subErr: declinedProviderErr()}
		})

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrProviderRejected)
		require.Error(t, ctx.Err())

		f.requireNoRecords(t, validRequest())
		assert.Equal(t, 0, f.pay.LiveCustomers())

		attempt := f.attempt(t, validRequest())
		assert.Equal(t, models.AttemptStatusFailed, attempt.Status)
		assert.Equal(t, string(KindProviderRejected), attempt.FailureKind)
	})

	t.Run("cancelled after records still completes", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f.rebuild(t, testConfig(), func(d *Dependencies) {
			d.Payment = &cancellingPayment{Client: f.pay, cancel: cancel}
		})

		res, err := f.orch.CreateSubscription(ctx, validRequest())
		require.NoError(t, err)

		membership, err := f.store.GetMembership(context.Background(), res.MembershipID)
		require.NoError(t, err)
		assert.True(t, membership.IsActive())
		assert.Equal(t, models.AttemptStatusCompleted, f.attempt(t, validRequest()).Status)
	})

	t.Run("cancelled before records leaves no rows", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f.rebuild(t, testConfig(), func(d *Dependencies) {
			d.Identity = &cancellingIdentity{Client: f.idp, cancel: cancel}
		})

		_, err := f.orch.CreateSubscription(ctx, validRequest())
		require.ErrorIs(t, err, ErrTransient)

		f.requireNoRecords(t, validRequest())
		assert.Equal(t, 0, f.pay.LiveCustomers())

		attempt := f.attempt(t, validRequest())
		assert.False(t, attempt.HasRecords())
		assert.Nil(t, attempt.LeaseUntil)

		// A later call picks it up
		f.rebuild(t, testConfig(), nil)
		res, err := f.orch.CreateSubscription(context.Background(), validRequest())
		require.NoError(t, err)
		assert.Equal(t, attempt.AttemptID, res.AttemptID)
	})
}

func TestOrchestrator_LeaseRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blocked := &blockingIdentity{Client: f.idp, entered: make(chan struct{}), release: make(chan struct{})}
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.Lease = 60 * time.Millisecond
	f.rebuild(t, cfg, func(d *Dependencies) { d.Identity = blocked })

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.orch.CreateSubscription(ctx, validRequest())
		done <- outcome{res, err}
	}()

	<-blocked.entered

	// Well past the original lease the run still holds the attempt
	time.Sleep(3 * cfg.Lease)
	attempt := f.attempt(t, validRequest())
	_, err := f.store.ClaimAttempt(ctx, attempt.AttemptID, time.Minute)
	require.ErrorIs(t, err, store.ErrAttemptLeased)

	close(blocked.release)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, attempt.AttemptID, out.res.AttemptID)
	assert.Nil(t, f.attempt(t, validRequest()).LeaseUntil)
}

func TestNew(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	require.Error(t, err)

	_, err = New(Config{TokenSecret: []byte("short")}, Dependencies{})
	require.Error(t, err)

	cfg := Config{CallTimeout: 10 * time.Second, Lease: 15 * time.Second}
	cfg.ApplyDefaults()
	require.ErrorContains(t, cfg.Validate(), "lease")

	cfg.Lease = 20 * time.Second
	require.NoError(t, cfg.Validate())
}
