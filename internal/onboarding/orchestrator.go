// Package onboarding drives subscription onboarding across the identity
// provider, the relational store and the payment provider.
//
// Each onboarding is a persisted SubscriptionAttempt moved through
// INITIATED, IDENTITY_CREATED, RECORDS_CREATED, PAYMENT_INITIATED and
// COMPLETED. A call with the same idempotency key resumes at the first
// incomplete step. Irrecoverable payment failures are compensated by deleting
// the provider customer and the rows this attempt inserted.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/brigade/internal/identity"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/payment"
	"github.com/wolfeidau/brigade/internal/store"
	"github.com/wolfeidau/brigade/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config tunes timeouts, retries and resume tokens.
type Config struct {
	// CallTimeout bounds every call to a collaborator. Default: 10s
	CallTimeout time.Duration

	// Lease is how long a claim on an attempt lasts without renewal. A running
	// orchestration renews it every Lease/3. Default: 2m
	Lease time.Duration

	// MaxTries bounds calls to a collaborator per step. Default: 4
	MaxTries uint

	// Backoff between retries. Defaults: 200ms growing to 2s
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// TokenSecret signs resume tokens. Tokens are disabled when empty.
	TokenSecret []byte

	// TokenTTL is the lifetime of a resume token. Default: 24h
	TokenTTL time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Lease == 0 {
		c.Lease = 2 * time.Minute
	}
	if c.MaxTries == 0 {
		c.MaxTries = 4
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if len(c.TokenSecret) > 0 && len(c.TokenSecret) < 32 {
		return fmt.Errorf("token secret must be at least 32 bytes")
	}
	// A renewal sent at Lease/3 must land before the lease runs out
	if c.Lease < 2*c.CallTimeout {
		return fmt.Errorf("lease (%s) must be at least twice the call timeout (%s)", c.Lease, c.CallTimeout)
	}
	return nil
}

// PlanReader is the subset of the plan catalog the orchestrator reads.
type PlanReader interface {
	GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error)
	GetPlanByCode(ctx context.Context, code string) (*models.Plan, error)
	GetDefaultPlan(ctx context.Context) (*models.Plan, error)
}

// Dependencies are the collaborators injected into the Orchestrator.
type Dependencies struct {
	Identity identity.Client
	Payment  payment.Client
	Records  store.OnboardingStore
	Attempts store.AttemptStore
	Plans    PlanReader
}

func (d Dependencies) validate() error {
	switch {
	case d.Identity == nil:
		return errors.New("identity client is required")
	case d.Payment == nil:
		return errors.New("payment client is required")
	case d.Records == nil:
		return errors.New("onboarding store is required")
	case d.Attempts == nil:
		return errors.New("attempt store is required")
	case d.Plans == nil:
		return errors.New("plan store is required")
	}
	return nil
}

// Orchestrator runs onboarding attempts. It is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	tokens *tokenSigner
	now    func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid onboarding config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		tokens: &tokenSigner{secret: cfg.TokenSecret, ttl: cfg.TokenTTL, now: time.Now},
		now:    time.Now,
	}, nil
}

// PlanDescriptor describes the subscribed plan in the requested locale.
type PlanDescriptor struct {
	Code        string
	Name        string
	Description string
}

// PaymentContinuation is what the caller needs to finish payment setup on
// its own channel.
type PaymentContinuation struct {
	ClientSecret    string
	SubscriptionRef string
	Status          string
	Amount          int64 // minor units
	Currency        string
	Plan            PlanDescriptor
}

// Result is returned by a successful CreateSubscription.
type Result struct {
	AttemptID    uuid.UUID
	UserID       uuid.UUID
	CompanyID    uuid.UUID
	MembershipID uuid.UUID
	Payment      PaymentContinuation
}

// CreateSubscription onboards a company owner: identity, user, company,
// membership and payment subscription. Every error is an *Error.
func (o *Orchestrator) CreateSubscription(ctx context.Context, req Request) (*Result, error) {
	started := o.now()

	res, attempt, err := o.createSubscription(ctx, req)

	outcome := "completed"
	if err != nil {
		outcome = string(KindOf(err))
	}
	m := telemetry.GetMetrics()
	m.OnboardingAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.OnboardingDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))

	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = newError(KindInternal, "unexpected error")
		}
		return nil, o.withResumeToken(e, req, attempt)
	}

	return res, nil
}

func (o *Orchestrator) createSubscription(ctx context.Context, raw Request) (*Result, *models.SubscriptionAttempt, error) {
	req, verr := raw.normalize()
	if verr != nil {
		return nil, nil, verr
	}

	key, tokenAttemptID, kerr := o.resolveKey(req)
	if kerr != nil {
		return nil, nil, kerr
	}

	plan, perr := o.resolvePlan(ctx, req.PlanCode)
	if perr != nil {
		return nil, nil, perr
	}

	attempt, err := o.deps.Attempts.GetAttemptByKey(ctx, key)
	switch {
	case errors.Is(err, store.ErrAttemptNotFound):
		if tokenAttemptID != uuid.Nil {
			return nil, nil, newError(KindValidation, "resume token refers to an unknown attempt")
		}
		attempt, err = o.beginAttempt(ctx, req, key, plan)
		if err != nil {
			return nil, nil, err
		}
	case err != nil:
		log.Error().Err(err).Str("idempotency_key", key).Msg("Failed to read onboarding attempt")
		return nil, nil, classifyStore(err)
	}

	if tokenAttemptID != uuid.Nil && tokenAttemptID != attempt.AttemptID {
		return nil, nil, newError(KindValidation, "resume token does not match the attempt")
	}
	if attempt.Email != req.Email || attempt.RegistrationNumber != req.RegistrationNumber {
		return nil, nil, newError(KindValidation, "idempotency key was used for a different request")
	}

	switch attempt.Status {
	case models.AttemptStatusCompleted:
		res, err := o.completedResult(ctx, attempt, req.Locale)
		return res, attempt, err
	case models.AttemptStatusCompensationFailed:
		return nil, attempt, compensationFailed()
	}

	claimed, err := o.deps.Attempts.ClaimAttempt(ctx, attempt.AttemptID, o.cfg.Lease)
	if err != nil {
		return o.claimLost(ctx, attempt, req.Locale, err)
	}
	defer o.hold(ctx, claimed.AttemptID)()

	res, err := o.resume(ctx, claimed, req, plan)
	return res, claimed, err
}

// resume runs the attempt from its persisted status while holding the lease.
func (o *Orchestrator) resume(ctx context.Context, attempt *models.SubscriptionAttempt, req Request, plan *models.Plan) (*Result, error) {
	switch attempt.Status {
	case models.AttemptStatusCompleted:
		return o.completedResult(ctx, attempt, req.Locale)
	case models.AttemptStatusCompensationFailed:
		return nil, compensationFailed()
	case models.AttemptStatusFailed:
		if err := o.rearm(ctx, attempt, req, plan); err != nil {
			return nil, err
		}
	default:
		// Resumed attempts keep the plan they started with
		if attempt.PlanID != plan.PlanID {
			var err error
			if plan, err = o.deps.Plans.GetPlan(ctx, attempt.PlanID); err != nil {
				log.Error().Err(err).Str("attempt_id", attempt.AttemptID.String()).Msg("Failed to load attempt plan")
				return nil, newError(KindInternal, "plan for attempt not found")
			}
		}
	}

	log.Info().
		Str("attempt_id", attempt.AttemptID.String()).
		Str("status", string(attempt.Status)).
		Int("cycle", attempt.Cycle).
		Msg("Running onboarding attempt")

	return o.run(ctx, attempt, plan, req.Locale)
}

func (o *Orchestrator) resolveKey(req Request) (string, uuid.UUID, *Error) {
	if req.ResumeToken != "" {
		attemptID, key, err := o.tokens.verify(req.ResumeToken)
		if err != nil {
			log.Debug().Err(err).Msg("Rejected resume token")
			return "", uuid.Nil, newError(KindValidation, "invalid resume token")
		}
		if req.IdempotencyKey != "" && req.IdempotencyKey != key {
			return "", uuid.Nil, newError(KindValidation, "resume token does not match the idempotency key")
		}
		return key, attemptID, nil
	}

	if req.IdempotencyKey != "" {
		return req.IdempotencyKey, uuid.Nil, nil
	}

	return DeriveIdempotencyKey(req.Email, req.RegistrationNumber), uuid.Nil, nil
}

func (o *Orchestrator) resolvePlan(ctx context.Context, code string) (*models.Plan, *Error) {
	var (
		plan *models.Plan
		err  error
	)
	if code == "" {
		plan, err = o.deps.Plans.GetDefaultPlan(ctx)
	} else {
		plan, err = o.deps.Plans.GetPlanByCode(ctx, code)
	}

	switch {
	case errors.Is(err, store.ErrPlanNotFound):
		if code == "" {
			return nil, newError(KindInternal, "no default plan is configured")
		}
		return nil, &Error{Kind: KindValidation, Message: "invalid onboarding request", Fields: map[string]string{"plan": "is not a known plan"}}
	case err != nil:
		log.Error().Err(err).Str("plan", code).Msg("Failed to load plan")
		return nil, classifyStore(err)
	}

	return plan, nil
}

// precheck rejects requests whose email or registration number is already
// taken. The unique constraints re-check both during the records step.
func (o *Orchestrator) precheck(ctx context.Context, req Request) error {
	user, err := o.deps.Records.FindUserByEmail(ctx, req.Email)
	switch {
	case err == nil && user.Active:
		return newError(KindConflict, "a user with this email already exists")
	case err != nil && !errors.Is(err, store.ErrUserNotFound):
		log.Error().Err(err).Msg("Failed to look up user by email")
		return classifyStore(err)
	}

	_, err = o.deps.Records.FindCompanyByRegistration(ctx, req.RegistrationNumber)
	switch {
	case err == nil:
		return newError(KindConflict, "a company with this registration number already exists")
	case !errors.Is(err, store.ErrCompanyNotFound):
		log.Error().Err(err).Msg("Failed to look up company by registration number")
		return classifyStore(err)
	}

	return nil
}

func (o *Orchestrator) beginAttempt(ctx context.Context, req Request, key string, plan *models.Plan) (*models.SubscriptionAttempt, error) {
	if err := o.precheck(ctx, req); err != nil {
		return nil, err
	}

	attemptID, err := uuid.NewV7()
	if err != nil {
		return nil, newError(KindInternal, "failed to generate attempt id")
	}

	now := o.now()
	attempt, created, err := o.deps.Attempts.BeginAttempt(ctx, &models.SubscriptionAttempt{
		AttemptID:          attemptID,
		IdempotencyKey:     key,
		Status:             models.AttemptStatusInitiated,
		Cycle:              1,
		Email:              req.Email,
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		CompanyName:        req.CompanyName,
		RegistrationNumber: req.RegistrationNumber,
		PlanID:             plan.PlanID,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create onboarding attempt")
		return nil, classifyStore(err)
	}

	if created {
		log.Info().
			Str("attempt_id", attempt.AttemptID.String()).
			Str("plan", plan.Code).
			Msg("Created onboarding attempt")
	}

	return attempt, nil
}

// rearm starts a new cycle for a FAILED attempt. Compensation has already
// removed its records and provider customer.
func (o *Orchestrator) rearm(ctx context.Context, attempt *models.SubscriptionAttempt, req Request, plan *models.Plan) error {
	if attempt.HasRecords() {
		return newError(KindInternal, "failed attempt still holds records")
	}

	if err := o.precheck(ctx, req); err != nil {
		return err
	}

	attempt.Cycle++
	attempt.Status = models.AttemptStatusInitiated
	if attempt.IdentityRef != "" {
		attempt.Status = models.AttemptStatusIdentityCreated
	}
	attempt.PlanID = plan.PlanID
	attempt.CustomerRef = ""
	attempt.SubscriptionRef = ""
	attempt.FailureKind = ""
	attempt.FailureReason = ""

	if err := o.save(ctx, attempt); err != nil {
		return err
	}

	log.Info().
		Str("attempt_id", attempt.AttemptID.String()).
		Int("cycle", attempt.Cycle).
		Msg("Re-armed failed onboarding attempt")

	return nil
}

// claimLost handles a same-key call racing an orchestration that holds the lease.
func (o *Orchestrator) claimLost(ctx context.Context, attempt *models.SubscriptionAttempt, locale string, err error) (*Result, *models.SubscriptionAttempt, error) {
	if !errors.Is(err, store.ErrAttemptLeased) {
		log.Error().Err(err).Str("attempt_id", attempt.AttemptID.String()).Msg("Failed to claim onboarding attempt")
		return nil, attempt, classifyStore(err)
	}

	current, err := o.deps.Attempts.GetAttempt(ctx, attempt.AttemptID)
	if err != nil {
		return nil, attempt, classifyStore(err)
	}

	if current.Status == models.AttemptStatusCompleted {
		res, err := o.completedResult(ctx, current, locale)
		return res, current, err
	}

	return nil, current, newError(KindConflict, "onboarding attempt in progress")
}

// hold keeps the lease on a claimed attempt alive until the returned func is
// called, which stops renewing and releases it.
func (o *Orchestrator) hold(ctx context.Context, attemptID uuid.UUID) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(o.cfg.Lease / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				o.extend(ctx, attemptID)
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
		o.release(ctx, attemptID)
	}
}

func (o *Orchestrator) extend(ctx context.Context, attemptID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()

	if err := o.deps.Attempts.ExtendAttempt(ctx, attemptID, o.cfg.Lease); err != nil {
		log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Failed to extend onboarding attempt lease")
	}
}

func (o *Orchestrator) release(ctx context.Context, attemptID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()

	if err := o.deps.Attempts.ReleaseAttempt(ctx, attemptID); err != nil {
		log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Failed to release onboarding attempt")
	}
}

// save persists the attempt, retrying transient store errors.
func (o *Orchestrator) save(ctx context.Context, attempt *models.SubscriptionAttempt) error {
	_, err := retry(ctx, o, "save_attempt", storeTransient, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Attempts.UpdateAttempt(ctx, attempt)
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("attempt_id", attempt.AttemptID.String()).
			Str("status", string(attempt.Status)).
			Msg("Failed to persist onboarding attempt")
		return classifyStore(err)
	}
	return nil
}

func (o *Orchestrator) withResumeToken(e *Error, req Request, attempt *models.SubscriptionAttempt) *Error {
	if !req.WantResumeToken || attempt == nil || !o.tokens.enabled() {
		return e
	}
	if e.Kind != KindTransient && e.Kind != KindConflict {
		return e
	}

	token, err := o.tokens.issue(attempt.AttemptID, attempt.IdempotencyKey)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to issue resume token")
		return e
	}

	e.AttemptID = attempt.AttemptID
	e.ResumeToken = token
	return e
}

func compensationFailed() *Error {
	return newError(KindCompensationFailed, "onboarding failed and could not be cleaned up, an operator has been notified")
}
