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

const (
	stepIdentity = "identity"
	stepRecords  = "records"
	stepPayment  = "payment"
	stepFinalize = "finalize"
)

// run moves a claimed attempt forward from its current status to COMPLETED.
func (o *Orchestrator) run(ctx context.Context, attempt *models.SubscriptionAttempt, plan *models.Plan, locale string) (*Result, error) {
	if attempt.Status == models.AttemptStatusInitiated {
		if err := o.createIdentity(ctx, attempt); err != nil {
			return nil, err
		}
	}

	// Nothing is written to the store or the payment provider for a caller
	// that has already gone away. From here on the remaining steps run to
	// completion or compensation regardless of the caller.
	if ctx.Err() != nil {
		return nil, tryAgain()
	}
	ctx = context.WithoutCancel(ctx)

	if attempt.Status == models.AttemptStatusIdentityCreated {
		if err := o.createRecords(ctx, attempt); err != nil {
			return nil, err
		}
	}

	var sub *payment.Subscription
	if attempt.Status == models.AttemptStatusRecordsCreated {
		var err error
		if sub, err = o.initiatePayment(ctx, attempt, plan); err != nil {
			return nil, err
		}
	}

	if attempt.Status == models.AttemptStatusPaymentInitiated {
		var err error
		if sub, err = o.finalize(ctx, attempt, sub); err != nil {
			return nil, err
		}
	}

	if attempt.Status != models.AttemptStatusCompleted {
		log.Error().
			Str("attempt_id", attempt.AttemptID.String()).
			Str("status", string(attempt.Status)).
			Msg("Onboarding attempt stopped in unexpected status")
		return nil, newError(KindInternal, "onboarding attempt in unexpected status")
	}

	log.Info().
		Str("attempt_id", attempt.AttemptID.String()).
		Str("subscription_ref", sub.Ref).
		Msg("Onboarding completed")

	return buildResult(attempt, sub, plan, locale), nil
}

// createIdentity finds or creates the owner's identity and moves the attempt
// to IDENTITY_CREATED.
func (o *Orchestrator) createIdentity(ctx context.Context, attempt *models.SubscriptionAttempt) error {
	defer observeStep(ctx, stepIdentity, time.Now())

	ident, err := retry(ctx, o, stepIdentity, identityTransient, func(ctx context.Context) (*identity.Identity, error) {
		found, err := o.deps.Identity.FindByEmail(ctx, attempt.Email)
		if !errors.Is(err, identity.ErrIdentityNotFound) {
			return found, err
		}

		created, err := o.deps.Identity.Create(ctx, attempt.Email, identity.Profile{
			FirstName: attempt.FirstName,
			LastName:  attempt.LastName,
		})
		if errors.Is(err, identity.ErrIdentityConflict) {
			// Created concurrently since the lookup
			return o.deps.Identity.FindByEmail(ctx, attempt.Email)
		}
		return created, err
	})
	if err != nil {
		log.Warn().Err(err).Str("attempt_id", attempt.AttemptID.String()).Msg("Identity step failed")
		return classifyIdentity(err)
	}

	attempt.IdentityRef = ident.Ref
	attempt.Status = models.AttemptStatusIdentityCreated

	return o.save(ctx, attempt)
}

// createRecords inserts the pending user, company and owner membership in one
// transaction and moves the attempt to RECORDS_CREATED.
func (o *Orchestrator) createRecords(ctx context.Context, attempt *models.SubscriptionAttempt) error {
	defer observeStep(ctx, stepRecords, time.Now())

	records, err := newRecords(attempt)
	if err != nil {
		return newError(KindInternal, "failed to generate record ids")
	}

	ids, err := retry(ctx, o, stepRecords, storeTransient, func(ctx context.Context) (models.RecordIDs, error) {
		return o.deps.Records.InsertOnboardingRecords(ctx, attempt.AttemptID, records)
	})
	if errors.Is(err, store.ErrConflict) {
		// A retried insert whose first call committed conflicts with itself
		if stored, getErr := o.deps.Attempts.GetAttempt(ctx, attempt.AttemptID); getErr == nil && stored.HasRecords() {
			ids, err = stored.RecordIDs(), nil
		}
	}

	switch {
	case errors.Is(err, store.ErrConflict):
		log.Info().
			Err(err).
			Str("attempt_id", attempt.AttemptID.String()).
			Msg("Onboarding records conflict with an existing company or user")

		attempt.Status = models.AttemptStatusFailed
		attempt.FailureKind = string(KindConflict)
		attempt.FailureReason = err.Error()
		if saveErr := o.save(ctx, attempt); saveErr != nil {
			return saveErr
		}
		return classifyStore(err)
	case err != nil:
		log.Error().Err(err).Str("attempt_id", attempt.AttemptID.String()).Msg("Records step failed")
		return classifyStore(err)
	}

	attempt.SetRecords(ids)
	attempt.Status = models.AttemptStatusRecordsCreated

	log.Info().
		Str("attempt_id", attempt.AttemptID.String()).
		Str("company_id", ids.CompanyID.String()).
		Str("user_id", ids.UserID.String()).
		Msg("Created onboarding records")

	return nil
}

// initiatePayment creates the provider customer and subscription and moves
// the attempt to PAYMENT_INITIATED. A rejection by the provider compensates.
func (o *Orchestrator) initiatePayment(ctx context.Context, attempt *models.SubscriptionAttempt, plan *models.Plan) (*payment.Subscription, error) {
	defer observeStep(ctx, stepPayment, time.Now())

	if attempt.CustomerRef == "" {
		customerRef, err := retry(ctx, o, stepPayment, paymentTransient, func(ctx context.Context) (string, error) {
			return o.deps.Payment.CreateCustomer(ctx, payment.Owner{
				Email:              attempt.Email,
				Name:               displayName(attempt),
				CompanyName:        attempt.CompanyName,
				RegistrationNumber: attempt.RegistrationNumber,
				Reference:          attempt.AttemptID.String(),
				IdempotencyKey:     providerKey(attempt, "customer"),
			})
		})
		if err != nil {
			return nil, o.paymentFailed(ctx, attempt, err)
		}

		// Persisted before the subscription so compensation can find it
		attempt.CustomerRef = customerRef
		if err := o.save(ctx, attempt); err != nil {
			return nil, err
		}
	}

	sub, err := retry(ctx, o, stepPayment, paymentTransient, func(ctx context.Context) (*payment.Subscription, error) {
		return o.deps.Payment.CreateSubscription(ctx, attempt.CustomerRef, plan.PriceRef, providerKey(attempt, "subscription"))
	})
	if err != nil {
		return nil, o.paymentFailed(ctx, attempt, err)
	}

	attempt.SubscriptionRef = sub.Ref

	if !sub.Status.IsProceeding() {
		return nil, o.reject(ctx, attempt, fmt.Sprintf("subscription %s is %s", sub.Ref, sub.Status))
	}

	attempt.Status = models.AttemptStatusPaymentInitiated
	if err := o.save(ctx, attempt); err != nil {
		return nil, err
	}

	return sub, nil
}

// finalize activates the owner membership and moves the attempt to COMPLETED.
// sub is nil when resuming, in which case it is read back from the provider.
func (o *Orchestrator) finalize(ctx context.Context, attempt *models.SubscriptionAttempt, sub *payment.Subscription) (*payment.Subscription, error) {
	defer observeStep(ctx, stepFinalize, time.Now())

	if sub == nil {
		var err error
		sub, err = o.getSubscription(ctx, attempt)
		if errors.Is(err, payment.ErrNotFound) {
			return nil, o.reject(ctx, attempt, fmt.Sprintf("subscription %s no longer exists", attempt.SubscriptionRef))
		}
		if err != nil {
			return nil, classifyPayment(err)
		}
		if !sub.Status.IsProceeding() {
			return nil, o.reject(ctx, attempt, fmt.Sprintf("subscription %s is %s", sub.Ref, sub.Status))
		}
	}

	if attempt.MembershipID == nil {
		return nil, newError(KindInternal, "onboarding attempt has no membership")
	}

	_, err := retry(ctx, o, stepFinalize, storeTransient, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Records.ActivateMembership(ctx, *attempt.MembershipID)
	})
	if err != nil {
		// The subscription exists; leave the attempt at PAYMENT_INITIATED for
		// the next call to finish.
		log.Error().Err(err).Str("attempt_id", attempt.AttemptID.String()).Msg("Failed to activate membership")
		return nil, classifyStore(err)
	}

	attempt.Status = models.AttemptStatusCompleted
	if err := o.save(ctx, attempt); err != nil {
		return nil, err
	}

	return sub, nil
}

// paymentFailed compensates provider rejections. Transient failures leave the
// attempt where it is so the next call can resume it.
func (o *Orchestrator) paymentFailed(ctx context.Context, attempt *models.SubscriptionAttempt, err error) error {
	classified := classifyPayment(err)
	if classified.Kind != KindProviderRejected {
		log.Warn().Err(err).Str("attempt_id", attempt.AttemptID.String()).Msg("Payment step failed")
		return classified
	}

	return o.reject(ctx, attempt, err.Error())
}

// reject compensates the attempt after the provider refused it.
func (o *Orchestrator) reject(ctx context.Context, attempt *models.SubscriptionAttempt, reason string) error {
	log.Warn().
		Str("attempt_id", attempt.AttemptID.String()).
		Str("reason", reason).
		Msg("Payment provider rejected onboarding")

	if err := o.compensate(ctx, attempt, string(KindProviderRejected), reason); err != nil {
		return err
	}
	return newError(KindProviderRejected, "the payment provider declined the subscription")
}

func (o *Orchestrator) getSubscription(ctx context.Context, attempt *models.SubscriptionAttempt) (*payment.Subscription, error) {
	return retry(ctx, o, stepFinalize, paymentTransient, func(ctx context.Context) (*payment.Subscription, error) {
		return o.deps.Payment.GetSubscription(ctx, attempt.SubscriptionRef)
	})
}

// completedResult rebuilds the result of a completed attempt.
func (o *Orchestrator) completedResult(ctx context.Context, attempt *models.SubscriptionAttempt, locale string) (*Result, error) {
	sub, err := o.getSubscription(ctx, attempt)
	if err != nil {
		log.Error().Err(err).Str("attempt_id", attempt.AttemptID.String()).Msg("Failed to read subscription of completed attempt")
		if errors.Is(err, payment.ErrNotFound) {
			return nil, newError(KindInternal, "subscription of completed attempt not found")
		}
		return nil, classifyPayment(err)
	}

	plan, err := o.deps.Plans.GetPlan(ctx, attempt.PlanID)
	if err != nil {
		log.Error().Err(err).Str("attempt_id", attempt.AttemptID.String()).Msg("Failed to load plan of completed attempt")
		return nil, classifyStore(err)
	}

	return buildResult(attempt, sub, plan, locale), nil
}

func buildResult(attempt *models.SubscriptionAttempt, sub *payment.Subscription, plan *models.Plan, locale string) *Result {
	ids := attempt.RecordIDs()
	tr := plan.Translation(locale)

	return &Result{
		AttemptID:    attempt.AttemptID,
		UserID:       ids.UserID,
		CompanyID:    ids.CompanyID,
		MembershipID: ids.MembershipID,
		Payment: PaymentContinuation{
			ClientSecret:    sub.ClientSecret,
			SubscriptionRef: sub.Ref,
			Status:          string(sub.Status),
			Amount:          sub.Amount,
			Currency:        sub.Currency,
			Plan: PlanDescriptor{
				Code:        plan.Code,
				Name:        tr.Name,
				Description: tr.Description,
			},
		},
	}
}

func newRecords(attempt *models.SubscriptionAttempt) (*models.OnboardingRecords, error) {
	userID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	companyID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	membershipID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	return &models.OnboardingRecords{
		User: &models.User{
			UserID:      userID,
			Email:       attempt.Email,
			FirstName:   attempt.FirstName,
			LastName:    attempt.LastName,
			IdentityRef: attempt.IdentityRef,
		},
		Company: &models.Company{
			CompanyID:          companyID,
			Name:               attempt.CompanyName,
			RegistrationNumber: attempt.RegistrationNumber,
		},
		Membership: &models.Membership{
			MembershipID: membershipID,
			UserID:       userID,
			CompanyID:    companyID,
			Role:         models.MembershipRoleOwner,
			Status:       models.MembershipStatusPending,
		},
	}, nil
}

// providerKey scopes provider idempotency keys to the attempt's cycle so a
// re-armed attempt never gets back objects deleted by compensation.
func providerKey(attempt *models.SubscriptionAttempt, object string) string {
	return fmt.Sprintf("%s:%d:%s", attempt.IdempotencyKey, attempt.Cycle, object)
}

func displayName(attempt *models.SubscriptionAttempt) string {
	if attempt.LastName == "" {
		return attempt.FirstName
	}
	return attempt.FirstName + " " + attempt.LastName
}

func observeStep(ctx context.Context, step string, started time.Time) {
	telemetry.GetMetrics().StepDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("step", step)))
}
