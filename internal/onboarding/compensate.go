package onboarding

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/store"
	"github.com/wolfeidau/brigade/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// failureAbandoned marks attempts the sweeper gave up on.
const failureAbandoned = "abandoned"

// compensate deletes the provider customer and the attempt's rows, then marks
// the attempt FAILED. If any of that fails the attempt is left
// COMPENSATION_FAILED for an operator and a compensation_failed error is
// returned.
func (o *Orchestrator) compensate(ctx context.Context, attempt *models.SubscriptionAttempt, kind, reason string) error {
	m := telemetry.GetMetrics()
	m.CompensationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))

	logger := log.With().Str("attempt_id", attempt.AttemptID.String()).Str("failure_kind", kind).Logger()
	logger.Info().Str("reason", reason).Msg("Compensating onboarding attempt")

	attempt.FailureKind = kind
	attempt.FailureReason = reason

	if err := o.undo(ctx, attempt); err != nil {
		logger.Error().
			Err(err).
			Bool("operator_action_required", true).
			Str("customer_ref", attempt.CustomerRef).
			Interface("records", attempt.RecordIDs()).
			Msg("Compensation failed")

		m.CompensationFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))

		attempt.Status = models.AttemptStatusCompensationFailed
		if saveErr := o.save(ctx, attempt); saveErr != nil {
			logger.Error().Err(saveErr).Bool("operator_action_required", true).Msg("Failed to record compensation failure")
		}
		return compensationFailed()
	}

	logger.Info().Msg("Compensated onboarding attempt")
	return nil
}

// undo performs the compensating actions. Each one is idempotent so a partial
// run can be repeated by Reconcile.
func (o *Orchestrator) undo(ctx context.Context, attempt *models.SubscriptionAttempt) error {
	if attempt.CustomerRef != "" {
		_, err := retry(ctx, o, "compensate_payment", paymentTransient, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.deps.Payment.DeleteCustomer(ctx, attempt.CustomerRef)
		})
		if err != nil {
			return fmt.Errorf("delete customer %s: %w", attempt.CustomerRef, err)
		}
	}

	if attempt.HasRecords() {
		ids := attempt.RecordIDs()
		_, err := retry(ctx, o, "compensate_records", storeTransient, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.deps.Records.DeleteOnboardingRecords(ctx, ids)
		})
		if err != nil {
			return fmt.Errorf("delete onboarding records: %w", err)
		}
		attempt.ClearRecords()
	}

	attempt.Status = models.AttemptStatusFailed
	_, err := retry(ctx, o, "save_attempt", storeTransient, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Attempts.UpdateAttempt(ctx, attempt)
	})
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}

	return nil
}

// Abandon resolves an attempt that stopped making progress. Attempts that
// never reached the store are marked FAILED, attempts with records but no
// subscription are compensated, and attempts with a subscription are
// finalized. An attempt held by a running orchestration is skipped.
func (o *Orchestrator) Abandon(ctx context.Context, attemptID uuid.UUID) error {
	attempt, err := o.deps.Attempts.ClaimAttempt(ctx, attemptID, o.cfg.Lease)
	if errors.Is(err, store.ErrAttemptLeased) {
		log.Debug().Str("attempt_id", attemptID.String()).Msg("Skipping leased attempt")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim attempt %s: %w", attemptID, err)
	}
	defer o.hold(ctx, attemptID)()

	logger := log.With().Str("attempt_id", attemptID.String()).Str("status", string(attempt.Status)).Logger()

	switch attempt.Status {
	case models.AttemptStatusInitiated, models.AttemptStatusIdentityCreated:
		attempt.Status = models.AttemptStatusFailed
		attempt.FailureKind = failureAbandoned
		attempt.FailureReason = "abandoned before records were created"
		if err := o.save(ctx, attempt); err != nil {
			return err
		}
		logger.Info().Msg("Abandoned onboarding attempt")

	case models.AttemptStatusRecordsCreated:
		if err := o.compensate(ctx, attempt, failureAbandoned, "abandoned before payment was initiated"); err != nil {
			return err
		}

	case models.AttemptStatusPaymentInitiated:
		if _, err := o.finalize(ctx, attempt, nil); err != nil {
			return err
		}
		logger.Info().Msg("Finalized abandoned onboarding attempt")

	default:
		logger.Debug().Msg("Attempt already terminal")
	}

	return nil
}

// Reconcile retries compensation of a COMPENSATION_FAILED attempt.
func (o *Orchestrator) Reconcile(ctx context.Context, attemptID uuid.UUID) error {
	attempt, err := o.deps.Attempts.ClaimAttempt(ctx, attemptID, o.cfg.Lease)
	switch {
	case errors.Is(err, store.ErrAttemptNotFound):
		return newError(KindValidation, "onboarding attempt not found")
	case errors.Is(err, store.ErrAttemptLeased):
		return newError(KindConflict, "onboarding attempt in progress")
	case err != nil:
		return classifyStore(err)
	}
	defer o.hold(ctx, attemptID)()

	if attempt.Status != models.AttemptStatusCompensationFailed {
		return newError(KindValidation, "onboarding attempt is %s, not %s", attempt.Status, models.AttemptStatusCompensationFailed)
	}

	if err := o.compensate(ctx, attempt, attempt.FailureKind, attempt.FailureReason); err != nil {
		return err
	}

	log.Info().Str("attempt_id", attemptID.String()).Msg("Reconciled onboarding attempt")
	return nil
}
