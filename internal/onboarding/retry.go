package onboarding

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/brigade/internal/identity"
	"github.com/wolfeidau/brigade/internal/payment"
	"github.com/wolfeidau/brigade/internal/store"
	"github.com/wolfeidau/brigade/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// retry calls op with a per-call timeout until it succeeds, returns an error
// transient rejects, or MaxTries is reached.
func retry[T any](ctx context.Context, o *Orchestrator, step string, transient func(error) bool, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialInterval
	b.MaxInterval = o.cfg.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		v, err := op(callCtx)
		if err != nil && !transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.GetMetrics().StepRetriesTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("step", step)))

			log.Warn().
				Err(err).
				Str("step", step).
				Dur("next", next).
				Msg("Retrying onboarding call")
		}),
	)
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func identityTransient(err error) bool {
	return identity.IsTransient(err)
}

func paymentTransient(err error) bool {
	return payment.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

func storeTransient(err error) bool {
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// classifyIdentity maps an identity client error that survived retries.
func classifyIdentity(err error) *Error {
	switch {
	case errors.Is(err, identity.ErrInvalidIdentity):
		return newError(KindValidation, "the identity provider rejected the email address")
	case identityTransient(err), isContextError(err):
		return tryAgain()
	}
	return newError(KindInternal, "identity provider error")
}

// classifyPayment maps a payment client error that survived retries.
func classifyPayment(err error) *Error {
	var providerErr *payment.ProviderError
	switch {
	case paymentTransient(err), isContextError(err):
		return tryAgain()
	case errors.As(err, &providerErr) && providerErr.Status > 0:
		return newError(KindProviderRejected, "the payment provider declined the subscription")
	case errors.As(err, &providerErr):
		// No response was received, so the provider never declined anything
		return tryAgain()
	}
	return newError(KindInternal, "payment provider error")
}

// classifyStore maps a store error.
func classifyStore(err error) *Error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return newError(KindConflict, "a company or user with these details already exists")
	case storeTransient(err), isContextError(err):
		return tryAgain()
	}
	return newError(KindInternal, "store error")
}
