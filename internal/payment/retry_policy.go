package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v79"
)

// isRetryable classifies a raw error from the Stripe SDK. Anything that is
// not an API response from Stripe failed in transit and is retried.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return isRetryableStripeError(stripeErr)
	}

	return true
}

func isRetryableStripeError(stripeErr *stripe.Error) bool {
	// 5xx means the provider failed, 4xx means the request is wrong
	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
		return true
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return true
	}

	return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
		stripeErr.HTTPStatusCode == http.StatusConflict // idempotent request still in flight
}

// mapStripeError converts SDK errors into ProviderErrors so stripe-go types
// never leave this package.
func mapStripeError(op string, err error) error {
	providerErr := &ProviderError{
		Op:        op,
		Retryable: isRetryable(err),
		Err:       err,
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		providerErr.Code = string(stripeErr.Code)
		providerErr.Message = stripeErr.Msg
		providerErr.Status = stripeErr.HTTPStatusCode
		// drop the SDK error so the raw response never travels further
		providerErr.Err = nil
	}

	return providerErr
}
