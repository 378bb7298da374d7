// Package payment wraps the payment provider: customers and subscriptions
// created during onboarding, and their removal during compensation.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// SubscriptionStatus mirrors the provider's subscription status.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusPaused            SubscriptionStatus = "paused"
)

// IsProceeding reports whether onboarding can complete with this status.
// Incomplete subscriptions are waiting on the customer to confirm payment
// with the client secret, which is the expected state after creation.
func (s SubscriptionStatus) IsProceeding() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusIncomplete:
		return true
	}
	return false
}

// Owner describes who the provider customer is created for.
type Owner struct {
	Email              string
	Name               string
	CompanyName        string
	RegistrationNumber string

	// Reference is stored in the customer metadata to link back to the attempt.
	Reference string

	// IdempotencyKey makes repeated creation calls return the same customer.
	IdempotencyKey string
}

// Subscription is the payment continuation returned to the caller.
type Subscription struct {
	Ref          string
	CustomerRef  string
	Status       SubscriptionStatus
	ClientSecret string // confirms the first payment, or saves a card for a trial
	Amount       int64  // minor units
	Currency     string
}

// Client creates and removes provider objects.
type Client interface {
	// CreateCustomer returns the provider customer reference.
	CreateCustomer(ctx context.Context, owner Owner) (string, error)

	// CreateSubscription subscribes the customer to priceRef. The idempotency
	// key makes repeated calls return the same subscription.
	CreateSubscription(ctx context.Context, customerRef, priceRef, idempotencyKey string) (*Subscription, error)

	// GetSubscription reads the subscription back, including a fresh client secret.
	GetSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error)

	// DeleteCustomer deletes the customer, cancelling its subscriptions.
	// Deleting a customer that no longer exists is not an error.
	DeleteCustomer(ctx context.Context, customerRef string) error
}

// ErrNotFound is matched by ProviderErrors for missing objects.
var ErrNotFound = errors.New("payment object not found")

// ProviderError is returned for every failed provider call.
type ProviderError struct {
	Op        string
	Code      string
	Message   string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("payment %s failed (%s): %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("payment %s failed: %s", e.Op, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is matches ErrNotFound for missing resources.
func (e *ProviderError) Is(target error) bool {
	return target == ErrNotFound && e.Code == "resource_missing"
}

// IsRetryable reports whether err is a ProviderError marked retryable.
func IsRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}
	return false
}
