package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StripeConfig configures the Stripe client.
type StripeConfig struct {
	SecretKey string

	// BackendURL overrides the API endpoint, used by tests and stripe-mock.
	BackendURL string

	// MaxNetworkRetries is the SDK's own retry count. Default 0, the
	// orchestrator already retries with backoff.
	MaxNetworkRetries int64
}

// StripeClient implements Client with the Stripe API. It holds its own
// client.API rather than the SDK's global key.
type StripeClient struct {
	sc *client.API
}

var _ Client = (*StripeClient)(nil)

// NewStripeClient creates a Stripe-backed payment client.
func NewStripeClient(cfg StripeConfig) (*StripeClient, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     stripeLogger{},
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	sc := &client.API{}
	sc.Init(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	return &StripeClient{sc: sc}, nil
}

// CreateCustomer creates a customer for the company owner.
func (c *StripeClient) CreateCustomer(ctx context.Context, owner Owner) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(owner.Email),
		Name:  stripe.String(owner.Name),
	}
	params.Context = ctx
	params.AddMetadata("company_name", owner.CompanyName)
	params.AddMetadata("registration_number", owner.RegistrationNumber)
	if owner.Reference != "" {
		params.AddMetadata("onboarding_attempt", owner.Reference)
	}
	if owner.IdempotencyKey != "" {
		params.SetIdempotencyKey(owner.IdempotencyKey)
	}

	cus, err := c.sc.Customers.New(params)
	if err != nil {
		return "", mapStripeError("create customer", err)
	}

	log.Debug().
		Str("customer_ref", cus.ID).
		Msg("Created payment customer")

	return cus.ID, nil
}

// CreateSubscription creates an incomplete subscription whose first invoice
// is confirmed by the caller with the returned client secret.
func (c *StripeClient) CreateSubscription(ctx context.Context, customerRef, priceRef, idempotencyKey string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceRef)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	params.Context = ctx
	params.AddExpand("latest_invoice.payment_intent")
	params.AddExpand("pending_setup_intent")
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	sub, err := c.sc.Subscriptions.New(params)
	if err != nil {
		return nil, mapStripeError("create subscription", err)
	}

	log.Debug().
		Str("subscription_ref", sub.ID).
		Str("status", string(sub.Status)).
		Msg("Created payment subscription")

	return toSubscription(sub), nil
}

// GetSubscription reads a subscription with its payment continuation.
func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice.payment_intent")
	params.AddExpand("pending_setup_intent")

	sub, err := c.sc.Subscriptions.Get(subscriptionRef, params)
	if err != nil {
		return nil, mapStripeError("get subscription", err)
	}

	return toSubscription(sub), nil
}

// DeleteCustomer deletes the customer and with it any subscriptions.
func (c *StripeClient) DeleteCustomer(ctx context.Context, customerRef string) error {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	_, err := c.sc.Customers.Del(customerRef, params)
	if err != nil {
		mapped := mapStripeError("delete customer", err)
		if errors.Is(mapped, ErrNotFound) {
			return nil
		}
		return mapped
	}

	log.Info().
		Str("customer_ref", customerRef).
		Msg("Deleted payment customer")

	return nil
}

func toSubscription(sub *stripe.Subscription) *Subscription {
	result := &Subscription{
		Ref:      sub.ID,
		Status:   SubscriptionStatus(sub.Status),
		Currency: string(sub.Currency),
	}
	if sub.Customer != nil {
		result.CustomerRef = sub.Customer.ID
	}

	if inv := sub.LatestInvoice; inv != nil {
		result.Amount = inv.AmountDue
		if inv.Currency != "" {
			result.Currency = string(inv.Currency)
		}
		if inv.PaymentIntent != nil {
			result.ClientSecret = inv.PaymentIntent.ClientSecret
		}
	}

	// Trials and zero-amount invoices collect the card with a setup intent
	if result.ClientSecret == "" && sub.PendingSetupIntent != nil {
		result.ClientSecret = sub.PendingSetupIntent.ClientSecret
	}

	if result.Amount == 0 && sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		result.Amount = sub.Items.Data[0].Price.UnitAmount
	}

	return result
}

// stripeLogger routes the SDK's logging to zerolog. Failed requests are also
// returned as errors, so the SDK's error messages are logged as warnings.
type stripeLogger struct{}

var _ stripe.LeveledLoggerInterface = stripeLogger{}

func (stripeLogger) Debugf(format string, v ...interface{}) {
	log.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Infof(format string, v ...interface{}) {
	log.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Warnf(format string, v ...interface{}) {
	log.Warn().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Errorf(format string, v ...interface{}) {
	log.Warn().Str("component", "stripe").Msgf(format, v...)
}
