package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/brigade/internal/identity"
	"github.com/wolfeidau/brigade/internal/onboarding"
	"github.com/wolfeidau/brigade/internal/payment"
	"github.com/wolfeidau/brigade/internal/plans"
	"github.com/wolfeidau/brigade/internal/store"
	memorystore "github.com/wolfeidau/brigade/internal/store/memory"
	postgresstore "github.com/wolfeidau/brigade/internal/store/postgres"
	"github.com/wolfeidau/brigade/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute, // covers a full onboarding with retries
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

type PostgresFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	MaxConns        int32         `help:"maximum number of connections in pool" default:"20" env:"BRIGADE_POSTGRES_MAX_CONNS"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2" env:"BRIGADE_POSTGRES_MIN_CONNS"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"BRIGADE_POSTGRES_AUTO_MIGRATE"`
}

func (p *PostgresFlags) validate() error {
	if p.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (p *PostgresFlags) open(ctx context.Context) (*postgresstore.DB, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	return postgresstore.Open(ctx, &postgresstore.PoolConfig{
		ConnString:      p.ConnString,
		MaxConns:        p.MaxConns,
		MinConns:        p.MinConns,
		MaxConnLifetime: p.MaxConnLifetime,
		MaxConnIdleTime: p.MaxConnIdleTime,
		AutoMigrate:     p.AutoMigrate,
	})
}

type IdentityFlags struct {
	BaseURL      string        `help:"identity provider admin API base URL" env:"BRIGADE_IDENTITY_BASE_URL"`
	TokenURL     string        `help:"OAuth2 token URL for the admin API" env:"BRIGADE_IDENTITY_TOKEN_URL"`
	ClientID     string        `help:"OAuth2 client ID" env:"BRIGADE_IDENTITY_CLIENT_ID"`
	ClientSecret string        `help:"OAuth2 client secret" env:"BRIGADE_IDENTITY_CLIENT_SECRET"`
	Audience     string        `help:"OAuth2 audience" env:"BRIGADE_IDENTITY_AUDIENCE"`
	Scopes       []string      `help:"OAuth2 scopes" env:"BRIGADE_IDENTITY_SCOPES"`
	Timeout      time.Duration `help:"timeout per identity provider request" default:"10s"`
}

type StripeFlags struct {
	SecretKey  string `help:"Stripe secret key" env:"BRIGADE_STRIPE_SECRET_KEY"`
	BackendURL string `help:"override the Stripe API URL, e.g. for stripe-mock" env:"BRIGADE_STRIPE_BACKEND_URL"`
}

type OnboardingFlags struct {
	CallTimeout     time.Duration `help:"timeout per collaborator call" default:"10s" env:"BRIGADE_ONBOARDING_CALL_TIMEOUT"`
	Lease           time.Duration `help:"lease on a running attempt, renewed every third of its length" default:"2m" env:"BRIGADE_ONBOARDING_LEASE"`
	MaxTries        uint          `help:"calls per step before giving up" default:"4" env:"BRIGADE_ONBOARDING_MAX_TRIES"`
	InitialInterval time.Duration `help:"initial retry backoff" default:"200ms"`
	MaxInterval     time.Duration `help:"maximum retry backoff" default:"2s"`
	TokenSecret     string        `help:"secret for signing resume tokens, at least 32 bytes; tokens are disabled when empty" env:"BRIGADE_ONBOARDING_TOKEN_SECRET"`
	TokenTTL        time.Duration `help:"resume token lifetime" default:"24h"`
	PlanCacheSize   int           `help:"plan cache entries" default:"128"`
	PlanCacheTTL    time.Duration `help:"plan cache TTL" default:"5m"`
}

type TelemetryFlags struct {
	Tracing     bool    `help:"enable tracing and metrics export" default:"false" env:"BRIGADE_TRACING"`
	SampleRatio float64 `help:"fraction of traces sampled" default:"1" env:"BRIGADE_TRACE_SAMPLE_RATIO"`
}

// setup starts telemetry export when enabled. The returned shutdown is never nil.
func (t *TelemetryFlags) setup(ctx context.Context, serviceName, version string) func() {
	if !t.Tracing {
		return func() {}
	}

	log.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		SampleRatio: t.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

// BackendFlags select and configure the store and the providers.
type BackendFlags struct {
	StoreType        string `help:"store type (memory or postgres)" default:"memory" env:"BRIGADE_STORE_TYPE" enum:"memory,postgres"`
	IdentityProvider string `help:"identity provider (memory or http)" default:"memory" env:"BRIGADE_IDENTITY_PROVIDER" enum:"memory,http"`
	PaymentProvider  string `help:"payment provider (memory or stripe)" default:"memory" env:"BRIGADE_PAYMENT_PROVIDER" enum:"memory,stripe"`
	PlanCatalog      string `help:"YAML plan catalog, seeded into the memory store and used to price the memory payment provider" type:"existingfile" env:"BRIGADE_PLAN_CATALOG"`

	Postgres   PostgresFlags   `embed:"" prefix:"postgres-"`
	Identity   IdentityFlags   `embed:"" prefix:"identity-"`
	Stripe     StripeFlags     `embed:"" prefix:"stripe-"`
	Onboarding OnboardingFlags `embed:"" prefix:"onboarding-"`
}

func (b *BackendFlags) Validate() error {
	if b.StoreType == "postgres" {
		if err := b.Postgres.validate(); err != nil {
			return err
		}
	}
	if b.StoreType == "memory" && b.PlanCatalog == "" {
		return errors.New("the memory store needs a plan catalog (--plan-catalog or BRIGADE_PLAN_CATALOG)")
	}
	if b.PaymentProvider == "stripe" && b.Stripe.SecretKey == "" {
		return errors.New("stripe secret key is required (--stripe-secret-key or BRIGADE_STRIPE_SECRET_KEY)")
	}
	if b.IdentityProvider == "http" && b.Identity.BaseURL == "" {
		return errors.New("identity base URL is required (--identity-base-url or BRIGADE_IDENTITY_BASE_URL)")
	}
	if n := len(b.Onboarding.TokenSecret); n > 0 && n < 32 {
		return errors.New("onboarding token secret must be at least 32 bytes (256 bits) for HMAC-SHA256")
	}
	return nil
}

// backend is everything an orchestrator needs, opened from BackendFlags.
type backend struct {
	orchestrator *onboarding.Orchestrator
	attempts     store.AttemptStore
	db           *postgresstore.DB // nil for the memory store
}

func (b *backend) Close() {
	if b.db != nil {
		b.db.Close()
	}
}

// Ping implements server.Pinger.
func (b *backend) Ping(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	return b.db.Ping(ctx)
}

func (b *BackendFlags) open(ctx context.Context) (*backend, error) {
	var catalog *plans.Catalog
	if b.PlanCatalog != "" {
		var err error
		if catalog, err = plans.LoadCatalogFile(b.PlanCatalog); err != nil {
			return nil, err
		}
	}

	be := &backend{}
	var (
		records   store.OnboardingStore
		planStore store.PlanStore
	)

	switch b.StoreType {
	case "postgres":
		db, err := b.Postgres.open(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		be.db = db
		records = postgresstore.NewOnboardingStore(db.Pool)
		be.attempts = postgresstore.NewAttemptStore(db.Pool)
		planStore = postgresstore.NewPlanStore(db.Pool)
		log.Info().Msg("Using PostgreSQL store")
	default:
		st := memorystore.NewOnboardingStore()
		records, be.attempts = st, st
		planStore = memorystore.NewPlanStore()
		log.Warn().Msg("Using in-memory store, data is lost on restart")
	}

	if catalog != nil && b.StoreType == "memory" {
		if _, err := plans.Seed(ctx, planStore, catalog); err != nil {
			be.Close()
			return nil, err
		}
	}

	idp, err := b.identityClient()
	if err != nil {
		be.Close()
		return nil, err
	}

	pay, err := b.paymentClient(catalog)
	if err != nil {
		be.Close()
		return nil, err
	}

	be.orchestrator, err = onboarding.New(onboarding.Config{
		CallTimeout:     b.Onboarding.CallTimeout,
		Lease:           b.Onboarding.Lease,
		MaxTries:        b.Onboarding.MaxTries,
		InitialInterval: b.Onboarding.InitialInterval,
		MaxInterval:     b.Onboarding.MaxInterval,
		TokenSecret:     []byte(b.Onboarding.TokenSecret),
		TokenTTL:        b.Onboarding.TokenTTL,
	}, onboarding.Dependencies{
		Identity: idp,
		Payment:  pay,
		Records:  records,
		Attempts: be.attempts,
		Plans: plans.NewCache(planStore, plans.CacheConfig{
			Size: b.Onboarding.PlanCacheSize,
			TTL:  b.Onboarding.PlanCacheTTL,
		}),
	})
	if err != nil {
		be.Close()
		return nil, err
	}

	return be, nil
}

func (b *BackendFlags) identityClient() (identity.Client, error) {
	if b.IdentityProvider != "http" {
		log.Warn().Msg("Using in-memory identity provider")
		return identity.NewMemoryClient(), nil
	}

	return identity.NewHTTPClient(identity.HTTPConfig{
		BaseURL:      b.Identity.BaseURL,
		TokenURL:     b.Identity.TokenURL,
		ClientID:     b.Identity.ClientID,
		ClientSecret: b.Identity.ClientSecret,
		Audience:     b.Identity.Audience,
		Scopes:       b.Identity.Scopes,
		Timeout:      b.Identity.Timeout,
	})
}

func (b *BackendFlags) paymentClient(catalog *plans.Catalog) (payment.Client, error) {
	if b.PaymentProvider != "stripe" {
		log.Warn().Msg("Using in-memory payment provider")
		var prices map[string]payment.Price
		if catalog != nil {
			prices = catalog.Prices()
		}
		return payment.NewMemoryClient(prices), nil
	}

	return payment.NewStripeClient(payment.StripeConfig{
		SecretKey:  b.Stripe.SecretKey,
		BackendURL: b.Stripe.BackendURL,
	})
}
