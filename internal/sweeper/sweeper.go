// Package sweeper periodically resolves onboarding attempts that stopped
// making progress and reports attempts waiting on an operator.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/store"
	"github.com/wolfeidau/brigade/internal/telemetry"
)

// Abandoner resolves a stale attempt.
type Abandoner interface {
	Abandon(ctx context.Context, attemptID uuid.UUID) error
}

// Config controls how often and how aggressively the sweeper runs.
type Config struct {
	// Schedule is a cron spec or descriptor. Default: @every 1m
	Schedule string

	// StaleAfter is how long a non-terminal attempt may sit untouched before
	// it is abandoned. Default: 15m
	StaleAfter time.Duration

	// BatchSize bounds the attempts handled per sweep. Default: 100
	BatchSize int
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.Schedule, err)
	}
	if c.StaleAfter < time.Minute {
		return fmt.Errorf("stale-after must be at least 1m, got %s", c.StaleAfter)
	}
	if c.BatchSize < 1 {
		return errors.New("batch size must be positive")
	}
	return nil
}

// Stats summarises one sweep.
type Stats struct {
	Swept              int
	Failed             int
	CompensationFailed int
}

// Sweeper finds stale attempts and hands them to the Abandoner.
type Sweeper struct {
	cfg      Config
	attempts store.AttemptStore
	abandon  Abandoner
	now      func() time.Time

	cron *cron.Cron
}

// New creates a Sweeper.
func New(cfg Config, attempts store.AttemptStore, abandon Abandoner) (*Sweeper, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Sweeper{
		cfg:      cfg,
		attempts: attempts,
		abandon:  abandon,
		now:      time.Now,
	}, nil
}

// Start schedules sweeps until ctx is done or Stop is called. Overlapping
// sweeps are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	logger := cronLogger{}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			log.Error().Err(err).Msg("Sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	log.Info().Str("schedule", s.cfg.Schedule).Dur("stale_after", s.cfg.StaleAfter).Msg("Sweeper started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// SweepOnce abandons stale attempts and reports COMPENSATION_FAILED attempts.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	m := telemetry.GetMetrics()

	stale, err := s.attempts.ListStaleAttempts(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list stale attempts: %w", err)
	}

	for _, attempt := range stale {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if err := s.abandon.Abandon(ctx, attempt.AttemptID); err != nil {
			stats.Failed++
			log.Warn().
				Err(err).
				Str("attempt_id", attempt.AttemptID.String()).
				Str("status", string(attempt.Status)).
				Msg("Failed to abandon stale attempt")
			continue
		}
		stats.Swept++
	}
	m.StaleAttemptsSweptTotal.Add(ctx, int64(stats.Swept))

	stuck, err := s.attempts.ListAttemptsByStatus(ctx, models.AttemptStatusCompensationFailed, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list compensation failures: %w", err)
	}
	stats.CompensationFailed = len(stuck)
	m.CompensationFailedOpen.Record(ctx, int64(len(stuck)))

	for _, attempt := range stuck {
		log.Error().
			Str("attempt_id", attempt.AttemptID.String()).
			Str("customer_ref", attempt.CustomerRef).
			Str("failure_kind", attempt.FailureKind).
			Time("updated_at", attempt.UpdatedAt).
			Bool("operator_action_required", true).
			Msg("Onboarding attempt awaiting reconciliation")
	}

	if len(stale) > 0 || len(stuck) > 0 {
		log.Info().
			Int("swept", stats.Swept).
			Int("failed", stats.Failed).
			Int("compensation_failed", stats.CompensationFailed).
			Msg("Sweep completed")
	}

	return stats, nil
}

// cronLogger routes cron's logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
