package commands

import (
	"context"
	"time"

	"github.com/wolfeidau/brigade/internal/logger"
	"github.com/wolfeidau/brigade/internal/sweeper"
)

type SweepCmd struct {
	Once       bool          `help:"run a single sweep and exit"`
	Schedule   string        `help:"sweeper cron schedule" default:"@every 1m" env:"BRIGADE_SWEEP_SCHEDULE"`
	StaleAfter time.Duration `help:"abandon attempts idle for longer than this" default:"15m" env:"BRIGADE_STALE_AFTER"`
	BatchSize  int           `help:"attempts handled per sweep" default:"100"`

	Telemetry TelemetryFlags `embed:""`
	Backend   BackendFlags   `embed:""`
}

func (c *SweepCmd) Validate() error {
	return c.Backend.Validate()
}

func (c *SweepCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	defer c.Telemetry.setup(ctx, "brigade-sweeper", globals.Version)()

	be, err := c.Backend.open(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	sw, err := sweeper.New(sweeper.Config{
		Schedule:   c.Schedule,
		StaleAfter: c.StaleAfter,
		BatchSize:  c.BatchSize,
	}, be.attempts, be.orchestrator)
	if err != nil {
		return err
	}

	if c.Once {
		stats, err := sw.SweepOnce(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Int("swept", stats.Swept).
			Int("failed", stats.Failed).
			Int("compensation_failed", stats.CompensationFailed).
			Msg("Sweep finished")
		return nil
	}

	if err := sw.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Stopping sweeper")
	sw.Stop()

	return nil
}
