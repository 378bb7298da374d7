package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/wolfeidau/brigade/internal/logger"
	"github.com/wolfeidau/brigade/internal/server"
	"github.com/wolfeidau/brigade/internal/sweeper"
)

type ServeCmd struct {
	Listen      string        `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"BRIGADE_LISTEN"`
	CORSOrigins []string      `help:"allowed CORS origins for API requests" default:"http://localhost:3000" env:"BRIGADE_CORS_ORIGINS"`
	RetryAfter  time.Duration `help:"Retry-After advertised when onboarding is temporarily unavailable" default:"5s"`

	Sweep      bool          `help:"run the stale attempt sweeper in this process" default:"true" negatable:"" env:"BRIGADE_SWEEP"`
	SweepEvery string        `help:"sweeper cron schedule" default:"@every 1m" env:"BRIGADE_SWEEP_SCHEDULE"`
	StaleAfter time.Duration `help:"abandon attempts idle for longer than this" default:"15m" env:"BRIGADE_STALE_AFTER"`

	Telemetry TelemetryFlags `embed:""`
	Backend   BackendFlags   `embed:""`
}

func (c *ServeCmd) Validate() error {
	return c.Backend.Validate()
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	defer c.Telemetry.setup(ctx, "brigade", globals.Version)()

	be, err := c.Backend.open(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	if c.Sweep {
		sw, err := sweeper.New(sweeper.Config{Schedule: c.SweepEvery, StaleAfter: c.StaleAfter}, be.attempts, be.orchestrator)
		if err != nil {
			return err
		}
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()
	}

	srv := server.NewServer(be.orchestrator, be, server.Config{
		CORSOrigins: c.CORSOrigins,
		RetryAfter:  c.RetryAfter,
	})
	httpServer := configureHTTPServer(c.Listen, srv.Handler(log))

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Str("store", c.Backend.StoreType).Msg("Starting HTTP server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}
