package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/brigade/cmd/brigade/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"BRIGADE_DEBUG"`
		Version kong.VersionFlag

		Serve     commands.ServeCmd     `cmd:"" help:"Start the onboarding API"`
		Migrate   commands.MigrateCmd   `cmd:"" help:"Apply database migrations"`
		SeedPlans commands.SeedPlansCmd `cmd:"" help:"Create plans from a YAML catalog"`
		Sweep     commands.SweepCmd     `cmd:"" help:"Resolve stale onboarding attempts"`
		Reconcile commands.ReconcileCmd `cmd:"" help:"Retry compensation of failed onboarding attempts"`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("brigade"),
		kong.Description("Subscription onboarding for brigade kitchens."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
