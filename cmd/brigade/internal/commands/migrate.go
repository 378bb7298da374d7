package commands

import (
	"context"

	"github.com/wolfeidau/brigade/internal/logger"
	postgresstore "github.com/wolfeidau/brigade/internal/store/postgres"
)

type MigrateCmd struct {
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *MigrateCmd) Validate() error {
	return c.Postgres.validate()
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	c.Postgres.AutoMigrate = false
	db, err := c.Postgres.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgresstore.Migrate(ctx, db.Pool); err != nil {
		return err
	}

	log.Info().Msg("Migrations applied")
	return nil
}
