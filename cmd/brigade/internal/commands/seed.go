package commands

import (
	"context"

	"github.com/wolfeidau/brigade/internal/logger"
	"github.com/wolfeidau/brigade/internal/plans"
	postgresstore "github.com/wolfeidau/brigade/internal/store/postgres"
)

type SeedPlansCmd struct {
	Catalog  string        `arg:"" help:"YAML plan catalog" type:"existingfile"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *SeedPlansCmd) Validate() error {
	return c.Postgres.validate()
}

func (c *SeedPlansCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	catalog, err := plans.LoadCatalogFile(c.Catalog)
	if err != nil {
		return err
	}

	db, err := c.Postgres.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	created, err := plans.Seed(ctx, postgresstore.NewPlanStore(db.Pool), catalog)
	if err != nil {
		return err
	}

	log.Info().Int("created", created).Int("catalog", len(catalog.Plans)).Msg("Plans seeded")
	return nil
}
