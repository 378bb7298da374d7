package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/brigade/internal/logger"
	"github.com/wolfeidau/brigade/internal/models"
)

type ReconcileCmd struct {
	AttemptID string `arg:"" optional:"" help:"attempt to reconcile; lists attempts awaiting reconciliation when omitted"`
	Limit     int    `help:"maximum attempts listed" default:"100"`

	Backend BackendFlags `embed:""`
}

func (c *ReconcileCmd) Validate() error {
	if c.AttemptID != "" {
		if _, err := uuid.Parse(c.AttemptID); err != nil {
			return fmt.Errorf("invalid attempt id %q: %w", c.AttemptID, err)
		}
	}
	return c.Backend.Validate()
}

func (c *ReconcileCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	be, err := c.Backend.open(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	if c.AttemptID == "" {
		attempts, err := be.attempts.ListAttemptsByStatus(ctx, models.AttemptStatusCompensationFailed, c.Limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ATTEMPT\tEMAIL\tREGISTRATION\tCUSTOMER\tREASON\tUPDATED")
		for _, a := range attempts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.AttemptID, a.Email, a.RegistrationNumber, a.CustomerRef, a.FailureReason, a.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}

	attemptID := uuid.MustParse(c.AttemptID)
	if err := be.orchestrator.Reconcile(ctx, attemptID); err != nil {
		return err
	}

	log.Info().Str("attempt_id", attemptID.String()).Msg("Attempt reconciled")
	return nil
}
