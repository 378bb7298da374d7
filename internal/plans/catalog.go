// Package plans loads the plan catalog and caches plan lookups.
package plans

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/payment"
	"github.com/wolfeidau/brigade/internal/store"
	"gopkg.in/yaml.v3"
)

// Catalog is the YAML plan catalog.
//
//	plans:
//	  - code: basic-monthly
//	    price_ref: price_1Nx...
//	    default: true
//	    translations:
//	      - locale: en
//	        name: Basic
//	        description: One kitchen, unlimited recipes
type Catalog struct {
	Plans []CatalogPlan `yaml:"plans"`
}

// CatalogPlan is one plan entry in the catalog.
type CatalogPlan struct {
	Code         string                   `yaml:"code"`
	PriceRef     string                   `yaml:"price_ref"`
	Default      bool                     `yaml:"default"`
	Translations []models.PlanTranslation `yaml:"translations"`

	// Amount and Currency price the plan for the in-memory payment provider.
	// Real prices live with the payment provider.
	Amount   int64  `yaml:"amount,omitempty"`
	Currency string `yaml:"currency,omitempty"`
}

// LoadCatalogFile reads a catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan catalog: %w", err)
	}
	defer f.Close()

	return LoadCatalog(f)
}

// LoadCatalog decodes and validates a catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode plan catalog: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks every plan and that at most one plan is the default.
func (c *Catalog) Validate() error {
	if len(c.Plans) == 0 {
		return errors.New("plan catalog is empty")
	}

	codes := make(map[string]bool, len(c.Plans))
	defaults := 0
	for i, p := range c.Plans {
		if err := p.plan().Validate(); err != nil {
			return fmt.Errorf("plan %d (%q): %w", i, p.Code, err)
		}
		if codes[p.Code] {
			return fmt.Errorf("plan %q is listed twice", p.Code)
		}
		codes[p.Code] = true
		if p.Default {
			defaults++
		}
	}

	if defaults > 1 {
		return fmt.Errorf("plan catalog has %d default plans, expected at most one", defaults)
	}

	return nil
}

func (p CatalogPlan) plan() *models.Plan {
	return &models.Plan{
		Code:         p.Code,
		PriceRef:     p.PriceRef,
		IsDefault:    p.Default,
		Translations: p.Translations,
	}
}

// Prices returns the catalog prices keyed by price reference for the
// in-memory payment provider.
func (c *Catalog) Prices() map[string]payment.Price {
	prices := make(map[string]payment.Price, len(c.Plans))
	for _, p := range c.Plans {
		currency := p.Currency
		if currency == "" {
			currency = "eur"
		}
		prices[p.PriceRef] = payment.Price{Amount: p.Amount, Currency: currency}
	}
	return prices
}

// Seed creates the catalog's plans. Plans are immutable, so codes that already
// exist are left as they are. It returns the number of plans created.
func Seed(ctx context.Context, plans store.PlanStore, c *Catalog) (int, error) {
	created := 0
	for _, p := range c.Plans {
		plan := p.plan()

		id, err := uuid.NewV7()
		if err != nil {
			return created, fmt.Errorf("failed to generate plan id: %w", err)
		}
		plan.PlanID = id
		plan.CreatedAt = time.Now()

		err = plans.CreatePlan(ctx, plan)
		switch {
		case errors.Is(err, store.ErrPlanAlreadyExists):
			log.Debug().Str("plan", p.Code).Msg("Plan already exists, skipping")
			continue
		case err != nil:
			return created, fmt.Errorf("failed to create plan %q: %w", p.Code, err)
		}

		log.Info().Str("plan", p.Code).Str("price_ref", p.PriceRef).Bool("default", p.Default).Msg("Created plan")
		created++
	}

	return created, nil
}
