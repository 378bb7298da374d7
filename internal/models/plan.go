package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultLocale is used when a caller does not ask for a specific translation.
const DefaultLocale = "en"

var ErrPlanTranslationRequired = errors.New("plan requires at least one translation")

// PlanTranslation is the locale-specific copy of a plan.
type PlanTranslation struct {
	Locale      string `yaml:"locale"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Plan is a priced offering. PriceRef is the payment provider's price identifier.
// Plans are never mutated once created.
type Plan struct {
	PlanID       uuid.UUID
	Code         string // e.g. "basic-monthly"
	PriceRef     string // e.g. "price_1Nx..."
	IsDefault    bool
	Translations []PlanTranslation

	CreatedAt time.Time
}

// Validate checks the plan invariants.
func (p *Plan) Validate() error {
	if p.Code == "" {
		return errors.New("plan code is required")
	}
	if p.PriceRef == "" {
		return errors.New("plan price reference is required")
	}
	if len(p.Translations) == 0 {
		return ErrPlanTranslationRequired
	}
	return nil
}

// Translation returns the translation for locale, falling back to DefaultLocale
// and then to the first translation.
func (p *Plan) Translation(locale string) PlanTranslation {
	var fallback *PlanTranslation
	for i := range p.Translations {
		t := &p.Translations[i]
		if t.Locale == locale {
			return *t
		}
		if t.Locale == DefaultLocale && fallback == nil {
			fallback = t
		}
	}
	if fallback != nil {
		return *fallback
	}
	if len(p.Translations) > 0 {
		return p.Translations[0]
	}
	return PlanTranslation{Locale: locale, Name: p.Code}
}
