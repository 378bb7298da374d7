package models

import (
	"time"

	"github.com/google/uuid"
)

// Company is the tenant root. Every staff member, menu and recipe hangs off a company.
type Company struct {
	CompanyID          uuid.UUID // UUIDv7
	Name               string
	RegistrationNumber string // Normalized, unique

	CreatedAt time.Time
	UpdatedAt time.Time
}
