package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an identity-linked account. Users start inactive and are activated
// by the identity provider's confirmation flow.
type User struct {
	UserID      uuid.UUID // UUIDv7
	Email       string    // Normalized (trimmed, lower-case), unique
	FirstName   string
	LastName    string
	Active      bool
	IdentityRef string // Opaque reference issued by the identity provider

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName returns "First Last".
func (u *User) DisplayName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
