package models

import (
	"time"

	"github.com/google/uuid"
)

// MembershipRole is the role a user holds within a company.
type MembershipRole string

const (
	MembershipRoleOwner  MembershipRole = "owner"
	MembershipRoleAdmin  MembershipRole = "admin"
	MembershipRoleMember MembershipRole = "member"
)

// MembershipStatus is the state of a membership.
type MembershipStatus string

const (
	MembershipStatusPending  MembershipStatus = "PENDING"
	MembershipStatusActive   MembershipStatus = "ACTIVE"
	MembershipStatusInactive MembershipStatus = "INACTIVE"
)

// Membership binds exactly one user to exactly one company.
// A user has at most one membership per company.
type Membership struct {
	MembershipID uuid.UUID // UUIDv7
	UserID       uuid.UUID
	CompanyID    uuid.UUID
	Role         MembershipRole
	Status       MembershipStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive returns true if the membership is active.
func (m *Membership) IsActive() bool {
	return m.Status == MembershipStatusActive
}
