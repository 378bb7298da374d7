package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the persisted state of a subscription onboarding attempt.
type AttemptStatus string

const (
	AttemptStatusInitiated          AttemptStatus = "INITIATED"
	AttemptStatusIdentityCreated    AttemptStatus = "IDENTITY_CREATED"
	AttemptStatusRecordsCreated     AttemptStatus = "RECORDS_CREATED"
	AttemptStatusPaymentInitiated   AttemptStatus = "PAYMENT_INITIATED"
	AttemptStatusCompleted          AttemptStatus = "COMPLETED"
	AttemptStatusFailed             AttemptStatus = "FAILED"
	AttemptStatusCompensationFailed AttemptStatus = "COMPENSATION_FAILED"
)

// IsTerminal returns true for statuses no step will move forward from.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptStatusCompleted, AttemptStatusFailed, AttemptStatusCompensationFailed:
		return true
	}
	return false
}

// SubscriptionAttempt is the unit of work for one onboarding. It is keyed by
// IdempotencyKey so that a retry can re-enter at the first incomplete step.
type SubscriptionAttempt struct {
	AttemptID      uuid.UUID // UUIDv7
	IdempotencyKey string
	Status         AttemptStatus

	// Cycle counts how many times the attempt was started. A FAILED attempt
	// retried under the same key starts a new cycle.
	Cycle int

	// Request snapshot
	Email              string
	FirstName          string
	LastName           string
	CompanyName        string
	RegistrationNumber string
	PlanID             uuid.UUID

	// Progress, filled in as steps complete
	IdentityRef     string
	UserID          *uuid.UUID
	CompanyID       *uuid.UUID
	MembershipID    *uuid.UUID
	CustomerRef     string
	SubscriptionRef string

	FailureKind   string
	FailureReason string

	// LeaseUntil marks the attempt as claimed by a running orchestration.
	LeaseUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRecords reports whether this attempt inserted its user, company and membership rows.
func (a *SubscriptionAttempt) HasRecords() bool {
	return a.UserID != nil && a.CompanyID != nil && a.MembershipID != nil
}

// RecordIDs returns the identifiers of the rows created by this attempt.
func (a *SubscriptionAttempt) RecordIDs() RecordIDs {
	var ids RecordIDs
	if a.UserID != nil {
		ids.UserID = *a.UserID
	}
	if a.CompanyID != nil {
		ids.CompanyID = *a.CompanyID
	}
	if a.MembershipID != nil {
		ids.MembershipID = *a.MembershipID
	}
	return ids
}

// SetRecords stores the identifiers of rows created by this attempt.
func (a *SubscriptionAttempt) SetRecords(ids RecordIDs) {
	a.UserID = &ids.UserID
	a.CompanyID = &ids.CompanyID
	a.MembershipID = &ids.MembershipID
}

// ClearRecords forgets the identifiers after the rows have been deleted.
func (a *SubscriptionAttempt) ClearRecords() {
	a.UserID = nil
	a.CompanyID = nil
	a.MembershipID = nil
}

// RecordIDs identifies the rows inserted together by one onboarding.
type RecordIDs struct {
	UserID       uuid.UUID
	CompanyID    uuid.UUID
	MembershipID uuid.UUID
}

// IsZero returns true if no identifiers are set.
func (r RecordIDs) IsZero() bool {
	return r.UserID == uuid.Nil && r.CompanyID == uuid.Nil && r.MembershipID == uuid.Nil
}

// OnboardingRecords are the three rows the records step inserts atomically.
type OnboardingRecords struct {
	User       *User
	Company    *Company
	Membership *Membership
}
