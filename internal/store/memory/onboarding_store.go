package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/brigade/internal/models"
	"github.com/wolfeidau/brigade/internal/store"
)

var (
	_ store.OnboardingStore = (*OnboardingStore)(nil)
	_ store.AttemptStore    = (*OnboardingStore)(nil)
)

// OnboardingStore implements store.OnboardingStore and store.AttemptStore using
// in-memory storage. Both live behind one mutex so the records insert and the
// attempt update are atomic, as they are in the PostgreSQL store.
// This implementation is for testing and development only - data is lost on restart.
type OnboardingStore struct {
	mu sync.RWMutex

	users       map[uuid.UUID]*models.User       // user_id -> User
	companies   map[uuid.UUID]*models.Company    // company_id -> Company
	memberships map[uuid.UUID]*models.Membership // membership_id -> Membership
	attempts    map[uuid.UUID]*models.SubscriptionAttempt

	usersByEmail        map[string]uuid.UUID // email -> user_id
	companiesByRegNo    map[string]uuid.UUID // registration_number -> company_id
	attemptsByKey       map[string]uuid.UUID // idempotency_key -> attempt_id
	membershipsByMember map[[2]uuid.UUID]uuid.UUID

	now func() time.Time
}

// NewOnboardingStore creates a new in-memory onboarding store.
func NewOnboardingStore() *OnboardingStore {
	return &OnboardingStore{
		users:               make(map[uuid.UUID]*models.User),
		companies:           make(map[uuid.UUID]*models.Company),
		memberships:         make(map[uuid.UUID]*models.Membership),
		attempts:            make(map[uuid.UUID]*models.SubscriptionAttempt),
		usersByEmail:        make(map[string]uuid.UUID),
		companiesByRegNo:    make(map[string]uuid.UUID),
		attemptsByKey:       make(map[string]uuid.UUID),
		membershipsByMember: make(map[[2]uuid.UUID]uuid.UUID),
		now:                 time.Now,
	}
}

// InsertOnboardingRecords inserts the user, company and membership atomically.
func (s *OnboardingStore) InsertOnboardingRecords(ctx context.Context, attemptID uuid.UUID, records *models.OnboardingRecords) (models.RecordIDs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, exists := s.attempts[attemptID]
	if !exists {
		return models.RecordIDs{}, store.ErrAttemptNotFound
	}

	u, c, m := records.User, records.Company, records.Membership

	// Check every constraint before touching any map so a conflict leaves nothing behind
	if _, taken := s.usersByEmail[u.Email]; taken {
		return models.RecordIDs{}, store.ErrConflict
	}
	if _, taken := s.companiesByRegNo[c.RegistrationNumber]; taken {
		return models.RecordIDs{}, store.ErrConflict
	}
	if _, exists := s.users[u.UserID]; exists {
		return models.RecordIDs{}, store.ErrConflict
	}
	if _, exists := s.companies[c.CompanyID]; exists {
		return models.RecordIDs{}, store.ErrConflict
	}
	if _, exists := s.memberships[m.MembershipID]; exists {
		return models.RecordIDs{}, store.ErrConflict
	}
	if m.UserID != u.UserID || m.CompanyID != c.CompanyID {
		return models.RecordIDs{}, store.ErrConflict
	}

	uc, cc, mc := *u, *c, *m
	s.users[uc.UserID] = &uc
	s.companies[cc.CompanyID] = &cc
	s.memberships[mc.MembershipID] = &mc
	s.usersByEmail[uc.Email] = uc.UserID
	s.companiesByRegNo[cc.RegistrationNumber] = cc.CompanyID
	s.membershipsByMember[[2]uuid.UUID{uc.UserID, cc.CompanyID}] = mc.MembershipID

	ids := models.RecordIDs{UserID: uc.UserID, CompanyID: cc.CompanyID, MembershipID: mc.MembershipID}
	attempt.SetRecords(ids)
	attempt.Status = models.AttemptStatusRecordsCreated
	attempt.UpdatedAt = s.now()

	return ids, nil
}

// ActivateMembership moves a membership to ACTIVE and marks its user active.
func (s *OnboardingStore) ActivateMembership(ctx context.Context, membershipID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.memberships[membershipID]
	if !exists {
		return store.ErrMembershipNotFound
	}

	now := s.now()
	m.Status = models.MembershipStatusActive
	m.UpdatedAt = now

	if u, exists := s.users[m.UserID]; exists {
		u.Active = true
		u.UpdatedAt = now
	}

	return nil
}

// DeleteOnboardingRecords removes the rows; missing rows are ignored.
func (s *OnboardingStore) DeleteOnboardingRecords(ctx context.Context, ids models.RecordIDs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, exists := s.memberships[ids.MembershipID]; exists {
		delete(s.membershipsByMember, [2]uuid.UUID{m.UserID, m.CompanyID})
		delete(s.memberships, ids.MembershipID)
	}
	if c, exists := s.companies[ids.CompanyID]; exists {
		delete(s.companiesByRegNo, c.RegistrationNumber)
		delete(s.companies, ids.CompanyID)
	}
	if u, exists := s.users[ids.UserID]; exists {
		delete(s.usersByEmail, u.Email)
		delete(s.users, ids.UserID)
	}

	return nil
}

// GetUser retrieves a user by ID.
func (s *OnboardingStore) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[userID]
	if !exists {
		return nil, store.ErrUserNotFound
	}

	clone := *u
	return &clone, nil
}

// GetCompany retrieves a company by ID.
func (s *OnboardingStore) GetCompany(ctx context.Context, companyID uuid.UUID) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.companies[companyID]
	if !exists {
		return nil, store.ErrCompanyNotFound
	}

	clone := *c
	return &clone, nil
}

// GetMembership retrieves a membership by ID.
func (s *OnboardingStore) GetMembership(ctx context.Context, membershipID uuid.UUID) (*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.memberships[membershipID]
	if !exists {
		return nil, store.ErrMembershipNotFound
	}

	clone := *m
	return &clone, nil
}

// FindUserByEmail retrieves a user by email.
func (s *OnboardingStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.usersByEmail[email]
	if !exists {
		return nil, store.ErrUserNotFound
	}

	clone := *s.users[id]
	return &clone, nil
}

// FindCompanyByRegistration retrieves a company by registration number.
func (s *OnboardingStore) FindCompanyByRegistration(ctx context.Context, registrationNumber string) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.companiesByRegNo[registrationNumber]
	if !exists {
		return nil, store.ErrCompanyNotFound
	}

	clone := *s.companies[id]
	return &clone, nil
}

// BeginAttempt inserts the attempt or returns the one stored under the same key.
func (s *OnboardingStore) BeginAttempt(ctx context.Context, attempt *models.SubscriptionAttempt) (*models.SubscriptionAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.attemptsByKey[attempt.IdempotencyKey]; exists {
		return cloneAttempt(s.attempts[id]), false, nil
	}

	stored := cloneAttempt(attempt)
	s.attempts[stored.AttemptID] = stored
	s.attemptsByKey[stored.IdempotencyKey] = stored.AttemptID

	return cloneAttempt(stored), true, nil
}

// ClaimAttempt takes the lease if it is free or expired.
func (s *OnboardingStore) ClaimAttempt(ctx context.Context, attemptID uuid.UUID, lease time.Duration) (*models.SubscriptionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.attempts[attemptID]
	if !exists {
		return nil, store.ErrAttemptNotFound
	}

	now := s.now()
	if a.LeaseUntil != nil && a.LeaseUntil.After(now) {
		return nil, store.ErrAttemptLeased
	}

	until := now.Add(lease)
	a.LeaseUntil = &until

	return cloneAttempt(a), nil
}

// ExtendAttempt extends a held lease.
func (s *OnboardingStore) ExtendAttempt(ctx context.Context, attemptID uuid.UUID, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.attempts[attemptID]
	if !exists {
		return store.ErrAttemptNotFound
	}
	if a.LeaseUntil == nil {
		return nil
	}

	if until := s.now().Add(lease); until.After(*a.LeaseUntil) {
		a.LeaseUntil = &until
	}
	return nil
}

// ReleaseAttempt clears the lease.
func (s *OnboardingStore) ReleaseAttempt(ctx context.Context, attemptID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.attempts[attemptID]
	if !exists {
		return store.ErrAttemptNotFound
	}

	a.LeaseUntil = nil
	return nil
}

// UpdateAttempt persists the mutable fields of an attempt. The lease is left untouched.
func (s *OnboardingStore) UpdateAttempt(ctx context.Context, attempt *models.SubscriptionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.attempts[attempt.AttemptID]
	if !exists {
		return store.ErrAttemptNotFound
	}

	attempt.UpdatedAt = s.now()

	stored := cloneAttempt(attempt)
	stored.LeaseUntil = existing.LeaseUntil
	stored.IdempotencyKey = existing.IdempotencyKey
	stored.CreatedAt = existing.CreatedAt
	s.attempts[attempt.AttemptID] = stored

	return nil
}

// GetAttempt retrieves an attempt by ID.
func (s *OnboardingStore) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*models.SubscriptionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.attempts[attemptID]
	if !exists {
		return nil, store.ErrAttemptNotFound
	}

	return cloneAttempt(a), nil
}

// GetAttemptByKey retrieves an attempt by idempotency key.
func (s *OnboardingStore) GetAttemptByKey(ctx context.Context, idempotencyKey string) (*models.SubscriptionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.attemptsByKey[idempotencyKey]
	if !exists {
		return nil, store.ErrAttemptNotFound
	}

	return cloneAttempt(s.attempts[id]), nil
}

// ListStaleAttempts returns idle, unleased, non-terminal attempts.
func (s *OnboardingStore) ListStaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]*models.SubscriptionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	return s.collect(limit, func(a *models.SubscriptionAttempt) bool {
		if a.Status.IsTerminal() || !a.UpdatedAt.Before(olderThan) {
			return false
		}
		return a.LeaseUntil == nil || !a.LeaseUntil.After(now)
	}), nil
}

// ListAttemptsByStatus returns attempts in the given status, oldest first.
func (s *OnboardingStore) ListAttemptsByStatus(ctx context.Context, status models.AttemptStatus, limit int) ([]*models.SubscriptionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(limit, func(a *models.SubscriptionAttempt) bool {
		return a.Status == status
	}), nil
}

// collect must be called with s.mu held.
func (s *OnboardingStore) collect(limit int, match func(*models.SubscriptionAttempt) bool) []*models.SubscriptionAttempt {
	var result []*models.SubscriptionAttempt
	for _, a := range s.attempts {
		if match(a) {
			result = append(result, cloneAttempt(a))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// cloneAttempt copies an attempt including its pointer fields.
func cloneAttempt(a *models.SubscriptionAttempt) *models.SubscriptionAttempt {
	clone := *a
	if a.UserID != nil {
		id := *a.UserID
		clone.UserID = &id
	}
	if a.CompanyID != nil {
		id := *a.CompanyID
		clone.CompanyID = &id
	}
	if a.MembershipID != nil {
		id := *a.MembershipID
		clone.MembershipID = &id
	}
	if a.LeaseUntil != nil {
		t := *a.LeaseUntil
		clone.LeaseUntil = &t
	}
	return &clone
}
