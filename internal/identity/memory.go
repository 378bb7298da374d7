package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryClient is an in-process identity provider for development and tests.
// Failures can be injected per operation.
type MemoryClient struct {
	mu         sync.Mutex
	identities map[string]*Identity // lower-cased email -> identity

	// FindErr and CreateErr, when set, are returned (and consumed) by the next
	// matching call.
	FindErr   []error
	CreateErr []error

	Creates int
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient creates an empty in-memory identity provider.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		identities: make(map[string]*Identity),
	}
}

// FindByEmail looks up an identity by email.
func (c *MemoryClient) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := pop(&c.FindErr); err != nil {
		return nil, err
	}

	id, ok := c.identities[strings.ToLower(email)]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	clone := *id
	return &clone, nil
}

// Create registers a new identity.
func (c *MemoryClient) Create(ctx context.Context, email string, profile Profile) (*Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := pop(&c.CreateErr); err != nil {
		return nil, err
	}

	key := strings.ToLower(email)
	if _, ok := c.identities[key]; ok {
		return nil, ErrIdentityConflict
	}

	id := &Identity{Ref: "mem|" + uuid.NewString(), Email: email}
	c.identities[key] = id
	c.Creates++

	clone := *id
	return &clone, nil
}

// Count returns the number of identities held.
func (c *MemoryClient) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.identities)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
