package payment

import (
	"context"
	"fmt"
	"sync"
)

// Price is a price known to the MemoryClient.
type Price struct {
	Amount   int64
	Currency string

	// Status is returned for new subscriptions. Default: incomplete.
	Status SubscriptionStatus
}

// MemoryClient is an in-process payment provider for development and tests.
// Failures can be injected per operation; each injected error is consumed by
// one call.
type MemoryClient struct {
	mu sync.Mutex

	Prices map[string]Price

	CustomerErr     []error
	SubscriptionErr []error
	GetErr          []error
	DeleteErr       []error

	customers     map[string]bool // customer ref -> live
	subscriptions map[string]*Subscription
	byKey         map[string]string // idempotency key -> object ref
	seq           int
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient creates a payment provider that knows the given prices.
func NewMemoryClient(prices map[string]Price) *MemoryClient {
	if prices == nil {
		prices = make(map[string]Price)
	}
	return &MemoryClient{
		Prices:        prices,
		customers:     make(map[string]bool),
		subscriptions: make(map[string]*Subscription),
		byKey:         make(map[string]string),
	}
}

// CreateCustomer creates a customer, honouring the owner's idempotency key.
func (c *MemoryClient) CreateCustomer(ctx context.Context, owner Owner) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := popErr(&c.CustomerErr); err != nil {
		return "", err
	}

	if ref, ok := c.byKey[owner.IdempotencyKey]; ok && owner.IdempotencyKey != "" {
		return ref, nil
	}

	c.seq++
	ref := fmt.Sprintf("cus_mem%d", c.seq)
	c.customers[ref] = true
	if owner.IdempotencyKey != "" {
		c.byKey[owner.IdempotencyKey] = ref
	}

	return ref, nil
}

// CreateSubscription subscribes a customer to a known price.
func (c *MemoryClient) CreateSubscription(ctx context.Context, customerRef, priceRef, idempotencyKey string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := popErr(&c.SubscriptionErr); err != nil {
		return nil, err
	}

	if ref, ok := c.byKey[idempotencyKey]; ok && idempotencyKey != "" {
		clone := *c.subscriptions[ref]
		return &clone, nil
	}

	if !c.customers[customerRef] {
		return nil, &ProviderError{Op: "create subscription", Code: "resource_missing", Message: "No such customer: " + customerRef, Status: 400}
	}

	price, ok := c.Prices[priceRef]
	if !ok {
		return nil, &ProviderError{Op: "create subscription", Code: "resource_missing", Message: "No such price: " + priceRef, Status: 400}
	}

	status := price.Status
	if status == "" {
		status = StatusIncomplete
	}

	c.seq++
	sub := &Subscription{
		Ref:          fmt.Sprintf("sub_mem%d", c.seq),
		CustomerRef:  customerRef,
		Status:       status,
		ClientSecret: fmt.Sprintf("pi_mem%d_secret", c.seq),
		Amount:       price.Amount,
		Currency:     price.Currency,
	}
	c.subscriptions[sub.Ref] = sub
	if idempotencyKey != "" {
		c.byKey[idempotencyKey] = sub.Ref
	}

	clone := *sub
	return &clone, nil
}

// GetSubscription reads a subscription back.
func (c *MemoryClient) GetSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := popErr(&c.GetErr); err != nil {
		return nil, err
	}

	sub, ok := c.subscriptions[subscriptionRef]
	if !ok {
		return nil, &ProviderError{Op: "get subscription", Code: "resource_missing", Message: "No such subscription", Status: 404}
	}

	clone := *sub
	return &clone, nil
}

// DeleteCustomer deletes a customer and cancels its subscriptions.
func (c *MemoryClient) DeleteCustomer(ctx context.Context, customerRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := popErr(&c.DeleteErr); err != nil {
		return err
	}

	if !c.customers[customerRef] {
		return nil
	}

	c.customers[customerRef] = false
	for _, sub := range c.subscriptions {
		if sub.CustomerRef == customerRef {
			sub.Status = StatusCanceled
		}
	}

	return nil
}

// LiveCustomers returns the number of customers not deleted.
func (c *MemoryClient) LiveCustomers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, live := range c.customers {
		if live {
			n++
		}
	}
	return n
}

// LiveSubscriptions returns the number of subscriptions not cancelled.
func (c *MemoryClient) LiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, sub := range c.subscriptions {
		if sub.Status != StatusCanceled {
			n++
		}
	}
	return n
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
