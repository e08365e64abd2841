package webhooks

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a subscription id that does not exist for the tenant.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Subscription is a tenant's registered event sink. Filter is an optional
// JMESPath expression over the event payload; delivery itself is handled
// out of process.
type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"-"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Filter    string    `json:"filter,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists subscriptions per tenant.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, tenantID, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error
}
