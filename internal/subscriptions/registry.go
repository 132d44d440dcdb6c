// Package subscriptions tracks each user's subscription state as reported by
// payment-provider webhooks.
package subscriptions

import (
	"log/slog"
	"sync"
	"time"

	"rhema/internal/types"
)

// Status is the local view of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription is one user's current subscription.
type Subscription struct {
	UserID               string         `json:"userId"`
	Plan                 types.PlanTier `json:"plan"`
	Status               Status         `json:"status"`
	StripeSubscriptionID string         `json:"stripeSubscriptionId,omitempty"`
	StripeCustomerID     string         `json:"stripeCustomerId,omitempty"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// Registry is an in-memory, concurrency-safe map of user ID to
// Subscription, indexed by provider subscription ID as well.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Subscription
	bySub  map[string]string // provider subscription ID -> user ID
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser: make(map[string]Subscription),
		bySub:  make(map[string]string),
		now:    time.Now,
		logger: logger,
	}
}

// Activate records an active subscription for userID, replacing any previous
// one.
func (r *Registry) Activate(userID string, plan types.PlanTier, subscriptionID, customerID string) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok && prev.StripeSubscriptionID != "" && prev.StripeSubscriptionID != subscriptionID {
		delete(r.bySub, prev.StripeSubscriptionID)
	}

	sub := Subscription{
		UserID:               userID,
		Plan:                 plan,
		Status:               StatusActive,
		StripeSubscriptionID: subscriptionID,
		StripeCustomerID:     customerID,
		UpdatedAt:            r.now().UTC(),
	}
	r.byUser[userID] = sub
	if subscriptionID != "" {
		r.bySub[subscriptionID] = userID
	}
	return sub
}

// UpdateStatus sets the status of the subscription with the given provider
// ID. It reports false when the ID is unknown.
func (r *Registry) UpdateStatus(subscriptionID string, status Status) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.bySub[subscriptionID]
	if !ok {
		return Subscription{}, false
	}
	sub := r.byUser[userID]
	sub.Status = status
	sub.UpdatedAt = r.now().UTC()
	r.byUser[userID] = sub
	return sub, true
}

// Cancel marks the subscription canceled.
func (r *Registry) Cancel(subscriptionID string) (Subscription, bool) {
	return r.UpdateStatus(subscriptionID, StatusCanceled)
}

// Get returns the subscription for userID.
func (r *Registry) Get(userID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byUser[userID]
	return sub, ok
}

// BySubscriptionID returns the subscription with the given provider ID.
func (r *Registry) BySubscriptionID(subscriptionID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.bySub[subscriptionID]
	if !ok {
		return Subscription{}, false
	}
	return r.byUser[userID], true
}

// Len returns the number of tracked users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
