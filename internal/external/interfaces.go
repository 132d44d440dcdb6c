package external

import (
	"context"

	"rhema/internal/types"
)

// PaymentProvider creates hosted checkout sessions with the payment provider.
type PaymentProvider interface {
	// CreateCheckoutSession creates a monthly subscription checkout for the
	// intent. It is never retried by the client.
	CreateCheckoutSession(ctx context.Context, intent types.CheckoutIntent, urls types.RedirectURLs) (types.CheckoutSession, error)
}

// WebhookVerifier checks a webhook signature over the literal payload bytes.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret types.SecretString) error
}

// SubscriptionInfo is the provider's current view of one subscription.
type SubscriptionInfo struct {
	ID         string
	CustomerID string
	Status     string
	Metadata   map[string]string
}

// SubscriptionReader looks up subscriptions the service has not seen a
// checkout for. found is false when the provider does not know the ID.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, subscriptionID string) (info SubscriptionInfo, found bool, err error)
}
