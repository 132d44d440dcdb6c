package external

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"rhema/internal/types"
)

// StubPaymentProvider returns deterministic local checkout URLs and logs each
// intent. It is used when APP_ENV=local or IS_TEST_MODE=true.
type StubPaymentProvider struct {
	baseURL string
	logger  *slog.Logger
}

// NewStubPaymentProvider creates a stub whose URLs point at baseURL.
func NewStubPaymentProvider(baseURL string, logger *slog.Logger) *StubPaymentProvider {
	return &StubPaymentProvider{baseURL: baseURL, logger: logger}
}

// CreateCheckoutSession returns a session whose URL is the success redirect
// with the stub session ID appended.
func (s *StubPaymentProvider) CreateCheckoutSession(ctx context.Context, intent types.CheckoutIntent, urls types.RedirectURLs) (types.CheckoutSession, error) {
	id := "cs_stub_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(intent.Plan)+"|"+intent.UserID)).String()

	target := urls.Success
	if target == "" {
		target = s.baseURL
	}
	if u, err := url.Parse(target); err == nil {
		q := u.Query()
		q.Set("session_id", id)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	s.logger.InfoContext(ctx, "stub checkout session created",
		"session_id", id,
		"plan", string(intent.Plan),
		"user_id", intent.UserID,
		"unit_amount", intent.UnitAmount,
		"currency", intent.Currency,
	)

	return types.CheckoutSession{URL: target, ID: id}, nil
}

// GetSubscription reports every ID as unknown; stub checkouts never create
// provider-side subscriptions.
func (s *StubPaymentProvider) GetSubscription(ctx context.Context, subscriptionID string) (SubscriptionInfo, bool, error) {
	s.logger.DebugContext(ctx, "stub subscription lookup", "subscription_id", subscriptionID)
	return SubscriptionInfo{}, false, nil
}
