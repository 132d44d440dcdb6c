package external

import (
	"log/slog"
	"net/http"

	"rhema/internal/config"
)

// ClientRegistry holds every external client. It is built once in cmd/api and
// injected into handlers and the webhook ingester.
type ClientRegistry struct {
	Payments       PaymentProvider
	Subscriptions  SubscriptionReader
	StripeVerifier WebhookVerifier
}

// NewClientRegistry builds stub payment clients when cfg.IsTestMode is set or
// APP_ENV is local, and real ones otherwise. Webhook verification is always
// real: it needs no network access.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	reg := &ClientRegistry{StripeVerifier: &StripeVerifier{}}

	if cfg.IsTestMode || cfg.Environment == "local" {
		logger.Info("initializing payment client in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		stub := NewStubPaymentProvider(cfg.Server.AppBaseURL, logger.With("client", "stripe", "mode", "stub"))
		reg.Payments = stub
		reg.Subscriptions = stub
		return reg
	}

	logger.Info("initializing payment client in PRODUCTION mode", "environment", cfg.Environment)
	client := NewStripeClient(&http.Client{Timeout: StripeHTTPTimeout}, StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.StripeBaseURL,
		Logger:    logger.With("client", "stripe"),
	})
	reg.Payments = client
	reg.Subscriptions = client
	return reg
}
