package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"rhema/internal/types"
)

// stripeAPIBase is the default Stripe API origin.
const stripeAPIBase = "https://api.stripe.com"

// StripeHTTPTimeout bounds every call to the Stripe API.
const StripeHTTPTimeout = 20 * time.Second

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // empty means stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements PaymentProvider with direct form-encoded calls to
// the Stripe REST API routed through BaseClient. stripe-go's global key is
// never set; the key travels with each request.
type StripeClient struct {
	base      *BaseClient
	reads     *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. Checkout creation is not
// idempotent and is never retried; subscription reads use
// DefaultRetryPolicy. Both share one breaker.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	writes := NewBaseClient(httpClient, "stripe", NoRetryPolicy(), "rhema-api/1.0", opts...)
	readOpts := append([]BaseClientOption{WithBreaker(writes.breaker)}, opts...)
	reads := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "rhema-api/1.0", readOpts...)
	return newStripeClientWithBase(writes, reads, cfg)
}

func newStripeClientWithBase(writes, reads *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      writes,
		reads:     reads,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCheckoutSession creates a subscription-mode Checkout Session with an
// inline monthly price. The user ID is sent as client_reference_id and, with
// the plan, as metadata so webhook events can be correlated.
func (s *StripeClient) CreateCheckoutSession(
	ctx context.Context,
	intent types.CheckoutIntent,
	urls types.RedirectURLs,
) (types.CheckoutSession, error) {
	if s.secretKey.IsEmpty() {
		return types.CheckoutSession{}, types.NewAppError(
			types.ErrCodeInternalCredentialMissing,
			"payment provider credential is not configured",
			nil,
		)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", checkoutSessionParams(intent, urls))
	if err != nil {
		return types.CheckoutSession{}, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.CheckoutSession{}, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return types.CheckoutSession{}, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"session_id", session.ID,
		"plan", string(intent.Plan),
		"user_id", intent.UserID,
	)

	return types.CheckoutSession{URL: session.URL, ID: session.ID}, nil
}

func checkoutSessionParams(intent types.CheckoutIntent, urls types.RedirectURLs) url.Values {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", intent.UserID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("line_items[0][quantity]", "1")
	params.Set("line_items[0][price_data][currency]", intent.Currency)
	params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(intent.UnitAmount, 10))
	params.Set("line_items[0][price_data][recurring][interval]", "month")
	params.Set("line_items[0][price_data][product_data][name]", intent.ProductName)
	params.Set("metadata[type]", "subscription")
	params.Set("metadata[plan]", string(intent.Plan))
	params.Set("metadata[userId]", intent.UserID)
	params.Set("subscription_data[metadata][plan]", string(intent.Plan))
	params.Set("subscription_data[metadata][userId]", intent.UserID)
	return params
}

// GetSubscription fetches a subscription by ID. found is false when Stripe
// answers 404. The read is idempotent, so 429, 5xx and transport errors are
// retried by the client before surfacing as upstream AppErrors.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (info SubscriptionInfo, found bool, err error) {
	if s.secretKey.IsEmpty() {
		return SubscriptionInfo{}, false, types.NewAppError(
			types.ErrCodeInternalCredentialMissing,
			"payment provider credential is not configured",
			nil,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return SubscriptionInfo{}, false, s.wrapStripeError("GetSubscription", err)
	}
	s.authorize(req)

	resp, err := s.reads.Do(req)
	if err != nil {
		return SubscriptionInfo{}, false, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return SubscriptionInfo{}, false, nil
	default:
		return SubscriptionInfo{}, false, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripe.Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return SubscriptionInfo{}, false, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	info = SubscriptionInfo{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		info.CustomerID = sub.Customer.ID
	}
	return info, true, nil
}

func (s *StripeClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.authorize(req)

	return s.base.Do(req)
}

// stripeErrorResponse is the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and the body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError keeps Stripe's human-readable message; it never contains
// credentials. 429 and 5xx never reach it: BaseClient.Do maps those.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	details := map[string]any{"stripe_type": stripeErr.Type}
	if stripeErr.Code != "" {
		details["stripe_code"] = stripeErr.Code
	}
	if stripeErr.Param != "" {
		details["param"] = stripeErr.Param
	}

	if statusCode == http.StatusUnauthorized {
		s.logger.Error("Stripe rejected the configured secret key", "operation", operation)
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe, operation+": payment provider rejected the credential", nil, details)
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
		nil,
		details,
	)
}

// wrapStripeError passes BaseClient AppErrors through and wraps anything
// else (request construction failures) as an upstream error.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		operation+": Stripe request failed",
		err,
	)
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeVerifier checks Stripe-Signature headers with stripe-go: HMAC-SHA256
// over the raw payload, constant-time comparison and the default five minute
// timestamp tolerance.
type StripeVerifier struct{}

// Verify returns nil when header carries a valid signature of payload.
func (v *StripeVerifier) Verify(payload []byte, header string, secret types.SecretString) error {
	return webhook.ValidatePayload(payload, header, secret.Unmask())
}
