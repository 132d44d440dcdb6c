package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rhema/internal/core"
	"rhema/internal/types"
	"rhema/internal/webhook"
)

// maxWebhookBodySize is the maximum accepted Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// ReplayedHeader marks a response served from a previous successful delivery.
const ReplayedHeader = "X-Idempotent-Replayed"

// WebhookIngester verifies and processes one raw delivery.
type WebhookIngester interface {
	Ingest(ctx context.Context, raw webhook.RawRequest) (webhook.Result, error)
}

// StripeWebhookHandler handles Stripe's webhook callbacks. It is
// unauthenticated; the Stripe-Signature header is the only credential.
type StripeWebhookHandler struct {
	ingester WebhookIngester
	logger   *slog.Logger
	now      func() time.Time
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(ingester WebhookIngester, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{ingester: ingester, logger: logger, now: time.Now}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle reads the raw body, which must reach signature verification
// byte-for-byte, and hands it to the ingester.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.now()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationPayloadTooLarge,
				"webhook payload must not exceed 64KB",
				err,
			))
			return
		}
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMalformedPayload,
			"failed to read request body",
			err,
		))
		return
	}

	res, err := h.ingester.Ingest(r.Context(), webhook.RawRequest{
		Payload:    payload,
		Signature:  r.Header.Get("Stripe-Signature"),
		ReceivedAt: receivedAt,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if res.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	core.JSON(w, r, http.StatusOK, res.Ack)
}
