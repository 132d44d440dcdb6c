package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rhema/internal/core"
	"rhema/internal/types"
)

// CheckoutCreator creates hosted checkout sessions. external.PaymentProvider
// satisfies it.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, intent types.CheckoutIntent, urls types.RedirectURLs) (types.CheckoutSession, error)
}

// CreateCheckoutRequest is the body of POST /api/checkout/subscription.
type CreateCheckoutRequest struct {
	Plan   string `json:"plan" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

// CheckoutHandler starts subscription checkouts.
type CheckoutHandler struct {
	payments  CheckoutCreator
	validator *core.Validator
	redirects types.RedirectURLs
	logger    *slog.Logger
}

// NewCheckoutHandler builds the redirect URLs once from appBaseURL, which
// must not end in a slash.
func NewCheckoutHandler(payments CheckoutCreator, v *core.Validator, appBaseURL string, l *slog.Logger) *CheckoutHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CheckoutHandler{
		payments:  payments,
		validator: v,
		redirects: types.RedirectURLs{
			Success: appBaseURL + "/app/loja?status=success",
			Cancel:  appBaseURL + "/app/loja?status=cancelled",
		},
		logger: l,
	}
}

// RegisterRoutes mounts the checkout endpoint.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout/subscription", h.CreateSubscription)
}

// CreateSubscription validates the request and returns the hosted checkout
// URL. The redirect URLs are server-controlled.
func (h *CheckoutHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	intent := types.NewCheckoutIntent(types.PlanTier(req.Plan), req.UserID)
	session, err := h.payments.CreateCheckoutSession(r.Context(), intent, h.redirects)
	if err != nil {
		types.LoggerFromContext(r.Context(), h.logger).ErrorContext(r.Context(), "checkout session creation failed",
			"plan", req.Plan,
			"user_id", req.UserID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, session)
}
