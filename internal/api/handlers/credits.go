package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"rhema/internal/core"
	"rhema/internal/credits"
)

// ConsumeCreditRequest is the body of POST /api/ia/consume-credit.
type ConsumeCreditRequest struct {
	CreditsAvailable *int `json:"creditsAvailable" validate:"required"`
}

// CreditsHandler serves the AI credit check.
type CreditsHandler struct {
	validator *core.Validator
}

// NewCreditsHandler creates a CreditsHandler.
func NewCreditsHandler(v *core.Validator) *CreditsHandler {
	return &CreditsHandler{validator: v}
}

// RegisterRoutes mounts the credit endpoint.
func (h *CreditsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/ia/consume-credit", h.Consume)
}

// Consume deducts one credit from the caller-supplied balance.
func (h *CreditsHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeCreditRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := credits.Consume(*req.CreditsAvailable)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}
