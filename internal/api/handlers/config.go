// Package handlers contains the HTTP handlers for the rhema API. Each handler
// declares the narrow interfaces it depends on and is wired in cmd/api.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"rhema/internal/config"
	"rhema/internal/core"
)

// PublicConfigResponse is the browser-safe subset of configuration. Only
// fields listed here are ever serialized; no credential has a field.
type PublicConfigResponse struct {
	Adsense          AdsenseConfig `json:"adsense"`
	MasterAdminEmail string        `json:"masterAdminEmail"`
	BibleAPIBaseURL  string        `json:"bibleApiBaseUrl"`
}

// AdsenseConfig identifies the ad client and its placements.
type AdsenseConfig struct {
	ClientID string       `json:"clientId"`
	Slots    AdsenseSlots `json:"slots"`
}

// AdsenseSlots are the ad slot IDs per page.
type AdsenseSlots struct {
	Home  string `json:"home"`
	Bible string `json:"bible"`
	Feed  string `json:"feed"`
}

// PublicConfigHandler serves GET /api/config.
type PublicConfigHandler struct {
	body PublicConfigResponse
}

// NewPublicConfigHandler snapshots the public fields of cfg.
func NewPublicConfigHandler(cfg *config.Config) *PublicConfigHandler {
	return &PublicConfigHandler{body: PublicConfigResponse{
		Adsense: AdsenseConfig{
			ClientID: cfg.Public.AdsenseClientID,
			Slots: AdsenseSlots{
				Home:  cfg.Public.AdsenseSlotHome,
				Bible: cfg.Public.AdsenseSlotBible,
				Feed:  cfg.Public.AdsenseSlotFeed,
			},
		},
		MasterAdminEmail: cfg.Public.MasterAdminEmail,
		BibleAPIBaseURL:  cfg.Public.BibleAPIBaseURL,
	}}
}

// RegisterRoutes mounts the config endpoint.
func (h *PublicConfigHandler) RegisterRoutes(r chi.Router) {
	r.Get("/config", h.Get)
}

// Get writes the public configuration.
func (h *PublicConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, h.body)
}
