package readapi

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the read endpoints on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/cycle/status", h.handleCycleStatus)
	r.Get("/balances/{entityID}", h.handleBalance)
	r.Get("/audit", h.handleAuditTrail)
	r.Get("/valuation", h.handleValuation)
}
