package ledgerhttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/barstock/barstock/internal/shared"
)

const (
	writeRateLimit  = 120
	writeRateWindow = time.Minute
)

// MountRoutes registers the ledger, alert and transfer endpoints. Writes are
// rate limited per actor.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(writeRateLimit, writeRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Get("/ledger", h.handleGetLedger)
	r.Get("/alerts", h.handleListAlerts)
	r.Get("/transfers", h.handleListTransfers)
	r.Get("/transfers/{id}", h.handleGetTransfer)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/ledger", h.handleUpsert)
		gr.Post("/ledger/bulk-upsert", h.handleBulkUpsert)
		gr.Post("/transfers", h.handleCreateTransfer)
		gr.Put("/transfers/{id}/approve", h.handleApproveTransfer)
		gr.Put("/transfers/{id}/reject", h.handleRejectTransfer)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		return "actor:" + strconv.FormatInt(actor, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
