package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stephnangue/wearlink/core"
	"github.com/stephnangue/wearlink/logger"
)

// webhook reads the raw delivery and acknowledges it with 204 once the
// signature checks out. The publish outcome goes in X-Wearlink-Publish.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook body too large",
				logger.SecurityEvent(),
				logger.Vendor(vendor),
				logger.Int64("limit", tooLarge.Limit))
			respondError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds 1 MiB")
			return
		}
		respondError(w, r, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	receipt, err := h.core.HandleWebhook(r.Context(), vendor, r.Header, body)
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	w.Header().Set("X-Wearlink-Publish", string(receipt.Outcome))
	w.Header().Set("X-Wearlink-Trace-Id", receipt.Event.TraceID)
	w.WriteHeader(http.StatusNoContent)
}

// recentWebhooks lists recorded deliveries, oldest first.
// Query: vendor, type, limit.
func (h *handlers) recentWebhooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	records, err := h.core.RecentWebhooks(core.WebhookQuery{
		Vendor: q.Get("vendor"),
		Type:   q.Get("type"),
		Limit:  limit,
	})
	if err != nil {
		respondErr(w, r, q.Get("vendor"), err)
		return
	}
	respondOk(w, map[string]any{"webhooks": records})
}
