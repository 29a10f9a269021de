package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stephnangue/wearlink/tokenstore"
)

func (h *handlers) listTokens(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	page, err := h.core.ListTokens(r.Context(), tokenstore.ScanOptions{
		Vendor: q.Get("vendor"),
		Status: tokenstore.Status(q.Get("status")),
		Limit:  limit,
		After:  q.Get("after"),
	})
	if err != nil {
		respondErr(w, r, q.Get("vendor"), err)
		return
	}
	respondOk(w, page)
}

func (h *handlers) getToken(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	sum, err := h.core.GetToken(r.Context(), vendor, chi.URLParam(r, "user_id"))
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondOk(w, sum)
}

func (h *handlers) refreshToken(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	force := parseBool(r.URL.Query().Get("force"))
	sum, err := h.core.RefreshToken(r.Context(), vendor, chi.URLParam(r, "user_id"), force)
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondOk(w, sum)
}

// revokeToken revokes the grant; with purge=true the record and sync
// cursor are deleted as well.
func (h *handlers) revokeToken(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	userID := chi.URLParam(r, "user_id")
	var err error
	if parseBool(r.URL.Query().Get("purge")) {
		err = h.core.DeleteToken(r.Context(), vendor, userID)
	} else {
		err = h.core.RevokeToken(r.Context(), vendor, userID)
	}
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	st, err := h.core.RateLimitStatus(vendor, r.URL.Query().Get("user_id"))
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondOk(w, st)
}

func (h *handlers) rateLimitReset(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	if err := h.core.ResetRateLimit(vendor, r.URL.Query().Get("user_id")); err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listCursors(w http.ResponseWriter, r *http.Request) {
	vendor := r.URL.Query().Get("vendor")
	cursors, err := h.core.SyncCursors(r.Context(), vendor)
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondOk(w, map[string]interface{}{"cursors": cursors})
}
