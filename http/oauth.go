package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	q := r.URL.Query()
	auth, err := h.core.Authorize(vendor, q.Get("redirect_uri"), q.Get("state"))
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondOk(w, auth)
}

// callback completes the consent flow. Parameters come from the query
// string or a form body; the caller's user id travels as user_id.
func (h *handlers) callback(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	if err := r.ParseForm(); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "unreadable form: "+err.Error())
		return
	}
	if vendorErr := r.Form.Get("error"); vendorErr != "" {
		msg := vendorErr
		if desc := r.Form.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		writeError(w, r, &APIError{Code: "oauth_error", Message: msg, Vendor: vendor, status: http.StatusBadRequest})
		return
	}

	sum, err := h.core.CompleteAuthorization(r.Context(), vendor, r.Form.Get("user_id"), r.Form.Get("code"), r.Form.Get("redirect_uri"))
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondOk(w, map[string]interface{}{
		"token": sum,
		"state": r.Form.Get("state"),
	})
}
