package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stephnangue/wearlink/core"
)

// PullBody is the optional JSON body of a pull. Since and until take
// RFC 3339 timestamps or durations back from now.
type PullBody struct {
	ResourceTypes []string `json:"resource_types"`
	Since         string   `json:"since"`
	Until         string   `json:"until"`
	Limit         int      `json:"limit"`
}

type BackfillBody struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *handlers) window(since, until string) (time.Time, time.Time, error) {
	now := h.now()
	s, err := parseTime(since, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	u, err := parseTime(until, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return s, u, nil
}

func (h *handlers) pull(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	var body PullBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "invalid pull body: "+err.Error())
		return
	}
	since, until, err := h.window(body.Since, body.Until)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "since and until must be RFC 3339 timestamps or durations")
		return
	}

	res, err := h.core.PullData(r.Context(), core.PullRequest{
		Vendor:        vendor,
		UserID:        chi.URLParam(r, "user_id"),
		ResourceTypes: body.ResourceTypes,
		Since:         since,
		Until:         until,
		Limit:         body.Limit,
	})
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondOk(w, res)
}

func (h *handlers) backfill(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	var body BackfillBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "invalid backfill body: "+err.Error())
		return
	}
	since, until, err := h.window(body.Since, body.Until)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "since and until must be RFC 3339 timestamps or durations")
		return
	}

	receipt, err := h.core.Backfill(r.Context(), vendor, chi.URLParam(r, "user_id"), since, until)
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

func (h *handlers) fetch(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	userID := chi.URLParam(r, "user_id")
	resourceType := chi.URLParam(r, "resource_type")
	resourceID := chi.URLParam(r, "resource_id")

	data, err := h.core.FetchResource(r.Context(), vendor, userID, resourceType, resourceID)
	if err != nil {
		respondErr(w, r, vendor, err)
		return
	}
	respondOk(w, map[string]interface{}{
		"vendor":        vendor,
		"user_id":       userID,
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"data":          data,
	})
}
