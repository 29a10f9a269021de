package drivers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stephnangue/wearlink/connector"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/webhook"
)

// garminWindow is the longest upload range the wellness API accepts per
// request.
const garminWindow = 24 * time.Hour

// garminBackfillLimit is how far back summaries can be pulled.
const garminBackfillLimit = 90 * garminWindow

var garminResources = []string{"activities", "dailies", "epochs", "sleeps", "stressDetails"}

// Garmin is the Garmin Health (wellness) API. Collections are paged by
// upload-time window rather than by token.
type Garmin struct{}

func (Garmin) Vendor() string { return "garmin" }

func (Garmin) Defaults() connector.Defaults {
	return connector.Defaults{
		BaseURL:   "https://apis.garmin.com/wellness-api/rest",
		AuthURL:   "https://connect.garmin.com/oauthConfirm",
		TokenURL:  "https://connectapi.garmin.com/oauth-service/oauth/exchange/user/2.0",
		Scopes:    []string{"wellness"},
		AuthStyle: oauth2.AuthStyleInParams,
		// 200 requests per minute with bursts of 250
		RateLimit: ratelimit.Policy{
			Vendor: ratelimit.Bucket{Capacity: 250, RefillPerSecond: 200.0 / 60},
			User:   ratelimit.Bucket{Capacity: 50, RefillPerSecond: 40.0 / 60},
		},
		PageSize: 100,
	}
}

func (Garmin) WebhookScheme() webhook.Scheme {
	return webhook.Scheme{
		SignatureHeader: "X-Garmin-Signature",
		TimestampHeader: "X-Garmin-Timestamp",
		Encoding:        webhook.EncodingHex,
		Separator:       ".",
	}
}

// ParseEvent reads a push notification, a map of summary type to summaries:
// {"dailies": [{"userId": "...", "summaryId": "...", ...}]}. The first
// non-empty summary list determines the event.
func (Garmin) ParseEvent(raw []byte) (*webhook.Event, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	kinds := make([]string, 0, len(body))
	for k := range body {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		items, err := rawItems(body[kind])
		if err != nil || len(items) == 0 {
			continue
		}
		var first struct {
			UserID             string `json:"userId"`
			SummaryID          string `json:"summaryId"`
			StartTimeInSeconds int64  `json:"startTimeInSeconds"`
		}
		if err := decodeLoose(items[0], &first); err != nil {
			return nil, fmt.Errorf("garmin %s notification: %w", kind, err)
		}
		if first.UserID == "" {
			return nil, fmt.Errorf("garmin %s notification has no userId", kind)
		}
		ev := &webhook.Event{
			UserID:     first.UserID,
			EventType:  garminEventType(kind),
			ResourceID: first.SummaryID,
		}
		if first.StartTimeInSeconds > 0 {
			ev.OccurredAt = time.Unix(first.StartTimeInSeconds, 0).UTC()
		}
		if first.SummaryID != "" {
			ev.TraceID = webhook.DeriveTraceID("garmin", kind, first.UserID, first.SummaryID)
		}
		return ev, nil
	}
	return nil, errors.New("garmin notification has no summaries")
}

func garminEventType(kind string) string {
	switch kind {
	case "deregistrations":
		return "user.deregistered"
	case "userPermissionsChange":
		return "user.permissions_changed"
	}
	return strings.ToLower(kind) + ".updated"
}

func (Garmin) ResourceTypes() []string {
	return append([]string(nil), garminResources...)
}

// ResourcePath is unsupported: the wellness API has no item lookup.
func (Garmin) ResourcePath(resourceType, id string) (string, error) {
	return "", fmt.Errorf("%w: garmin has no lookup by id for %s", connector.ErrUnsupportedResource, resourceType)
}

// CollectionRequest covers at most one day starting at the page token (a
// unix time) or at Since. Next points at the following window.
func (Garmin) CollectionRequest(resourceType string, q connector.Query) (*connector.Request, error) {
	if !contains(garminResources, resourceType) {
		return nil, fmt.Errorf("%w: garmin %s", connector.ErrUnsupportedResource, resourceType)
	}
	until := q.Until
	if until.IsZero() {
		until = time.Now()
	}
	start := q.Since
	if q.PageToken != "" {
		secs, err := strconv.ParseInt(q.PageToken, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid garmin page token %q", q.PageToken)
		}
		start = time.Unix(secs, 0)
	}
	switch {
	case start.IsZero():
		start = until.Add(-garminWindow)
	case until.Sub(start) > garminBackfillLimit:
		start = until.Add(-garminBackfillLimit)
	}
	end := start.Add(garminWindow)
	next := ""
	if end.Before(until) {
		next = unixString(end)
	} else {
		end = until
	}

	v := url.Values{}
	v.Set("uploadStartTimeInSeconds", unixString(start))
	v.Set("uploadEndTimeInSeconds", unixString(end))
	return &connector.Request{Path: "/" + resourceType, Query: v, Next: next}, nil
}

func (Garmin) ParseCollection(resourceType string, body []byte) (*connector.Page, error) {
	items, err := rawItems(body)
	if err != nil {
		return nil, err
	}
	page := &connector.Page{}
	for _, item := range items {
		var meta struct {
			SummaryID          string `json:"summaryId"`
			StartTimeInSeconds int64  `json:"startTimeInSeconds"`
		}
		if err := decodeLoose(item, &meta); err != nil {
			return nil, fmt.Errorf("garmin %s summary: %w", resourceType, err)
		}
		rec := connector.Record{ResourceID: meta.SummaryID, Data: item}
		if meta.StartTimeInSeconds > 0 {
			rec.Timestamp = time.Unix(meta.StartTimeInSeconds, 0).UTC()
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (Garmin) ProfilePath() string {
	return "/user/id"
}

func (Garmin) ParseProfile(body []byte) (string, error) {
	var p struct {
		UserID string `json:"userId"`
	}
	if err := decodeLoose(body, &p); err != nil {
		return "", err
	}
	if p.UserID == "" {
		return "", errors.New("garmin user id response has no userId")
	}
	return p.UserID, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
