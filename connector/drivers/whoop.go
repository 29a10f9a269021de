package drivers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/stephnangue/wearlink/connector"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/webhook"
)

const (
	whoopAPI         = "/developer/v2"
	whoopMaxPageSize = 25
)

type whoopResource struct {
	collection string
	single     string
}

var whoopResources = map[string]whoopResource{
	"cycle":    {collection: "/cycle", single: "/cycle/%s"},
	"recovery": {collection: "/recovery", single: "/cycle/%s/recovery"},
	"sleep":    {collection: "/activity/sleep", single: "/activity/sleep/%s"},
	"workout":  {collection: "/activity/workout", single: "/activity/workout/%s"},
}

// Whoop is the WHOOP developer API v2.
type Whoop struct{}

func (Whoop) Vendor() string { return "whoop" }

func (Whoop) Defaults() connector.Defaults {
	return connector.Defaults{
		BaseURL:   "https://api.prod.whoop.com",
		AuthURL:   "https://api.prod.whoop.com/oauth/oauth2/auth",
		TokenURL:  "https://api.prod.whoop.com/oauth/oauth2/token",
		Scopes:    []string{"read:recovery", "read:sleep", "read:workout", "read:cycles", "read:profile", "offline"},
		AuthStyle: oauth2.AuthStyleInParams,
		// 100 requests per minute
		RateLimit: ratelimit.Policy{
			Vendor: ratelimit.Bucket{Capacity: 100, RefillPerSecond: 100.0 / 60},
			User:   ratelimit.Bucket{Capacity: 20, RefillPerSecond: 20.0 / 60},
		},
		PageSize: whoopMaxPageSize,
	}
}

func (Whoop) WebhookScheme() webhook.Scheme {
	return webhook.Scheme{
		SignatureHeader: "X-WHOOP-Signature",
		TimestampHeader: "X-WHOOP-Signature-Timestamp",
		Encoding:        webhook.EncodingHex,
		Separator:       ".",
	}
}

// ParseEvent reads {"user_id": 10129, "id": "...", "type": "recovery.updated", "trace_id": "..."}.
func (Whoop) ParseEvent(raw []byte) (*webhook.Event, error) {
	var body struct {
		UserID  string `json:"user_id"`
		ID      string `json:"id"`
		Type    string `json:"type"`
		TraceID string `json:"trace_id"`
	}
	if err := decodeLoose(raw, &body); err != nil {
		return nil, err
	}
	if body.UserID == "" || body.Type == "" {
		return nil, errors.New("whoop event requires user_id and type")
	}
	ev := &webhook.Event{
		UserID:     body.UserID,
		EventType:  body.Type,
		ResourceID: body.ID,
		TraceID:    body.TraceID,
	}
	if ev.TraceID == "" && body.ID != "" {
		ev.TraceID = webhook.DeriveTraceID("whoop", body.UserID, body.Type, body.ID)
	}
	return ev, nil
}

func (Whoop) ResourceTypes() []string {
	return []string{"cycle", "recovery", "sleep", "workout"}
}

func (Whoop) ResourcePath(resourceType, id string) (string, error) {
	r, ok := whoopResources[resourceType]
	if !ok {
		return "", fmt.Errorf("%w: whoop %s", connector.ErrUnsupportedResource, resourceType)
	}
	if id == "" {
		return "", errors.New("resource id is required")
	}
	return whoopAPI + fmt.Sprintf(r.single, url.PathEscape(id)), nil
}

func (Whoop) CollectionRequest(resourceType string, q connector.Query) (*connector.Request, error) {
	r, ok := whoopResources[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: whoop %s", connector.ErrUnsupportedResource, resourceType)
	}
	size := q.PageSize
	if size <= 0 || size > whoopMaxPageSize {
		size = whoopMaxPageSize
	}
	v := url.Values{}
	v.Set("limit", strconv.Itoa(size))
	if !q.Since.IsZero() {
		v.Set("start", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("end", q.Until.UTC().Format(time.RFC3339))
	}
	if q.PageToken != "" {
		v.Set("nextToken", q.PageToken)
	}
	return &connector.Request{Path: whoopAPI + r.collection, Query: v}, nil
}

func (Whoop) ParseCollection(resourceType string, body []byte) (*connector.Page, error) {
	var resp struct {
		Records   json.RawMessage `json:"records"`
		NextToken string          `json:"next_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	items, err := rawItems(resp.Records)
	if err != nil {
		return nil, err
	}
	page := &connector.Page{NextToken: resp.NextToken}
	for _, item := range items {
		var meta struct {
			ID        string    `json:"id"`
			CycleID   string    `json:"cycle_id"`
			Start     time.Time `json:"start"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := decodeLoose(item, &meta); err != nil {
			return nil, fmt.Errorf("whoop %s record: %w", resourceType, err)
		}
		rec := connector.Record{ResourceID: meta.ID, Timestamp: meta.Start, Data: item}
		if resourceType == "recovery" {
			rec.ResourceID = meta.CycleID
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = meta.CreatedAt
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (Whoop) ProfilePath() string {
	return whoopAPI + "/user/profile/basic"
}

func (Whoop) ParseProfile(body []byte) (string, error) {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := decodeLoose(body, &p); err != nil {
		return "", err
	}
	if p.UserID == "" {
		return "", errors.New("profile has no user_id")
	}
	return p.UserID, nil
}
