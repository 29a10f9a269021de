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
	fitbitDate        = "2006-01-02"
	fitbitMaxPageSize = 100
	// fitbitMaxRange is the longest date range of the time-series endpoints.
	fitbitMaxRange = 30 * 24 * time.Hour
)

// fitbitList describes a list endpoint paged by offset.
type fitbitList struct {
	path string
	key  string
	id   string
	time string
}

var fitbitLists = map[string]fitbitList{
	"activities": {path: "/1/user/-/activities/list.json", key: "activities", id: "logId", time: "startTime"},
	"sleep":      {path: "/1.2/user/-/sleep/list.json", key: "sleep", id: "logId", time: "startTime"},
}

// Fitbit is the Fitbit Web API.
type Fitbit struct{}

func (Fitbit) Vendor() string { return "fitbit" }

func (Fitbit) Defaults() connector.Defaults {
	return connector.Defaults{
		BaseURL:   "https://api.fitbit.com",
		AuthURL:   "https://www.fitbit.com/oauth2/authorize",
		TokenURL:  "https://api.fitbit.com/oauth2/token",
		RevokeURL: "https://api.fitbit.com/oauth2/revoke",
		Scopes:    []string{"activity", "heartrate", "sleep", "profile"},
		AuthStyle: oauth2.AuthStyleInHeader,
		// 150 requests per user per hour
		RateLimit: ratelimit.Policy{
			Vendor: ratelimit.Bucket{Capacity: 150, RefillPerSecond: 150.0 / 3600},
			User:   ratelimit.Bucket{Capacity: 30, RefillPerSecond: 30.0 / 3600},
		},
		PageSize: fitbitMaxPageSize,
	}
}

func (Fitbit) WebhookScheme() webhook.Scheme {
	return webhook.Scheme{
		SignatureHeader: "X-Fitbit-Signature",
		TimestampHeader: "X-Fitbit-Timestamp",
		Encoding:        webhook.EncodingBase64,
		Separator:       ".",
	}
}

// ParseEvent reads a subscription notification list:
// [{"collectionType": "sleep", "date": "2026-01-02", "ownerId": "ABC", "subscriptionId": "1"}].
func (Fitbit) ParseEvent(raw []byte) (*webhook.Event, error) {
	var notes []struct {
		CollectionType string `json:"collectionType"`
		Date           string `json:"date"`
		OwnerID        string `json:"ownerId"`
		SubscriptionID string `json:"subscriptionId"`
	}
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}
	if obj, ok := doc.(map[string]interface{}); ok {
		doc = []interface{}{obj}
	}
	if err := weakDecode(doc, &notes); err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, errors.New("fitbit notification list is empty")
	}
	n := notes[0]
	if n.OwnerID == "" || n.CollectionType == "" {
		return nil, errors.New("fitbit notification requires ownerId and collectionType")
	}
	ev := &webhook.Event{
		UserID:     n.OwnerID,
		EventType:  n.CollectionType + ".updated",
		ResourceID: n.Date,
		TraceID:    webhook.DeriveTraceID("fitbit", n.OwnerID, n.CollectionType, n.Date, n.SubscriptionID),
	}
	if d, err := time.Parse(fitbitDate, n.Date); err == nil {
		ev.OccurredAt = d
	}
	return ev, nil
}

func (Fitbit) ResourceTypes() []string {
	return []string{"activities", "heartrate", "sleep"}
}

// ResourcePath looks activities and sleep up by log id and heart rate by
// date.
func (Fitbit) ResourcePath(resourceType, id string) (string, error) {
	if id == "" {
		return "", errors.New("resource id is required")
	}
	switch resourceType {
	case "activities":
		return "/1/user/-/activities/" + url.PathEscape(id) + ".json", nil
	case "sleep":
		return "/1.2/user/-/sleep/" + url.PathEscape(id) + ".json", nil
	case "heartrate":
		if _, err := time.Parse(fitbitDate, id); err != nil {
			return "", fmt.Errorf("heartrate id must be a date: %w", err)
		}
		return "/1/user/-/activities/heart/date/" + id + "/1d.json", nil
	}
	return "", fmt.Errorf("%w: fitbit %s", connector.ErrUnsupportedResource, resourceType)
}

// CollectionRequest pages list endpoints by offset and reads heart rate as
// one date range.
func (Fitbit) CollectionRequest(resourceType string, q connector.Query) (*connector.Request, error) {
	until := q.Until
	if until.IsZero() {
		until = time.Now()
	}
	since := q.Since
	if since.IsZero() {
		since = until.Add(-fitbitMaxRange)
	}

	if resourceType == "heartrate" {
		if until.Sub(since) > fitbitMaxRange {
			since = until.Add(-fitbitMaxRange)
		}
		path := fmt.Sprintf("/1/user/-/activities/heart/date/%s/%s.json",
			since.UTC().Format(fitbitDate), until.UTC().Format(fitbitDate))
		return &connector.Request{Path: path}, nil
	}

	l, ok := fitbitLists[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: fitbit %s", connector.ErrUnsupportedResource, resourceType)
	}
	size := q.PageSize
	if size <= 0 || size > fitbitMaxPageSize {
		size = fitbitMaxPageSize
	}
	offset := 0
	if q.PageToken != "" {
		n, err := strconv.Atoi(q.PageToken)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid fitbit page token %q", q.PageToken)
		}
		offset = n
	}
	v := url.Values{}
	v.Set("afterDate", since.UTC().Format(fitbitDate))
	v.Set("sort", "asc")
	v.Set("limit", strconv.Itoa(size))
	v.Set("offset", strconv.Itoa(offset))
	return &connector.Request{Path: l.path, Query: v}, nil
}

func (Fitbit) ParseCollection(resourceType string, body []byte) (*connector.Page, error) {
	if resourceType == "heartrate" {
		var resp struct {
			Days json.RawMessage `json:"activities-heart"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		items, err := rawItems(resp.Days)
		if err != nil {
			return nil, err
		}
		page := &connector.Page{}
		for _, item := range items {
			var day struct {
				DateTime string `json:"dateTime"`
			}
			if err := decodeLoose(item, &day); err != nil {
				return nil, err
			}
			rec := connector.Record{ResourceID: day.DateTime, Data: item}
			rec.Timestamp, _ = time.Parse(fitbitDate, day.DateTime)
			page.Records = append(page.Records, rec)
		}
		return page, nil
	}

	l, ok := fitbitLists[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: fitbit %s", connector.ErrUnsupportedResource, resourceType)
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	items, err := rawItems(resp[l.key])
	if err != nil {
		return nil, err
	}
	page := &connector.Page{}
	for _, item := range items {
		doc, err := parseDocument(item)
		if err != nil {
			return nil, err
		}
		m, _ := doc.(map[string]interface{})
		rec := connector.Record{Data: item}
		if id, ok := m[l.id]; ok && id != nil {
			rec.ResourceID = fmt.Sprint(id)
		}
		if ts, ok := m[l.time].(string); ok {
			rec.Timestamp, _ = time.Parse("2006-01-02T15:04:05.000", ts)
		}
		page.Records = append(page.Records, rec)
	}

	if raw, ok := resp["pagination"]; ok {
		var pag struct {
			Next string `json:"next"`
		}
		if err := json.Unmarshal(raw, &pag); err != nil {
			return nil, err
		}
		if pag.Next != "" {
			u, err := url.Parse(pag.Next)
			if err != nil {
				return nil, fmt.Errorf("invalid fitbit pagination link: %w", err)
			}
			page.NextToken = u.Query().Get("offset")
		}
	}
	return page, nil
}
