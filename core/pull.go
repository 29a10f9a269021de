package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-secure-stdlib/strutil"
	"golang.org/x/sync/errgroup"

	"github.com/stephnangue/wearlink/connector"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/tokenstore"
)

// initialSyncWindow is how far back a user's first pull reaches.
const initialSyncWindow = 7 * 24 * time.Hour

type PullType string

const (
	PullInitial     PullType = "initial"
	PullIncremental PullType = "incremental"
	PullManual      PullType = "manual"
)

// PullRequest asks for one user's data. Zero fields take defaults: every
// resource type of the vendor, since the sync cursor, until now.
type PullRequest struct {
	Vendor        string    `json:"vendor"`
	UserID        string    `json:"user_id"`
	ResourceTypes []string  `json:"resource_types,omitempty"`
	Since         time.Time `json:"since,omitzero"`
	Until         time.Time `json:"until,omitzero"`
	Limit         int       `json:"limit,omitempty"`
}

// PullResult holds the records per resource type. A type that failed has
// an entry in Errors and whatever records were fetched before the failure.
type PullResult struct {
	Vendor    string                        `json:"vendor"`
	UserID    string                        `json:"user_id"`
	PullType  PullType                      `json:"pull_type"`
	Since     time.Time                     `json:"since"`
	Until     time.Time                     `json:"until"`
	Records   map[string][]connector.Record `json:"records"`
	Errors    map[string]string             `json:"errors,omitempty"`
	Total     int                           `json:"total"`
	Truncated bool                          `json:"truncated,omitempty"`
	// CursorAdvanced reports whether the sync cursor moved to Until.
	CursorAdvanced bool `json:"cursor_advanced"`

	errs map[string]error
}

// Err returns the error of the first failed type in name order.
func (r *PullResult) Err() error {
	types := make([]string, 0, len(r.errs))
	for t := range r.errs {
		types = append(types, t)
	}
	sort.Strings(types)
	if len(types) == 0 {
		return nil
	}
	return r.errs[types[0]]
}

// PullData fetches the requested resource types concurrently. The sync
// cursor advances only when a cursor-driven pull fetched every type in
// full. When no type succeeds the first error is returned along with the
// result.
func (c *Core) PullData(ctx context.Context, req PullRequest) (*PullResult, error) {
	conn, err := c.Connector(req.Vendor)
	if err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, invalid("user_id is required")
	}
	if req.Limit < 0 {
		return nil, invalid("limit must not be negative")
	}

	types := req.ResourceTypes
	if len(types) == 0 {
		types = conn.Driver().ResourceTypes()
	}
	types = strutil.RemoveDuplicatesStable(types, false)
	supported := conn.Driver().ResourceTypes()
	for _, t := range types {
		if !strutil.StrListContains(supported, t) {
			return nil, invalid("%s does not serve %q (supported: %v)", req.Vendor, t, supported)
		}
	}

	until := req.Until
	if until.IsZero() {
		until = c.now()
	}
	since, pullType, err := c.pullWindow(ctx, req, until)
	if err != nil {
		return nil, err
	}
	if !since.Before(until) {
		if pullType == PullIncremental {
			// already synced past until
			return &PullResult{Vendor: req.Vendor, UserID: req.UserID, PullType: pullType, Since: since, Until: until, Records: map[string][]connector.Record{}}, nil
		}
		return nil, invalid("since must be before until")
	}

	// Fail fast on a missing or unusable grant instead of once per type.
	if _, err := conn.RefreshIfNeeded(ctx, req.UserID); err != nil {
		return nil, err
	}

	result := &PullResult{
		Vendor:   req.Vendor,
		UserID:   req.UserID,
		PullType: pullType,
		Since:    since,
		Until:    until,
		Records:  make(map[string][]connector.Record, len(types)),
		errs:     make(map[string]error),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.pullConcurrency)
	for _, t := range types {
		g.Go(func() error {
			records, err := conn.FetchCollection(ctx, req.UserID, t, connector.CollectionQuery{
				Since: since,
				Until: until,
				Limit: req.Limit,
			})
			mu.Lock()
			defer mu.Unlock()
			result.Records[t] = records
			result.Total += len(records)
			if req.Limit > 0 && len(records) >= req.Limit {
				result.Truncated = true
			}
			if err != nil {
				result.errs[t] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(result.errs) > 0 {
		result.Errors = make(map[string]string, len(result.errs))
		for t, err := range result.errs {
			result.Errors[t] = err.Error()
			c.logger.Warn("pull failed for resource type",
				logger.Vendor(req.Vendor),
				logger.User(req.UserID),
				logger.String("resource", t),
				logger.Err(err))
		}
	}

	bookkeeping := context.WithoutCancel(ctx)
	if err := c.store.Touch(bookkeeping, req.Vendor, req.UserID, tokenstore.TouchPull); err != nil {
		c.logger.Debug("recording pull time failed", logger.Vendor(req.Vendor), logger.User(req.UserID), logger.Err(err))
	}
	if pullType != PullManual && len(result.errs) == 0 && !result.Truncated {
		if _, err := c.store.UpdateCursor(bookkeeping, req.Vendor, req.UserID, until, result.Total, latestResourceID(result.Records)); err != nil {
			c.logger.Warn("advancing sync cursor failed", logger.Vendor(req.Vendor), logger.User(req.UserID), logger.Err(err))
		} else {
			result.CursorAdvanced = true
		}
	}

	c.logger.Info("pull finished",
		logger.Vendor(req.Vendor),
		logger.User(req.UserID),
		logger.String("pull_type", string(pullType)),
		logger.Int("records", result.Total),
		logger.Int("failed_types", len(result.errs)))

	if len(result.errs) == len(types) {
		return result, result.Err()
	}
	return result, nil
}

// pullWindow picks the start of the pull: an explicit since is a manual
// pull, otherwise the cursor decides between initial and incremental.
func (c *Core) pullWindow(ctx context.Context, req PullRequest, until time.Time) (time.Time, PullType, error) {
	if !req.Since.IsZero() {
		return req.Since, PullManual, nil
	}
	cursor, err := c.store.GetCursor(ctx, req.Vendor, req.UserID)
	if err != nil {
		return time.Time{}, "", err
	}
	if cursor == nil || cursor.LastSyncAt.IsZero() {
		return until.Add(-initialSyncWindow), PullInitial, nil
	}
	return cursor.LastSyncAt, PullIncremental, nil
}

func latestResourceID(byType map[string][]connector.Record) string {
	var (
		id     string
		latest time.Time
	)
	for _, records := range byType {
		for _, r := range records {
			if r.ResourceID != "" && !r.Timestamp.Before(latest) {
				id, latest = r.ResourceID, r.Timestamp
			}
		}
	}
	return id
}
