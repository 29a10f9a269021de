package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stephnangue/wearlink/physical"
)

const syncPrefix = "sync/"

// SyncCursor tracks how far data for one (vendor, user) has been pulled.
type SyncCursor struct {
	Vendor         string    `json:"vendor"`
	UserID         string    `json:"user_id"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	RecordsSynced  int64     `json:"records_synced"`
	LastResourceID string    `json:"last_resource_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GetCursor returns nil, nil when the user was never synced.
func (s *Store) GetCursor(ctx context.Context, vendor, userID string) (*SyncCursor, error) {
	c, _, err := s.readCursor(ctx, Key(vendor, userID))
	return c, err
}

// UpdateCursor advances the cursor to syncedAt and adds records to the
// running total. A cursor never moves backwards.
func (s *Store) UpdateCursor(ctx context.Context, vendor, userID string, syncedAt time.Time, records int, lastResourceID string) (*SyncCursor, error) {
	id := Key(vendor, userID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		c, version, err := s.readCursor(ctx, id)
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		if c == nil {
			c = &SyncCursor{Vendor: vendor, UserID: userID, CreatedAt: now}
		}
		if syncedAt.After(c.LastSyncAt) {
			c.LastSyncAt = syncedAt.UTC()
		}
		c.RecordsSynced += int64(records)
		if lastResourceID != "" {
			c.LastResourceID = lastResourceID
		}
		c.UpdatedAt = now

		raw, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		err = s.retry(ctx, "put", func() error {
			_, err := s.backend.Put(ctx, syncPrefix+id, raw, version)
			return err
		})
		if errors.Is(err, physical.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, ErrConflict
}

// ResetCursor forgets the sync position so the next pull is an initial one.
func (s *Store) ResetCursor(ctx context.Context, vendor, userID string) error {
	return s.retry(ctx, "delete", func() error {
		return s.backend.Delete(ctx, syncPrefix+Key(vendor, userID))
	})
}

// ListCursors returns every cursor, optionally for one vendor.
func (s *Store) ListCursors(ctx context.Context, vendor string) ([]*SyncCursor, error) {
	prefix := syncPrefix
	if vendor != "" {
		prefix += vendor + ":"
	}
	var keys []string
	err := s.retry(ctx, "list", func() error {
		var err error
		keys, err = s.backend.List(ctx, prefix, "", 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*SyncCursor, 0, len(keys))
	for _, key := range keys {
		c, _, err := s.readCursor(ctx, strings.TrimPrefix(key, syncPrefix))
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) readCursor(ctx context.Context, id string) (*SyncCursor, uint64, error) {
	var entry *physical.Entry
	err := s.retry(ctx, "get", func() error {
		var err error
		entry, err = s.backend.Get(ctx, syncPrefix+id)
		return err
	})
	if err != nil || entry == nil {
		return nil, 0, err
	}
	var c SyncCursor
	if err := json.Unmarshal(entry.Value, &c); err != nil {
		return nil, 0, fmt.Errorf("decode sync cursor %s: %w", id, err)
	}
	return &c, entry.Version, nil
}
