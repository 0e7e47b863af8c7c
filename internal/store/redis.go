package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpx/vault-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	if err := s.primary.InsertEvent(ctx, ev); err != nil {
		return err
	}
	// Invalidate the account's event list; next read will re-populate.
	if ev.Account != "" {
		s.rdb.Del(ctx, eventsKey(ev.Account))
	}
	return nil
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.EngineSnapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

// --- Read-through (check cache first) ---

// ListEvents caches only plain per-account queries; filtered queries go to
// the primary.
func (s *CachedStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	cacheable := filter.Account != "" && filter.Token == "" && filter.Type == "" &&
		filter.AfterSeq == 0 && filter.Limit == 0
	if !cacheable {
		return s.primary.ListEvents(ctx, filter)
	}

	data, err := s.rdb.Get(ctx, eventsKey(filter.Account)).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := s.primary.ListEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, eventsKey(filter.Account), data, s.ttl)
	}
	return events, nil
}

func (s *CachedStore) LoadLatestSnapshot(ctx context.Context) (*model.EngineSnapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey()).Bytes()
	if err == nil {
		var snap model.EngineSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LastEventSeq(ctx context.Context) (int64, error) {
	return s.primary.LastEventSeq(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.EngineSnapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(), data, s.ttl)
	}
}

func eventsKey(account string) string { return fmt.Sprintf("events:%s", account) }
func snapshotKey() string             { return "snapshot:latest" }
