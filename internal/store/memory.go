package store

import (
	"context"
	"sync"

	"github.com/perpx/vault-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	events    []model.Event
	snapshots []*model.EngineSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *ev
	if ev.Data != nil {
		copied.Data = make(map[string]string, len(ev.Data))
		for k, v := range ev.Data {
			copied.Data[k] = v
		}
	}
	s.events = append(s.events, copied)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, ev := range s.events {
		if filter.Account != "" && ev.Account != filter.Account {
			continue
		}
		if filter.Token != "" && ev.Token != filter.Token {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.AfterSeq > 0 && ev.Seq <= filter.AfterSeq {
			continue
		}
		result = append(result, ev)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) LastEventSeq(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for _, ev := range s.events {
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.EngineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *snap
	s.snapshots = append(s.snapshots, &copied)
	return nil
}

func (s *MemoryStore) LoadLatestSnapshot(_ context.Context) (*model.EngineSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return nil, ErrNoSnapshot
	}
	latest := s.snapshots[0]
	for _, snap := range s.snapshots[1:] {
		if snap.Seq >= latest.Seq {
			latest = snap
		}
	}
	copied := *latest
	return &copied, nil
}
