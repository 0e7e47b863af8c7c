// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/perpx/vault-engine/internal/journal"
	"github.com/perpx/vault-engine/internal/model"
)

// ErrNoSnapshot is returned when no engine snapshot has been persisted yet.
var ErrNoSnapshot = errors.New("store: no snapshot available")

// EventFilter narrows a journal query. Zero fields are ignored.
type EventFilter struct {
	Account  string
	Token    string
	Type     string
	AfterSeq int64
	Limit    int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Immutable journal ---

	// InsertEvent appends one journal event.
	InsertEvent(ctx context.Context, ev *model.Event) error

	// ListEvents returns events matching the filter in sequence order.
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)

	// LastEventSeq returns the highest stored sequence number, zero when
	// the journal is empty. The engine seeds its sequence from it on boot.
	LastEventSeq(ctx context.Context) (int64, error)

	// --- Engine snapshots ---

	// SaveSnapshot persists a point-in-time engine snapshot.
	SaveSnapshot(ctx context.Context, snap *model.EngineSnapshot) error

	// LoadLatestSnapshot returns the most recent snapshot, or ErrNoSnapshot.
	LoadLatestSnapshot(ctx context.Context) (*model.EngineSnapshot, error)
}

// NewJournalRecorder adapts a store into a journal recorder. Insert failures
// are logged, not propagated; the engine never stalls on persistence.
func NewJournalRecorder(s Store) journal.Recorder {
	return journal.RecorderFunc(func(ctx context.Context, ev *model.Event) {
		if err := s.InsertEvent(ctx, ev); err != nil {
			slog.Error("event insert failed", "type", ev.Type, "seq", ev.Seq, "err", err)
		}
	})
}
