// Package analytics streams journal events into ClickHouse for offline
// analysis. The archiver is a journal recorder that buffers events on a
// channel and batch-inserts them in the background; when the buffer is full
// events are dropped and counted, never blocking the engine.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/perpx/vault-engine/internal/model"
)

// Config locates the ClickHouse instance and tunes batching.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	// Table receiving events. Defaults to vault_events.
	Table string
	// BatchSize triggers a flush when the pending batch reaches it.
	BatchSize int
	// FlushInterval flushes partial batches.
	FlushInterval time.Duration
	// BufferSize is the channel capacity between Record and Run.
	BufferSize int
}

// DefaultConfig returns the production batching defaults. Addr and Auth
// still need to be filled in.
func DefaultConfig() Config {
	return Config{
		Table:         "vault_events",
		BatchSize:     512,
		FlushInterval: 5 * time.Second,
		BufferSize:    8192,
	}
}

// Archiver buffers events and writes them to ClickHouse in batches.
type Archiver struct {
	cfg     Config
	conn    driver.Conn
	ch      chan *model.Event
	dropped atomic.Int64
}

// Open connects to ClickHouse and returns an archiver. Call Run on its own
// goroutine to start flushing.
func Open(ctx context.Context, cfg Config) (*Archiver, error) {
	def := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	a := &Archiver{cfg: cfg, conn: conn, ch: make(chan *model.Event, cfg.BufferSize)}
	if err := a.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archiver) ensureSchema(ctx context.Context) error {
	return a.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq     UInt64,
			id      String,
			time    DateTime64(3),
			type    LowCardinality(String),
			account String,
			token   LowCardinality(String),
			key     String,
			data    String
		)
		ENGINE = MergeTree
		ORDER BY (type, time, seq)
	`, a.cfg.Table))
}

// Record implements the journal recorder. It never blocks: when the buffer
// is full the event is dropped and counted.
func (a *Archiver) Record(_ context.Context, ev *model.Event) {
	copied := *ev
	select {
	case a.ch <- &copied:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (a *Archiver) Dropped() int64 {
	return a.dropped.Load()
}

// Run flushes batches until the context is cancelled, then drains what is
// left in the buffer.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	batch := make([]*model.Event, 0, a.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.ch:
					batch = append(batch, ev)
					continue
				default:
				}
				break
			}
			// The run context is gone; give the final flush its own.
			a.flush(context.Background(), batch)
			return
		case ev := <-a.ch:
			batch = append(batch, ev)
			if len(batch) >= a.cfg.BatchSize {
				a.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (a *Archiver) flush(ctx context.Context, batch []*model.Event) {
	if len(batch) == 0 {
		return
	}
	stmt, err := a.conn.PrepareBatch(ctx, fmt.Sprintf(
		`INSERT INTO %s (seq, id, time, type, account, token, key, data)`, a.cfg.Table))
	if err != nil {
		a.dropped.Add(int64(len(batch)))
		slog.Error("analytics batch prepare failed", "events", len(batch), "err", err)
		return
	}
	for _, ev := range batch {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			data = []byte("{}")
		}
		if err := stmt.Append(uint64(ev.Seq), ev.ID, ev.Time, ev.Type, ev.Account, ev.Token, ev.Key, string(data)); err != nil {
			a.dropped.Add(1)
			slog.Error("analytics append failed", "seq", ev.Seq, "err", err)
		}
	}
	if err := stmt.Send(); err != nil {
		a.dropped.Add(int64(len(batch)))
		slog.Error("analytics batch send failed", "events", len(batch), "err", err)
	}
}

// Close releases the connection. Stop Run first so the drain flush runs.
func (a *Archiver) Close() error {
	return a.conn.Close()
}
