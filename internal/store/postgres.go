package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpx/vault-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Event payloads and snapshots are stored as JSONB; decimal strings inside
// them keep exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			seq     BIGINT PRIMARY KEY,
			id      TEXT NOT NULL,
			time    TIMESTAMPTZ NOT NULL,
			type    TEXT NOT NULL,
			account TEXT NOT NULL DEFAULT '',
			token   TEXT NOT NULL DEFAULT '',
			key     TEXT NOT NULL DEFAULT '',
			data    JSONB NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS events_account_idx ON events (account, seq);
		CREATE INDEX IF NOT EXISTS events_type_idx ON events (type, seq);

		CREATE TABLE IF NOT EXISTS snapshots (
			seq   BIGINT PRIMARY KEY,
			time  TIMESTAMPTZ NOT NULL,
			state JSONB NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (seq, id, time, type, account, token, key, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB)`,
		ev.Seq, ev.ID, ev.Time, ev.Type, ev.Account, ev.Token, ev.Key, string(data),
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	query := `SELECT seq, id, time, type, account, token, key, data::TEXT FROM events`
	var conds []string
	var args []any
	if filter.Account != "" {
		args = append(args, filter.Account)
		conds = append(conds, fmt.Sprintf("account = $%d", len(args)))
	}
	if filter.Token != "" {
		args = append(args, filter.Token)
		conds = append(conds, fmt.Sprintf("token = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.AfterSeq > 0 {
		args = append(args, filter.AfterSeq)
		conds = append(conds, fmt.Sprintf("seq > $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var data string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Time, &ev.Type, &ev.Account, &ev.Token, &ev.Key, &data); err != nil {
			return nil, err
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event %d data: %w", ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) LastEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.EngineSnapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	// Two snapshots at the same sequence describe the same state; keep the
	// newer capture.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (seq, time, state)
		 VALUES ($1, $2, $3::JSONB)
		 ON CONFLICT (seq) DO UPDATE SET time = EXCLUDED.time, state = EXCLUDED.state`,
		snap.Seq, snap.Time, string(state),
	)
	return err
}

func (s *PostgresStore) LoadLatestSnapshot(ctx context.Context) (*model.EngineSnapshot, error) {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state::TEXT FROM snapshots ORDER BY seq DESC LIMIT 1`).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	var snap model.EngineSnapshot
	if err := json.Unmarshal([]byte(state), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
