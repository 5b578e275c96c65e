// Package archive persists session lifecycle events to Postgres. It is an
// optional events listener: the coordination core has no persistence of its
// own, the archive is a write-only history for later inspection.
package archive

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/duocam/duocam/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
    id          UUID PRIMARY KEY,
    session_id  TEXT NOT NULL,
    device_id   TEXT,
    event_type  TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_session_idx ON session_events (session_id, occurred_at);
`

const insertEvent = `
INSERT INTO session_events (id, session_id, device_id, event_type, occurred_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5)
`

// Repository writes session events to Postgres through a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository connects to databaseURL and verifies the connection.
func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// EnsureSchema creates the archive table if it does not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure archive schema: %w", err)
	}
	return nil
}

// HandleSessionEvent inserts one lifecycle event row.
func (r *Repository) HandleSessionEvent(ctx context.Context, ev events.Event) error {
	id := ev.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := r.pool.Exec(ctx, insertEvent, id, ev.SessionID, ev.DeviceID, string(ev.Type), ev.At)
	if err != nil {
		return fmt.Errorf("failed to insert session event: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
	log.Debug().Msg("archive pool closed")
}
