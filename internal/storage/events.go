// Package storage persists the simulator's ride lifecycle event log in
// PostgreSQL. The protocol engine itself never touches storage; the log
// exists so simulated rides can be replayed and inspected.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one entry in a ride's lifecycle log.
type Event struct {
	RideID    string          `json:"rideId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   int64           `json:"actorId,omitempty"`
	ActorRole string          `json:"actorRole,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventLog appends and reads ride lifecycle events.
type EventLog interface {
	Append(ctx context.Context, evt Event) error
	List(ctx context.Context, rideID string, limit, offset int) ([]Event, error)
	Count(ctx context.Context, rideID string) (int, error)
}

// RideLog is the PostgreSQL-backed event log.
type RideLog struct {
	pool *pgxpool.Pool
}

func NewRideLog(pool *pgxpool.Pool) *RideLog {
	return &RideLog{pool: pool}
}

// DefaultPool opens a pgx pool with a bounded connect timeout.
func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the event table if it does not exist.
func (l *RideLog) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS ride_events (
	id BIGSERIAL PRIMARY KEY,
	ride_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB,
	actor_id BIGINT,
	actor_role TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ride_events_ride_idx ON ride_events(ride_id, created_at);
`)
	return err
}

func (l *RideLog) Append(ctx context.Context, evt Event) error {
	if evt.RideID == "" || evt.Type == "" {
		return errors.New("event needs ride id and type")
	}
	created := evt.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := l.pool.Exec(ctx, `
INSERT INTO ride_events (ride_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, evt.RideID, evt.Type, evt.Payload, evt.ActorID, evt.ActorRole, created)
	return err
}

func (l *RideLog) List(ctx context.Context, rideID string, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
SELECT ride_id, event_type, payload, actor_id, actor_role, created_at
FROM ride_events
WHERE ride_id = $1
ORDER BY created_at ASC
LIMIT $2 OFFSET $3
`, rideID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var evt Event
		var actorID *int64
		var actorRole *string
		if err := rows.Scan(&evt.RideID, &evt.Type, &evt.Payload, &actorID, &actorRole, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			evt.ActorID = *actorID
		}
		if actorRole != nil {
			evt.ActorRole = *actorRole
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Count returns how many events a ride has accumulated.
func (l *RideLog) Count(ctx context.Context, rideID string) (int, error) {
	var count int
	err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ride_events WHERE ride_id = $1`, rideID).Scan(&count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	return count, nil
}
