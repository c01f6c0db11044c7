// Package catalog provides the event catalog and social graph collaborators.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/livemap/internal/livemap/domain"
	"github.com/example/livemap/internal/outbox"
)

// Schema creates the tables read by the Postgres collaborators.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	uid           TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	location_name TEXT NOT NULL DEFAULT '',
	starts_at     TIMESTAMPTZ,
	visible       BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE IF NOT EXISTS friendships (
	user_id   TEXT NOT NULL,
	friend_id TEXT NOT NULL,
	PRIMARY KEY (user_id, friend_id)
);
`

// EnsureSchema applies Schema and the outbox table.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema+outbox.Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresEvents reads visible events.
type PostgresEvents struct {
	db *sql.DB
}

// NewPostgresEvents constructs the catalog over db, which should be opened
// with the pgx driver.
func NewPostgresEvents(db *sql.DB) *PostgresEvents {
	return &PostgresEvents{db: db}
}

// GetAllVisibleEvents returns visible events ordered by start time. An event
// has a Location only when both coordinates are set.
func (p *PostgresEvents) GetAllVisibleEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT uid, title, description, latitude, longitude, location_name, starts_at
FROM events WHERE visible ORDER BY starts_at NULLS LAST, uid`)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev       domain.Event
			lat, lon sql.NullFloat64
			name     string
			start    sql.NullTime
		)
		if err := rows.Scan(&ev.UID, &ev.Title, &ev.Description, &lat, &lon, &name, &start); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if lat.Valid && lon.Valid {
			ev.Location = &domain.Location{Latitude: lat.Float64, Longitude: lon.Float64, Name: name}
		}
		if start.Valid {
			ev.Start = start.Time.UTC()
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// PutEvent inserts or replaces an event and enqueues its uid on
// outbox.EventsTopic in the same transaction.
func (p *PostgresEvents) PutEvent(ctx context.Context, ev domain.Event) error {
	var lat, lon sql.NullFloat64
	name := ""
	if ev.Location != nil {
		lat = sql.NullFloat64{Float64: ev.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: ev.Location.Longitude, Valid: true}
		name = ev.Location.Name
	}
	start := sql.NullTime{Time: ev.Start, Valid: !ev.Start.IsZero()}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	_, err = tx.ExecContext(ctx, `INSERT INTO events (uid, title, description, latitude, longitude, location_name, starts_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (uid) DO UPDATE SET title = EXCLUDED.title, description = EXCLUDED.description,
	latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
	location_name = EXCLUDED.location_name, starts_at = EXCLUDED.starts_at`,
		ev.UID, ev.Title, ev.Description, lat, lon, name, start)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", ev.UID, err)
	}
	if err := outbox.Enqueue(ctx, tx, outbox.EventsTopic, []byte(ev.UID)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event %s: %w", ev.UID, err)
	}
	return nil
}

// PostgresFriends reads the friendship table.
type PostgresFriends struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresFriends constructs the social graph over db.
func NewPostgresFriends(db *sql.DB) *PostgresFriends {
	return &PostgresFriends{db: db, timeout: 3 * time.Second}
}

// GetFriends lists the friend ids of userID in id order.
func (p *PostgresFriends) GetFriends(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT friend_id FROM friendships WHERE user_id = $1 ORDER BY friend_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select friends: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friends: %w", err)
	}
	return ids, nil
}

// Befriend records a mutual friendship.
func (p *PostgresFriends) Befriend(ctx context.Context, a, b string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO friendships (user_id, friend_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, pair[0], pair[1]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert friendship: %w", err)
		}
	}
	return tx.Commit()
}

// Unfriend removes a friendship in both directions.
func (p *PostgresFriends) Unfriend(ctx context.Context, a, b string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM friendships WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)`, a, b)
	if err != nil {
		return fmt.Errorf("delete friendship: %w", err)
	}
	return nil
}
