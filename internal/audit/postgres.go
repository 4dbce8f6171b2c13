package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresArchive persists security events into Postgres for retention
// beyond process lifetime. It implements Archive.
type PostgresArchive struct {
	db *sql.DB
}

var _ Archive = (*PostgresArchive)(nil)

// OpenArchive connects to Postgres using the pgx stdlib driver.
func OpenArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open archive: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	return &PostgresArchive{db: db}, nil
}

// NewPostgresArchive wraps an existing database handle.
func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// Close releases the underlying connection pool.
func (a *PostgresArchive) Close() error { return a.db.Close() }

// EnsureSchema creates the events table when it does not exist yet.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		create table if not exists security_events (
			id        text primary key,
			day       date not null,
			ts        timestamptz not null,
			type      text not null,
			severity  text not null,
			source    text not null,
			target    text not null default '',
			action    text not null,
			result    text not null,
			details   jsonb,
			metadata  jsonb
		)`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Append writes one event row. Events are append-only; conflicts on id
// indicate a replayed write and are ignored.
func (a *PostgresArchive) Append(ctx context.Context, e Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		insert into security_events (id, day, ts, type, severity, source, target, action, result, details, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		on conflict (id) do nothing`,
		e.ID, e.Day(), e.Timestamp.UTC(), string(e.Type), string(e.Severity),
		e.Source, e.Target, e.Action, string(e.Result), details, metadata,
	)
	if err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	return nil
}

// ListDay loads one day partition from the archive in insertion order.
func (a *PostgresArchive) ListDay(ctx context.Context, day string) ([]Event, error) {
	rows, err := a.db.QueryContext(ctx, `
		select id, ts, type, severity, source, target, action, result, details, metadata
		from security_events where day = $1 order by id`, day)
	if err != nil {
		return nil, fmt.Errorf("audit: list day: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                 Event
			details, metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, (*string)(&e.Type), (*string)(&e.Severity),
			&e.Source, &e.Target, &e.Action, (*string)(&e.Result), &details, &metadata); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
