package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const createJournalTable = `CREATE TABLE IF NOT EXISTS ride_transitions (
	id BIGSERIAL PRIMARY KEY,
	driver_id TEXT NOT NULL,
	ride_id TEXT NOT NULL,
	from_phase TEXT NOT NULL,
	to_phase TEXT NOT NULL,
	cause TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at TIMESTAMPTZ NOT NULL
)`

type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal connects and makes sure the journal table exists.
func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createJournalTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	return &PostgresJournal{db: db}, nil
}

func (p *PostgresJournal) Append(ctx context.Context, e Entry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ride_transitions(driver_id, ride_id, from_phase, to_phase, cause, reason, at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.DriverID, e.RideID, e.From, e.To, e.Cause, e.Reason, e.At)
	return err
}

func (p *PostgresJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT driver_id, ride_id, from_phase, to_phase, cause, reason, at FROM ride_transitions ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.DriverID, &e.RideID, &e.From, &e.To, &e.Cause, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) Close() error { return p.db.Close() }
