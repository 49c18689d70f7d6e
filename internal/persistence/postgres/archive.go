package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS tick_archive (
    symbol     TEXT NOT NULL,
    capability TEXT NOT NULL,
    ts         TIMESTAMPTZ NOT NULL,
    payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS tick_archive_symbol_ts ON tick_archive (symbol, ts);
`

// Tick is one archived canonical data point.
type Tick struct {
	Symbol     string          `db:"symbol" json:"symbol"`
	Capability string          `db:"capability" json:"capability"`
	Timestamp  time.Time       `db:"ts" json:"timestamp"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
}

// TickArchive persists canonical ticks for replay beyond the cache window.
type TickArchive struct {
	db *sqlx.DB
}

// NewTickArchive ensures the schema on an existing connection pool.
func NewTickArchive(db *sqlx.DB) (*TickArchive, error) {
	if _, err := db.Exec(archiveSchema); err != nil {
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}
	return &TickArchive{db: db}, nil
}

// NewTickArchiveDSN connects its own pool; used when the archive runs without
// the shared DocStore.
func NewTickArchiveDSN(dsn string) (*TickArchive, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewTickArchive(db)
}

// Insert appends ticks in one statement.
func (a *TickArchive) Insert(ctx context.Context, ticks []Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	_, err := a.db.NamedExecContext(ctx, `
		INSERT INTO tick_archive (symbol, capability, ts, payload)
		VALUES (:symbol, :capability, :ts, :payload)`, ticks)
	return err
}

// QueryRange returns ticks for the symbols in [from, to], ordered by
// timestamp ascending.
func (a *TickArchive) QueryRange(ctx context.Context, symbols []string, from, to time.Time) ([]Tick, error) {
	var ticks []Tick
	err := a.db.SelectContext(ctx, &ticks, `
		SELECT symbol, capability, ts, payload
		FROM tick_archive
		WHERE symbol = ANY($1) AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`, pq.Array(symbols), from, to)
	return ticks, err
}

// Prune removes ticks older than cutoff; returns rows removed.
func (a *TickArchive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM tick_archive WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DB exposes the pool for sharing with the DocStore.
func (a *TickArchive) DB() *sqlx.DB { return a.db }
