// Package postgres provides the durable backends: a JSONB document store with
// a NOTIFY-based change stream, and the tick archive consulted during gap
// recovery.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/ports"
)

const docSchema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    doc        JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);
`

// notifyChannel carries change events for all collections; payloads are JSON
// {type, collection, id}.
const notifyChannel = "qw_doc_changes"

// DocStore is a Postgres-backed ports.DocStore.
type DocStore struct {
	db  *sqlx.DB
	dsn string
}

// NewDocStore connects and ensures the schema exists.
func NewDocStore(dsn string) (*DocStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if _, err := db.Exec(docSchema); err != nil {
		return nil, fmt.Errorf("ensure document schema: %w", err)
	}
	return &DocStore{db: db, dsn: dsn}, nil
}

func (s *DocStore) GetDoc(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc,
		`SELECT doc FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *DocStore) PutDoc(ctx context.Context, collection, id string, doc json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
		`, collection, id, []byte(doc))
	if err != nil {
		return err
	}
	// Upserts report one row either way; consumers treat create and update
	// alike, so no second query to distinguish them.
	s.notify(ctx, "update", collection, id)
	return nil
}

func (s *DocStore) DeleteDoc(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	s.notify(ctx, "delete", collection, id)
	return nil
}

func (s *DocStore) notify(ctx context.Context, typ, collection, id string) {
	payload, _ := json.Marshal(map[string]string{"type": typ, "collection": collection, "id": id})
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		log.Debug().Err(err).Msg("doc change notify failed")
	}
}

func (s *DocStore) ListDocs(ctx context.Context, collection string, limit int) (map[string]json.RawMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, doc FROM documents WHERE collection = $1 LIMIT $2`, collection, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		out[id] = doc
	}
	return out, rows.Err()
}

// Watch opens a LISTEN/NOTIFY change stream filtered to one collection. The
// returned channel closes when the listener connection breaks; the caller
// owns reconnection with backoff.
func (s *DocStore) Watch(ctx context.Context, collection string) (<-chan ports.ChangeEvent, error) {
	listener := pq.NewListener(s.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("doc change listener event")
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	out := make(chan ports.ChangeEvent, 64)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// Reconnect marker from pq; surface as a stream break so
					// the watcher reloads state.
					return
				}
				var msg struct {
					Type       string `json:"type"`
					Collection string `json:"collection"`
					ID         string `json:"id"`
				}
				if err := json.Unmarshal([]byte(n.Extra), &msg); err != nil || msg.Collection != collection {
					continue
				}
				ev := ports.ChangeEvent{
					Type:       ports.ChangeType(msg.Type),
					Collection: msg.Collection,
					DocID:      msg.ID,
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *DocStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *DocStore) Close() error { return s.db.Close() }

// DB exposes the pool so the tick archive can share it.
func (s *DocStore) DB() *sqlx.DB { return s.db }
