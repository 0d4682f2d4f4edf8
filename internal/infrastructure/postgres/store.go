// Package postgres persists program documents in a single jsonb-keyed table,
// selected over the local bolt store when a database URL is configured.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh/internal/domain/storage"
)

// Store implements storage.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "pgstore").Logger(),
	}
}

// EnsureSchema creates the documents table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flowmesh_documents (
			key        TEXT PRIMARY KEY,
			fields     JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure documents table: %w", err)
	}
	return nil
}

// OpenDocument loads the document's field map; a missing row starts empty.
func (s *Store) OpenDocument(ctx context.Context, key string) (storage.Document, error) {
	fields := make(map[string]json.RawMessage)
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT fields FROM flowmesh_documents WHERE key=$1
	`, key).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// New document.
	case err != nil:
		return nil, fmt.Errorf("load document %s: %w", key, err)
	default:
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", key, err)
		}
	}
	return &document{store: s, key: key, fields: fields}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type document struct {
	store *Store
	key   string

	mu     sync.Mutex
	fields map[string]json.RawMessage
}

func (d *document) Get(field string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, ok := d.fields[field]
	return raw, ok
}

func (d *document) Set(field string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields[field] = append(json.RawMessage(nil), value...)
}

func (d *document) Fields() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.fields))
	for k := range d.fields {
		out = append(out, k)
	}
	return out
}

// Flush upserts the whole field map. The primary key serializes concurrent
// writers on the same document.
func (d *document) Flush(ctx context.Context) error {
	d.mu.Lock()
	raw, err := json.Marshal(d.fields)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", d.key, err)
	}
	_, err = d.store.pool.Exec(ctx, `
		INSERT INTO flowmesh_documents (key, fields, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET fields=EXCLUDED.fields, updated_at=NOW()
	`, d.key, raw)
	if err != nil {
		return fmt.Errorf("write document %s: %w", d.key, err)
	}
	return nil
}
