// Package boltstore persists program documents in a local bbolt file, one
// JSON field map per document key. It is the default store when no database
// is configured.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/flowmesh/flowmesh/internal/domain/storage"
)

var bucketDocuments = []byte("documents")

// Store implements storage.Store on a bbolt database.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database file and the documents bucket.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents bucket: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "boltstore").Logger(),
	}, nil
}

// OpenDocument loads the document's field map, or starts an empty one when
// the key is new. The document is not written until its first Flush.
func (s *Store) OpenDocument(ctx context.Context, key string) (storage.Document, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storage.ErrClosed
	}
	s.mu.Unlock()

	fields := make(map[string]json.RawMessage)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get([]byte(key))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &fields)
	})
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", key, err)
	}
	return &document{store: s, key: key, fields: fields}, nil
}

// Close closes the underlying database. Documents flushed afterwards fail
// with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
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

// Flush writes the whole field map in one transaction. Bolt serializes
// writers, so concurrent flushes of the same key cannot interleave.
func (d *document) Flush(ctx context.Context) error {
	d.store.mu.Lock()
	if d.store.closed {
		d.store.mu.Unlock()
		return storage.ErrClosed
	}
	d.store.mu.Unlock()

	d.mu.Lock()
	raw, err := json.Marshal(d.fields)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", d.key, err)
	}
	err = d.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(d.key), raw)
	})
	if err != nil {
		return fmt.Errorf("write document %s: %w", d.key, err)
	}
	return nil
}
