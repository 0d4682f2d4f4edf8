package storage

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_storage.go -package=mocks . Store,Document

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store closed")

// Document is one durable key-value document, loaded once and cached by the
// caller for the process lifetime. Get and Set work on the in-memory copy;
// Flush writes the whole document back. The store serializes flushes to the
// same document key.
type Document interface {
	Get(field string) ([]byte, bool)
	Set(field string, value []byte)
	Fields() []string
	Flush(ctx context.Context) error
}

// Store is the persistence collaborator: durable documents addressed by key.
type Store interface {
	// OpenDocument loads the document for key, creating an empty one if none
	// exists yet.
	OpenDocument(ctx context.Context, key string) (Document, error)
	Close() error
}
