package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Fetch when the object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore persists work item outputs, catalog pages and worker logs.
// Keys are slash separated paths; refs are the URLs handed to other steps.
type ObjectStore interface {
	// Store writes an object under key
	Store(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// Fetch opens an object for reading
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)

	// URL returns the ref other steps use to address key
	URL(key string) string

	// KeyFor maps a ref produced by URL back to its key
	KeyFor(ref string) (string, bool)
}
