// Package blob is the object storage abstraction for image originals, renditions and their
// cold-tier copies.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blob: object not found")

// Store is one bucket or namespace.
type Store interface {
	// Put writes data under key and returns the key it was stored under.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL returns a read URL valid for ttl.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Location is the URI prefix of the namespace, such as s3://bucket.
	Location() string
}

// Tiers pairs the active store with the cold archive namespace.
type Tiers struct {
	Active Store
	Cold   Store
}
