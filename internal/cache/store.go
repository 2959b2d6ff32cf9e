// Package cache is the distributed persona cache: a key-value service
// addressed by {prefix}{type}:{id} keys storing serialized JSON values
// with a TTL. Callers treat any store failure as a cache miss; raw store
// errors surface only to the failure classifier.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound marks an absent key. Every other error means the store
// itself misbehaved.
var ErrNotFound = errors.New("cache: key not found")

// Store is the minimal key-value contract the persona cache needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Name() string
}
