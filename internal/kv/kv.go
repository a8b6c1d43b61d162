// Package kv defines the expiring key-value dependency used for login-attempt
// counters and pending OAuth state. Entries carry a TTL and disappear on their
// own; no sweep beyond expiry is ever needed. The engine takes the interface
// so deployments can point it at a shared networked store.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// Store is a minimal TTL key-value contract.
type Store interface {
	// Set stores value under key for ttl. A zero ttl is invalid.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value if present and unexpired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// TakeOnce atomically fetches and deletes the key, so exactly one caller
	// can ever observe a given value.
	TakeOnce(ctx context.Context, key string) ([]byte, error)
}
