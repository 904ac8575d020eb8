// Package cache provides the small TTL cache capability the federation
// subsystem consumes: plain get/put, get-and-delete, and an atomic
// compare-and-swap used by the SAML replay guard.
package cache

import (
	"context"
	"time"
)

// Cache is the capability interface. Backends must make CompareAndSwap
// atomic; a read-modify-write implementation reopens the replay-guard race.
type Cache interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores the value with a TTL. A zero TTL means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Pull returns the value and deletes the key in one operation.
	Pull(ctx context.Context, key string) (string, bool, error)

	// CompareAndSwap replaces old with new only if the key currently holds
	// old, preserving the remaining TTL. Returns whether the swap happened.
	CompareAndSwap(ctx context.Context, key, old, new string) (bool, error)

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}
