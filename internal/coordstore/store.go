// Package coordstore provides the shared coordination store used to exchange
// cluster and failover state across coordinator processes. It is the only
// resource shared across processes; everything else in helmsman is
// process-local.
package coordstore

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable indicates the backing store cannot be reached. Callers
// are expected to degrade to process-local behavior rather than fail hard.
var ErrStoreUnavailable = errors.New("coordination store unavailable")

// Store is the key/value contract consumed by the cluster and failover
// managers. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key with no expiry.
	Set(ctx context.Context, key, value string) error

	// SetIfAbsent stores value under key with a TTL only when the key does
	// not already hold a live value. Returns true when the write won.
	// This is the primitive backing leadership leases.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// HashGetAll returns all fields of the hash stored at key.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashSet writes one field of the hash stored at key.
	HashSet(ctx context.Context, key, field, value string) error

	// HashDelete removes one field of the hash stored at key.
	HashDelete(ctx context.Context, key, field string) error

	// ListPush appends value to the list stored at key.
	ListPush(ctx context.Context, key, value string) error

	// ListTrim keeps only the elements in [start, end] (inclusive,
	// negative indices count from the tail, -1 meaning the last element).
	ListTrim(ctx context.Context, key string, start, end int64) error

	// ListRange returns elements in [start, end] (same index semantics as
	// ListTrim).
	ListRange(ctx context.Context, key string, start, end int64) ([]string, error)

	// Expire sets a TTL on an existing key. Returns false when the key
	// does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// clampRange resolves redis-style list indices against a list of length n
// and reports whether the resulting window is non-empty.
func clampRange(start, end, n int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 {
		start = 0
	}
	if end >= n {
		end = n - 1
	}
	if start > end || start >= n {
		return 0, 0, false
	}
	return start, end, true
}
