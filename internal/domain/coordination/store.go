package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("key not found")
)

// Store is the shared key/value store every instance coordinates through.
// All cross-instance races are resolved by the store's atomic primitives
// (set add/remove, compare-and-swap on the lease key); callers never hold
// locks across instances.
type Store interface {
	// Get retrieves a scalar value. Returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) (string, error)

	// Set writes a scalar value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SetIfAbsentOrEqual atomically writes key=value with the given ttl,
	// succeeding only when the key is absent or already holds value.
	// Returns true when the write happened (the caller owns the key).
	SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// AddToSet adds members to a set, returning how many were newly added.
	AddToSet(ctx context.Context, key string, members ...string) (int64, error)

	// RemoveFromSet removes members from a set, returning how many were
	// actually removed.
	RemoveFromSet(ctx context.Context, key string, members ...string) (int64, error)

	// SetMembers returns all members of a set. A missing set is empty.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetContains reports whether member is in the set at key.
	SetContains(ctx context.Context, key, member string) (bool, error)

	// SetSize returns the cardinality of the set at key.
	SetSize(ctx context.Context, key string) (int64, error)

	// GetHash returns all fields of a hash. A missing hash is empty.
	GetHash(ctx context.Context, key string) (map[string]string, error)

	// SetHash writes fields into a hash, creating it if absent.
	SetHash(ctx context.Context, key string, fields map[string]string) error

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}

// Locker provides a cluster-wide mutual exclusion primitive for jobs whose
// bodies must not overlap across a leadership handover. It is advisory and
// lease-based, not a consensus protocol.
type Locker interface {
	// WithLock runs fn while holding the named lock. Returns without
	// running fn when the lock is held elsewhere.
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func() error) error
}

// ErrLockHeld is returned by Locker.WithLock when the lock is owned by
// another instance.
var ErrLockHeld = errors.New("lock held by another instance")
