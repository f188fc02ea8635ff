package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
)

// Locker is a redsync-backed coordination.Locker. WithLock is try-once:
// a lock held by another instance yields ErrLockHeld instead of blocking,
// matching the skip-this-cycle semantics of scheduled sweeps.
type Locker struct {
	rs  *redsync.Redsync
	log zerolog.Logger
}

// NewLocker builds a locker sharing the store's redis connection.
func NewLocker(client redis.UniversalClient, log zerolog.Logger) *Locker {
	return &Locker{
		rs:  redsync.New(goredis.NewPool(client)),
		log: log.With().Str("component", "redis-locker").Logger(),
	}
}

func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func() error) error {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	mutex := l.rs.NewMutex(name, redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := mutex.TryLockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return coordination.ErrLockHeld
		}
		return err
	}

	defer func() {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			l.log.Warn().Err(err).Str("lock", name).Msg("failed to unlock, lock will expire by ttl")
		}
	}()

	return fn()
}
