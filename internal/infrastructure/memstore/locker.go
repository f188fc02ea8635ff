package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
)

// Locker is a process-local coordination.Locker. It provides the same
// at-most-one-runner contract as the redis locker, scoped to one instance.
type Locker struct {
	mu    sync.Mutex
	locks map[string]struct{}
}

// NewLocker creates an empty local locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]struct{})}
}

func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func() error) error {
	l.mu.Lock()
	if _, held := l.locks[name]; held {
		l.mu.Unlock()
		return coordination.ErrLockHeld
	}
	l.locks[name] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.locks, name)
		l.mu.Unlock()
	}()

	return fn()
}
