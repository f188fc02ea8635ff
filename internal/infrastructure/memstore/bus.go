package memstore

import (
	"context"
	"sync"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
)

// Bus is an in-process coordination.Bus. Handlers run synchronously on the
// publisher's goroutine, preserving per-channel delivery order. Handlers
// must not block indefinitely.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

type subscription struct {
	bus     *Bus
	channel string
	handler coordination.BusHandler
	once    sync.Once
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]*subscription, len(b.subs[channel]))
	copy(handlers, b.subs[channel])
	b.mu.RUnlock()

	for _, sub := range handlers {
		sub.handler(ctx, channel, payload)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler coordination.BusHandler) (coordination.Subscription, error) {
	sub := &subscription{bus: b, channel: channel, handler: handler}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, coordination.ErrBusClosed
	}
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	return sub, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = make(map[string][]*subscription)
	b.closed = true
	return nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		subs := s.bus.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
