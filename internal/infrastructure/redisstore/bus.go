package redisstore

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
)

// Bus is a redis pub/sub coordination.Bus. Each subscription owns one
// redis PubSub connection and a delivery goroutine; per-channel ordering
// follows redis delivery order.
type Bus struct {
	client redis.UniversalClient
	log    zerolog.Logger

	mu     sync.Mutex
	subs   map[*busSubscription]struct{}
	closed bool
}

// NewBus wraps a redis client for pub/sub. The client is shared with the
// store and closed by it, not by the bus.
func NewBus(client redis.UniversalClient, log zerolog.Logger) *Bus {
	return &Bus{
		client: client,
		log:    log.With().Str("component", "redis-bus").Logger(),
		subs:   make(map[*busSubscription]struct{}),
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler coordination.BusHandler) (coordination.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Force the subscription onto the wire before returning so callers
	// never miss events published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &busSubscription{bus: b, pubsub: pubsub}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return nil, coordination.ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	sub.wg.Add(1)
	go sub.deliver(handler)
	return sub, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*busSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*busSubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.closeLocal()
	}
	return nil
}

type busSubscription struct {
	bus    *Bus
	pubsub *redis.PubSub
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *busSubscription) deliver(handler coordination.BusHandler) {
	defer s.wg.Done()

	ctx := context.Background()
	for msg := range s.pubsub.Channel() {
		handler(ctx, msg.Channel, []byte(msg.Payload))
	}
}

func (s *busSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.closeLocal()
}

func (s *busSubscription) closeLocal() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}
