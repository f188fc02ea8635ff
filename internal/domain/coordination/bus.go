package coordination

import (
	"context"
	"errors"
)

// ErrBusClosed is returned when subscribing on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// BusHandler receives messages published on a subscribed channel. Handlers
// run on the bus's delivery goroutine; per-channel delivery order is
// preserved within one instance.
type BusHandler func(ctx context.Context, channel string, payload []byte)

// Subscription represents one active channel subscription.
type Subscription interface {
	// Close cancels the subscription. Safe to call more than once.
	Close() error
}

// Bus is the publish/subscribe fabric used for cross-instance replication
// events and broadcast relays. Delivery is at-least-once with no global
// ordering across instances; consumers must tolerate duplicates.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler BusHandler) (Subscription, error)
	Close() error
}
