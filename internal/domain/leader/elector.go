// Package leader implements lease-based leader election over the shared
// store. At most one instance holds a non-expired lease at any instant;
// the guarantee is approximate (lease-based, not consensus) and is meant
// for periodic housekeeping work, not linearizable decisions.
package leader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/infrastructure/metrics"
)

// Config controls the election cadence. LeaseTTL should exceed
// RenewalInterval by a safety margin so one missed renewal (a transient
// store error) does not drop leadership.
type Config struct {
	Key             string
	InstanceID      string
	RenewalInterval time.Duration
	LeaseTTL        time.Duration
}

// Validate checks the cadence invariants before the elector starts.
func (c Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("leader: instance id is required")
	}
	if c.RenewalInterval <= 0 {
		return fmt.Errorf("leader: renewal interval must be positive, got %s", c.RenewalInterval)
	}
	if c.LeaseTTL < 3*c.RenewalInterval {
		return fmt.Errorf("leader: lease ttl %s must be at least 3x renewal interval %s", c.LeaseTTL, c.RenewalInterval)
	}
	return nil
}

// Elector acquires and renews a cluster-wide lease on a single store key.
// IsLeader is a non-blocking, eventually-consistent read of the local view.
type Elector struct {
	cfg      Config
	store    coordination.Store
	log      zerolog.Logger
	leader   atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	startErr error
	started  sync.Once
	stopped  sync.Once
}

// New creates an elector. The default lease key is used when cfg.Key is
// empty.
func New(cfg Config, store coordination.Store, log zerolog.Logger) (*Elector, error) {
	if cfg.Key == "" {
		cfg.Key = coordination.DefaultLeaderKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Elector{
		cfg:   cfg,
		store: store,
		log: log.With().
			Str("component", "leader-elector").
			Str("instance_id", cfg.InstanceID).
			Str("lease_key", cfg.Key).
			Logger(),
		done: make(chan struct{}),
	}, nil
}

// Start attempts an immediate acquisition and then renews on every interval
// tick. Safe to call multiple times - only the first call starts the loop.
func (e *Elector) Start(ctx context.Context) {
	e.started.Do(func() {
		e.tick(ctx)
		e.wg.Add(1)
		go e.run(ctx)
		e.log.Info().
			Dur("renewal_interval", e.cfg.RenewalInterval).
			Dur("lease_ttl", e.cfg.LeaseTTL).
			Msg("leader election started")
	})
}

// Stop halts renewal and, when currently leader, deletes the lease so a
// sibling can take over immediately instead of waiting out the TTL.
func (e *Elector) Stop(ctx context.Context) {
	e.stopped.Do(func() {
		close(e.done)
		e.wg.Wait()

		metrics.RecordLeadership(false)
		if e.leader.Swap(false) {
			if err := e.store.Delete(ctx, e.cfg.Key); err != nil {
				e.log.Warn().Err(err).Msg("failed to release lease, it will expire by ttl")
			} else {
				e.log.Info().Msg("lease released")
			}
		}
		e.log.Info().Msg("leader election stopped")
	})
}

// IsLeader reports the locally cached leadership state.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// InstanceID returns the identity this elector competes with.
func (e *Elector) InstanceID() string {
	return e.cfg.InstanceID
}

func (e *Elector) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick is one acquisition/renewal attempt. Store errors demote the local
// view for this cycle and are retried on the next tick, never escalated.
func (e *Elector) tick(ctx context.Context) {
	acquired, err := e.store.SetIfAbsentOrEqual(ctx, e.cfg.Key, e.cfg.InstanceID, e.cfg.LeaseTTL)
	if err != nil {
		metrics.RecordLeadership(false)
		if e.leader.Swap(false) {
			e.log.Warn().Err(err).Msg("lease renewal failed, stepping down until store recovers")
		} else {
			e.log.Debug().Err(err).Msg("lease acquisition attempt failed")
		}
		return
	}

	was := e.leader.Swap(acquired)
	metrics.RecordLeadership(acquired)
	switch {
	case acquired && !was:
		e.log.Info().Msg("acquired leadership")
	case !acquired && was:
		e.log.Info().Msg("lost leadership to another instance")
	}
}
