package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/domain/leader"
	"github.com/0Andriy/roomsync/internal/domain/scheduler"
)

const (
	janitorTaskID   = "presence-janitor"
	janitorLockName = "presence_janitor_lock"
)

// CoordinatorOptions configures the top-level façade.
type CoordinatorOptions struct {
	InstanceID string

	// JanitorInterval is the cadence of the orphaned-room sweep. Zero
	// disables the janitor.
	JanitorInterval time.Duration

	// JanitorLockTTL bounds how long one sweep may hold the cluster
	// lock. Defaults to the interval when zero.
	JanitorLockTTL time.Duration
}

// Coordinator owns the namespaces of one instance, wires transport
// connection events into namespace/room membership and owns shutdown
// ordering. It is the only object main needs to hold.
type Coordinator struct {
	opts      CoordinatorOptions
	store     coordination.Store
	bus       coordination.Bus
	transport coordination.Transport
	locker    coordination.Locker
	elector   *leader.Elector
	sched     *scheduler.Scheduler
	log       zerolog.Logger

	mu         sync.Mutex
	namespaces map[string]*Namespace
	closed     bool
}

// NewCoordinator wires the façade. The elector is owned by the coordinator
// from here on: Start/Shutdown manage its lifecycle.
func NewCoordinator(opts CoordinatorOptions, store coordination.Store, bus coordination.Bus, transport coordination.Transport, locker coordination.Locker, elector *leader.Elector, log zerolog.Logger) (*Coordinator, error) {
	if opts.InstanceID == "" {
		return nil, fmt.Errorf("coordinator: instance id is required")
	}
	if opts.JanitorLockTTL <= 0 {
		opts.JanitorLockTTL = opts.JanitorInterval
	}

	c := &Coordinator{
		opts:      opts,
		store:     store,
		bus:       bus,
		transport: transport,
		locker:    locker,
		elector:   elector,
		log: log.With().
			Str("component", "coordinator").
			Str("instance_id", opts.InstanceID).
			Logger(),
		namespaces: make(map[string]*Namespace),
	}
	c.sched = scheduler.New("coordinator", elector, c.log)
	transport.Bind(c)
	return c, nil
}

// Start begins leader election and arms the janitor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.elector.Start(ctx)

	if c.opts.JanitorInterval > 0 {
		err := c.sched.Schedule(ctx, janitorTaskID, c.runJanitor, scheduler.TaskConfig{
			Interval:        c.opts.JanitorInterval,
			RunOnlyOnLeader: true,
		})
		if err != nil {
			return fmt.Errorf("coordinator: schedule janitor: %w", err)
		}
	}

	c.log.Info().Msg("coordinator started")
	return nil
}

// Namespace returns the namespace for id, creating it on first access.
func (c *Coordinator) Namespace(ctx context.Context, id string) (*Namespace, error) {
	if id == "" {
		return nil, fmt.Errorf("coordinator: namespace id is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator: %w", ErrNamespaceClosed)
	}
	if ns, ok := c.namespaces[id]; ok {
		c.mu.Unlock()
		return ns, nil
	}
	c.mu.Unlock()

	ns, err := NewNamespace(ctx, id, c.opts.InstanceID, c.store, c.bus, c.transport, c.elector, c.log)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		go ns.Destroy(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("coordinator: %w", ErrNamespaceClosed)
	}
	if existing, ok := c.namespaces[id]; ok {
		// Lost a construction race with a concurrent connect.
		go ns.Destroy(context.WithoutCancel(ctx))
		return existing, nil
	}
	c.namespaces[id] = ns
	return ns, nil
}

// NamespaceIDs lists the locally-instantiated namespaces.
func (c *Coordinator) NamespaceIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.namespaces))
	for id := range c.namespaces {
		ids = append(ids, id)
	}
	return ids
}

// IsLeader reports whether this instance currently holds the cluster lease.
func (c *Coordinator) IsLeader() bool {
	return c.elector.IsLeader()
}

// InstanceID returns this instance's identity.
func (c *Coordinator) InstanceID() string {
	return c.opts.InstanceID
}

// HandleConnect implements coordination.TransportHandler.
func (c *Coordinator) HandleConnect(ctx context.Context, namespaceID, userID string) {
	if _, err := c.Namespace(ctx, namespaceID); err != nil {
		c.log.Warn().Err(err).Str("namespace_id", namespaceID).Str("user_id", userID).Msg("connect to unavailable namespace")
		return
	}
	c.log.Debug().Str("namespace_id", namespaceID).Str("user_id", userID).Msg("user connected")
}

// HandleMessage implements coordination.TransportHandler.
func (c *Coordinator) HandleMessage(ctx context.Context, namespaceID, userID string, payload []byte) {
	ns, err := c.Namespace(ctx, namespaceID)
	if err != nil {
		c.log.Warn().Err(err).Str("namespace_id", namespaceID).Msg("message for unavailable namespace")
		return
	}
	ns.HandleClientMessage(ctx, userID, payload)
}

// HandleDisconnect implements coordination.TransportHandler.
func (c *Coordinator) HandleDisconnect(ctx context.Context, namespaceID, userID string) {
	c.mu.Lock()
	ns := c.namespaces[namespaceID]
	c.mu.Unlock()
	if ns == nil {
		return
	}
	ns.DisconnectUser(ctx, userID)
	c.log.Debug().Str("namespace_id", namespaceID).Str("user_id", userID).Msg("user disconnected")
}

// Shutdown destroys every namespace in parallel, then closes the
// transport, then the bus and store.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	namespaces := c.namespaces
	c.namespaces = make(map[string]*Namespace)
	c.mu.Unlock()

	c.sched.Close()

	var wg sync.WaitGroup
	for _, ns := range namespaces {
		wg.Add(1)
		go func(ns *Namespace) {
			defer wg.Done()
			ns.Destroy(ctx)
		}(ns)
	}
	wg.Wait()

	c.elector.Stop(ctx)

	if err := c.transport.Close(ctx); err != nil {
		c.log.Warn().Err(err).Msg("transport close failed")
	}
	if err := c.bus.Close(); err != nil {
		c.log.Warn().Err(err).Msg("bus close failed")
	}
	if err := c.store.Close(); err != nil {
		c.log.Warn().Err(err).Msg("store close failed")
	}

	c.log.Info().Int("namespaces", len(namespaces)).Msg("coordinator shut down")
	return nil
}

// runJanitor sweeps orphaned rooms: ids still in a namespace's room set
// whose membership is empty and whose creator never fired its empty timer
// (instance died). The sweep is leader-gated by the scheduler and
// additionally guarded by the distributed lock so a run started under the
// previous leader cannot overlap with the new leader's run.
func (c *Coordinator) runJanitor(ctx context.Context) error {
	if c.locker == nil {
		return c.sweepOrphanedRooms(ctx)
	}

	err := c.locker.WithLock(ctx, janitorLockName, c.opts.JanitorLockTTL, func() error {
		return c.sweepOrphanedRooms(ctx)
	})
	if err == coordination.ErrLockHeld {
		c.log.Debug().Msg("janitor lock held elsewhere, skipping sweep")
		return nil
	}
	return err
}

func (c *Coordinator) sweepOrphanedRooms(ctx context.Context) error {
	c.mu.Lock()
	namespaces := make([]*Namespace, 0, len(c.namespaces))
	for _, ns := range c.namespaces {
		namespaces = append(namespaces, ns)
	}
	c.mu.Unlock()

	var swept int
	for _, ns := range namespaces {
		roomIDs, err := c.store.SetMembers(ctx, coordination.NamespaceRoomsKey(ns.ID()))
		if err != nil {
			return fmt.Errorf("janitor: list rooms for %s: %w", ns.ID(), err)
		}
		for _, roomID := range roomIDs {
			fields, err := c.store.GetHash(ctx, coordination.RoomStateKey(ns.ID(), roomID))
			if err != nil {
				c.log.Warn().Err(err).Str("room_id", roomID).Msg("janitor: state read failed")
				continue
			}
			cfg := roomConfigFromState(fields, DefaultRoomConfig())
			if !cfg.AutoDeleteEmpty {
				continue
			}
			// Leave young rooms and rooms with a live local timer to the
			// regular empty-room lifecycle; the janitor only reaps rooms
			// whose owning timer died with its instance.
			if age, ok := roomAgeFromState(fields); ok && age < cfg.EmptyTimeout {
				continue
			}
			if room, err := ns.Room(roomID); err == nil && room.destructionPending() {
				continue
			}
			size, err := c.store.SetSize(ctx, coordination.RoomUsersKey(ns.ID(), roomID))
			if err != nil {
				c.log.Warn().Err(err).Str("room_id", roomID).Msg("janitor: size read failed")
				continue
			}
			if size > 0 {
				continue
			}
			if removed, err := ns.RemoveRoom(ctx, roomID); err != nil {
				c.log.Warn().Err(err).Str("room_id", roomID).Msg("janitor: removal failed")
			} else if removed {
				swept++
			}
		}
	}
	if swept > 0 {
		c.log.Info().Int("rooms", swept).Msg("janitor swept orphaned rooms")
	}
	return nil
}
