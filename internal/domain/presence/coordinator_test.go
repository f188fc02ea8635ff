package presence

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/domain/leader"
	"github.com/0Andriy/roomsync/internal/infrastructure/memstore"
)

func newTestCoordinator(t *testing.T, instanceID string, store coordination.Store, bus coordination.Bus, locker coordination.Locker) (*Coordinator, *fakeTransport) {
	t.Helper()

	elector, err := leader.New(leader.Config{
		Key:             "coordinator_test_leader",
		InstanceID:      instanceID,
		RenewalInterval: 20 * time.Millisecond,
		LeaseTTL:        60 * time.Millisecond,
	}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new elector: %v", err)
	}

	transport := newFakeTransport()
	c, err := NewCoordinator(CoordinatorOptions{InstanceID: instanceID}, store, bus, transport, locker, elector, zerolog.Nop())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c, transport
}

func TestCoordinatorRequiresInstanceID(t *testing.T) {
	store, bus := sharedBackend()
	if _, err := NewCoordinator(CoordinatorOptions{}, store, bus, newFakeTransport(), nil, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing instance id")
	}
}

func TestConnectInstantiatesNamespace(t *testing.T) {
	ctx := context.Background()
	store, bus := sharedBackend()
	c, _ := newTestCoordinator(t, "inst-a", store, bus, nil)

	c.HandleConnect(ctx, "lobby", "u1")

	ids := c.NamespaceIDs()
	if len(ids) != 1 || ids[0] != "lobby" {
		t.Fatalf("expected namespace lobby, got %v", ids)
	}
}

func TestHandleMessageRoutesToNamespace(t *testing.T) {
	ctx := context.Background()
	store, bus := sharedBackend()
	c, transport := newTestCoordinator(t, "inst-a", store, bus, nil)

	c.HandleConnect(ctx, "lobby", "u1")
	c.HandleMessage(ctx, "lobby", "u1", clientEvent(t, coordination.EventJoinRoom, "general", nil))

	if _, ok := transport.lastOfType("u1", coordination.EventRoomJoined); !ok {
		t.Fatal("join via transport handler did not produce roomJoined")
	}

	ns, err := c.Namespace(ctx, "lobby")
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}
	room, err := ns.Room("general")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	member, err := room.HasUser(ctx, "u1")
	if err != nil || !member {
		t.Fatalf("expected membership, got %v err=%v", member, err)
	}
}

func TestHandleDisconnectLeavesRooms(t *testing.T) {
	ctx := context.Background()
	store, bus := sharedBackend()
	c, _ := newTestCoordinator(t, "inst-a", store, bus, nil)

	c.HandleConnect(ctx, "lobby", "u1")
	c.HandleMessage(ctx, "lobby", "u1", clientEvent(t, coordination.EventJoinRoom, "general", nil))
	c.HandleDisconnect(ctx, "lobby", "u1")

	member, err := store.SetContains(ctx, coordination.RoomUsersKey("lobby", "general"), "u1")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if member {
		t.Fatal("disconnected user still a member")
	}
}

// seedRoomState writes the persisted state of a room as another instance
// would have left it.
func seedRoomState(t *testing.T, store coordination.Store, namespaceID, roomID string, autoDelete bool, age time.Duration, users ...string) {
	t.Helper()
	ctx := context.Background()

	auto := "0"
	if autoDelete {
		auto = "1"
	}
	fields := map[string]string{
		stateFieldAutoDelete:   auto,
		stateFieldEmptyTimeout: "60000",
		stateFieldMaxUsers:     "0",
		stateFieldCreatedBy:    "inst-dead",
		stateFieldCreatedAt:    strconv.FormatInt(time.Now().Add(-age).UnixMilli(), 10),
	}
	if err := store.SetHash(ctx, coordination.RoomStateKey(namespaceID, roomID), fields); err != nil {
		t.Fatalf("seed state %s: %v", roomID, err)
	}
	if _, err := store.AddToSet(ctx, coordination.NamespaceRoomsKey(namespaceID), roomID); err != nil {
		t.Fatalf("seed room id %s: %v", roomID, err)
	}
	for _, u := range users {
		if _, err := store.AddToSet(ctx, coordination.RoomUsersKey(namespaceID, roomID), u); err != nil {
			t.Fatalf("seed member %s: %v", roomID, err)
		}
	}
}

func TestJanitorSweepsOrphanedRooms(t *testing.T) {
	ctx := context.Background()
	store, bus := sharedBackend()

	// State left behind by an instance that died: an empty auto-delete room
	// whose timer never fired, plus rooms the sweep must leave alone.
	seedRoomState(t, store, "lobby", "orphan", true, time.Hour)
	seedRoomState(t, store, "lobby", "young", true, 0)
	seedRoomState(t, store, "lobby", "pinned", false, time.Hour)
	seedRoomState(t, store, "lobby", "busy", true, time.Hour, "u9")

	c, _ := newTestCoordinator(t, "inst-a", store, bus, memstore.NewLocker())
	ns, err := c.Namespace(ctx, "lobby")
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}

	if err := c.runJanitor(ctx); err != nil {
		t.Fatalf("janitor: %v", err)
	}

	if _, err := ns.Room("orphan"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("orphan survived the sweep: %v", err)
	}
	for _, roomID := range []string{"young", "pinned", "busy"} {
		if _, err := ns.Room(roomID); err != nil {
			t.Fatalf("janitor swept %s: %v", roomID, err)
		}
	}

	ids, err := ns.RoomIDs(ctx)
	if err != nil {
		t.Fatalf("room ids: %v", err)
	}
	for _, id := range ids {
		if id == "orphan" {
			t.Fatal("orphan id still in the store set")
		}
	}
}

func TestJanitorSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	store, bus := sharedBackend()
	locker := memstore.NewLocker()

	seedRoomState(t, store, "lobby", "orphan", true, time.Hour)

	c, _ := newTestCoordinator(t, "inst-a", store, bus, locker)
	ns, err := c.Namespace(ctx, "lobby")
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithLock(ctx, janitorLockName, time.Minute, func() error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	// A held lock means another instance is sweeping; this cycle is a no-op.
	if err := c.runJanitor(ctx); err != nil {
		t.Fatalf("janitor under held lock: %v", err)
	}
	if _, err := ns.Room("orphan"); err != nil {
		t.Fatalf("sweep ran despite held lock: %v", err)
	}

	close(release)
	waitFor(t, time.Second, func() bool {
		return c.runJanitor(ctx) == nil && func() bool {
			_, err := ns.Room("orphan")
			return errors.Is(err, ErrRoomNotFound)
		}()
	})
}

func TestCoordinatorBecomesLeader(t *testing.T) {
	store, bus := sharedBackend()
	c, _ := newTestCoordinator(t, "inst-a", store, bus, nil)

	waitFor(t, time.Second, c.IsLeader)
	if c.InstanceID() != "inst-a" {
		t.Fatalf("unexpected instance id %q", c.InstanceID())
	}
}

func TestShutdownWithdrawsLocalMemberships(t *testing.T) {
	ctx := context.Background()
	store, bus := sharedBackend()
	c, _ := newTestCoordinator(t, "inst-a", store, bus, nil)

	c.HandleConnect(ctx, "lobby", "u1")
	c.HandleMessage(ctx, "lobby", "u1", clientEvent(t, coordination.EventJoinRoom, "general", nil))

	// A member joined through a sibling instance must survive this
	// instance's shutdown.
	if _, err := store.AddToSet(ctx, coordination.RoomUsersKey("lobby", "general"), "remote-user"); err != nil {
		t.Fatalf("seed remote member: %v", err)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	local, err := store.SetContains(ctx, coordination.RoomUsersKey("lobby", "general"), "u1")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if local {
		t.Fatal("local membership survived shutdown")
	}
	remote, err := store.SetContains(ctx, coordination.RoomUsersKey("lobby", "general"), "remote-user")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !remote {
		t.Fatal("remote membership was withdrawn by a foreign shutdown")
	}

	exists, err := store.SetContains(ctx, coordination.NamespaceRoomsKey("lobby"), "general")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !exists {
		t.Fatal("room id removed from the cluster set on local shutdown")
	}
}

func TestNamespaceAfterShutdown(t *testing.T) {
	ctx := context.Background()
	store, bus := sharedBackend()
	c, _ := newTestCoordinator(t, "inst-a", store, bus, nil)

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := c.Namespace(ctx, "lobby"); !errors.Is(err, ErrNamespaceClosed) {
		t.Fatalf("expected ErrNamespaceClosed, got %v", err)
	}
}
