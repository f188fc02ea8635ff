package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/domain/scheduler"
	"github.com/0Andriy/roomsync/internal/infrastructure/metrics"
)

// seenEventCacheSize bounds the replication dedupe cache. The bus is
// at-least-once; redelivered lifecycle events inside this window are
// dropped instead of reprocessed.
const seenEventCacheSize = 1024

// ClientMessageHandler is the caller-supplied hook invoked after built-in
// message handling. handled reports whether a built-in behavior already
// processed the event, letting custom handlers augment or override.
type ClientMessageHandler func(ctx context.Context, userID string, env coordination.Envelope, handled bool)

// Namespace owns the local room cache for one logical partition, routes
// client events to rooms, and relays lifecycle and broadcast events across
// instances over the bus.
type Namespace struct {
	id         string
	instanceID string
	store      coordination.Store
	bus        coordination.Bus
	transport  coordination.Transport
	sched      *scheduler.Scheduler
	log        zerolog.Logger

	mu        sync.Mutex
	rooms     map[string]*Room
	userRooms map[string]map[string]struct{} // users joined through this instance
	handler   ClientMessageHandler
	subs      []coordination.Subscription
	closed    bool

	seen *lru.Cache
}

// NewNamespace constructs a namespace, subscribes to its replication
// channels and reconciles the local room cache from the store so a freshly
// started instance learns about rooms that already exist cluster-wide.
func NewNamespace(ctx context.Context, id, instanceID string, store coordination.Store, bus coordination.Bus, transport coordination.Transport, elector scheduler.LeadershipSource, log zerolog.Logger) (*Namespace, error) {
	if id == "" {
		return nil, fmt.Errorf("namespace: id is required")
	}

	seen, err := lru.New(seenEventCacheSize)
	if err != nil {
		return nil, fmt.Errorf("namespace %s: dedupe cache: %w", id, err)
	}

	n := &Namespace{
		id:         id,
		instanceID: instanceID,
		store:      store,
		bus:        bus,
		transport:  transport,
		log: log.With().
			Str("component", "namespace").
			Str("namespace_id", id).
			Logger(),
		rooms:     make(map[string]*Room),
		userRooms: make(map[string]map[string]struct{}),
		seen:      seen,
	}
	n.sched = scheduler.New("namespace/"+id, elector, n.log)

	lifecycleSub, err := bus.Subscribe(ctx, coordination.NamespaceChannel(id), n.handleLifecycleEvent)
	if err != nil {
		return nil, fmt.Errorf("namespace %s: subscribe lifecycle: %w", id, err)
	}
	broadcastSub, err := bus.Subscribe(ctx, coordination.NamespaceBroadcastChannel(id), n.handleBroadcastEvent)
	if err != nil {
		_ = lifecycleSub.Close()
		return nil, fmt.Errorf("namespace %s: subscribe broadcast: %w", id, err)
	}
	n.subs = []coordination.Subscription{lifecycleSub, broadcastSub}

	if err := n.reconcile(ctx); err != nil {
		// Reconciliation failure is transient infrastructure trouble;
		// the namespace still works and converges through events.
		n.log.Warn().Err(err).Msg("startup reconciliation failed")
	}

	n.log.Info().Msg("namespace created")
	return n, nil
}

// ID returns the namespace id.
func (n *Namespace) ID() string { return n.id }

// SetClientHandler installs the custom message hook.
func (n *Namespace) SetClientHandler(h ClientMessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// GetOrCreateRoom returns the local room for id, constructing and
// replicating it when absent. Idempotent across instances: concurrent
// creators converge on the same store state, and the roomCreated event is
// published only by the instance that first persisted the id.
func (n *Namespace) GetOrCreateRoom(ctx context.Context, roomID string, cfg RoomConfig) (*Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("namespace %s: room id is required", n.id)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrNamespaceClosed
	}
	if room, ok := n.rooms[roomID]; ok {
		n.mu.Unlock()
		return room, nil
	}
	n.mu.Unlock()

	added, err := n.store.AddToSet(ctx, coordination.NamespaceRoomsKey(n.id), roomID)
	if err != nil {
		n.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to persist room id")
	}
	if added > 0 {
		// This instance owns creation: persist the config and tell siblings.
		if err := n.store.SetHash(ctx, coordination.RoomStateKey(n.id, roomID), cfg.stateFields(n.instanceID)); err != nil {
			n.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to persist room state")
		}
		metrics.RoomsCreated.Inc()
		n.publishLifecycle(ctx, coordination.EventRoomCreated, roomID)
	} else {
		// The room exists cluster-wide already (concurrent creator or a
		// missed lifecycle event); the creator's config wins.
		fields, err := n.store.GetHash(ctx, coordination.RoomStateKey(n.id, roomID))
		if err != nil {
			n.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to read room state, using caller config")
		}
		cfg = roomConfigFromState(fields, cfg)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrNamespaceClosed
	}
	room, ok := n.rooms[roomID]
	if !ok {
		room = n.buildRoom(roomID, cfg)
		n.rooms[roomID] = room
	}
	n.mu.Unlock()

	n.log.Info().Str("room_id", roomID).Msg("room registered")
	return room, nil
}

// Room returns the local room for id, or ErrRoomNotFound.
func (n *Namespace) Room(roomID string) (*Room, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	room, ok := n.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// RoomIDs returns the cluster-wide room ids from the store.
func (n *Namespace) RoomIDs(ctx context.Context) ([]string, error) {
	return n.store.SetMembers(ctx, coordination.NamespaceRoomsKey(n.id))
}

// RemoveRoom destroys the room locally, clears its store state and tells
// sibling instances to drop their shadows. Reports whether anything was
// removed.
func (n *Namespace) RemoveRoom(ctx context.Context, roomID string) (bool, error) {
	n.mu.Lock()
	room := n.rooms[roomID]
	delete(n.rooms, roomID)
	n.mu.Unlock()

	setRemoved, err := n.store.RemoveFromSet(ctx, coordination.NamespaceRoomsKey(n.id), roomID)
	if err != nil {
		return false, fmt.Errorf("namespace %s: remove room id: %w", n.id, err)
	}
	if room == nil && setRemoved == 0 {
		return false, nil
	}

	if room != nil {
		// Best-effort notification before membership disappears.
		if err := room.Send(ctx, coordination.EventRoomDeleted, nil, SendOptions{}); err != nil {
			n.log.Debug().Err(err).Str("room_id", roomID).Msg("room-deleted notification failed")
		}
		if err := room.Destroy(ctx); err != nil {
			n.log.Warn().Err(err).Str("room_id", roomID).Msg("room destruction left stale keys")
		}
	} else {
		// No local object; clear the store keys directly.
		_ = n.store.Delete(ctx, coordination.RoomUsersKey(n.id, roomID))
		_ = n.store.Delete(ctx, coordination.RoomStateKey(n.id, roomID))
	}

	metrics.RoomsRemoved.Inc()
	n.publishLifecycle(ctx, coordination.EventRoomRemoved, roomID)
	n.log.Info().Str("room_id", roomID).Msg("room removed")
	return true, nil
}

// AddGlobalScheduledTask schedules a namespace-scoped job. With
// RunOnlyOnLeader set it executes on exactly one instance of the fleet
// (lease-approximate).
func (n *Namespace) AddGlobalScheduledTask(ctx context.Context, taskID string, job scheduler.Job, cfg scheduler.TaskConfig) error {
	return n.sched.Schedule(ctx, taskID, job, cfg)
}

// StopGlobalScheduledTask cancels a namespace-scoped job.
func (n *Namespace) StopGlobalScheduledTask(taskID string) error {
	return n.sched.StopTask(taskID)
}

// HandleClientMessage dispatches an inbound client event to the built-in
// behaviors and then to the optional custom handler.
func (n *Namespace) HandleClientMessage(ctx context.Context, userID string, payload []byte) {
	env, err := coordination.DecodeEnvelope(payload)
	if err != nil {
		n.log.Debug().Err(err).Str("user_id", userID).Msg("dropping malformed client message")
		return
	}

	handled := true
	switch env.Type {
	case coordination.EventJoinRoom:
		n.joinRoom(ctx, userID, env.RoomID)
	case coordination.EventLeaveRoom:
		n.leaveRoom(ctx, userID, env.RoomID, true)
	case coordination.EventRoomMessage:
		n.roomMessage(ctx, userID, env)
	default:
		handled = false
	}

	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()
	if handler != nil {
		handler(ctx, userID, env, handled)
	}
}

// DisconnectUser removes the user from every room they joined through this
// instance. Called by the coordinator when the user's last connection
// closes.
func (n *Namespace) DisconnectUser(ctx context.Context, userID string) {
	n.mu.Lock()
	joined := n.userRooms[userID]
	delete(n.userRooms, userID)
	roomIDs := make([]string, 0, len(joined))
	for id := range joined {
		roomIDs = append(roomIDs, id)
	}
	n.mu.Unlock()

	for _, roomID := range roomIDs {
		n.leaveRoomLocked(ctx, userID, roomID, false)
	}
	if len(roomIDs) > 0 {
		n.log.Debug().Str("user_id", userID).Int("rooms", len(roomIDs)).Msg("user disconnected from rooms")
	}
}

// RelayBroadcast publishes a room broadcast on the namespace's relay
// channel. Every instance, including this one, delivers the event to its
// locally connected targets from the subscription side.
func (n *Namespace) RelayBroadcast(ctx context.Context, env coordination.Envelope) error {
	env.ID = newEventID()
	env.Origin = n.instanceID
	data, err := env.Encode()
	if err != nil {
		return err
	}
	metrics.RecordReplication(coordination.EventBroadcast, "published")
	return n.bus.Publish(ctx, coordination.NamespaceBroadcastChannel(n.id), data)
}

// Destroy unsubscribes from the bus, withdraws locally-joined users from
// the store and tears down every local room object without clearing
// cluster state that siblings still serve.
func (n *Namespace) Destroy(ctx context.Context) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	rooms := n.rooms
	n.rooms = make(map[string]*Room)
	userRooms := n.userRooms
	n.userRooms = make(map[string]map[string]struct{})
	n.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	// Withdraw this instance's users so the fleet does not see ghosts.
	for userID, joined := range userRooms {
		for roomID := range joined {
			if _, err := n.store.RemoveFromSet(ctx, coordination.RoomUsersKey(n.id, roomID), userID); err != nil {
				n.log.Warn().Err(err).Str("user_id", userID).Str("room_id", roomID).Msg("failed to withdraw membership on shutdown")
			}
		}
	}

	for _, room := range rooms {
		room.close()
	}
	n.sched.Close()
	n.log.Info().Int("rooms", len(rooms)).Msg("namespace destroyed")
}

// --- built-in client behaviors ---

func (n *Namespace) joinRoom(ctx context.Context, userID, roomID string) {
	if roomID == "" {
		n.rejectClient(ctx, userID, coordination.EventRoomJoinFailed, roomID, "missing roomId")
		return
	}

	room, err := n.GetOrCreateRoom(ctx, roomID, DefaultRoomConfig())
	if err != nil {
		n.rejectClient(ctx, userID, coordination.EventRoomJoinFailed, roomID, "room unavailable")
		return
	}

	ok, err := room.AddUser(ctx, userID)
	if err != nil {
		n.log.Warn().Err(err).Str("user_id", userID).Str("room_id", roomID).Msg("join failed")
		n.rejectClient(ctx, userID, coordination.EventRoomJoinFailed, roomID, "join failed")
		return
	}
	if !ok {
		n.rejectClient(ctx, userID, coordination.EventRoomJoinFailed, roomID, "room full")
		return
	}

	n.trackJoin(userID, roomID)
	n.replyToUser(ctx, userID, coordination.Envelope{
		Type:        coordination.EventRoomJoined,
		NamespaceID: n.id,
		RoomID:      roomID,
	})
	if err := room.SendFrom(ctx, userID, coordination.EventUserJoined, nil, SendOptions{Exclude: []string{userID}}); err != nil {
		n.log.Debug().Err(err).Str("room_id", roomID).Msg("user-joined broadcast failed")
	}
}

func (n *Namespace) leaveRoom(ctx context.Context, userID, roomID string, notify bool) {
	if roomID == "" {
		return
	}
	n.untrackJoin(userID, roomID)
	n.leaveRoomLocked(ctx, userID, roomID, notify)
}

func (n *Namespace) leaveRoomLocked(ctx context.Context, userID, roomID string, notify bool) {
	n.mu.Lock()
	room := n.rooms[roomID]
	n.mu.Unlock()

	var removed bool
	if room != nil {
		var err error
		removed, err = room.RemoveUser(ctx, userID)
		if err != nil {
			n.log.Warn().Err(err).Str("user_id", userID).Str("room_id", roomID).Msg("leave failed")
			return
		}
	} else {
		// No local object; mutate the canonical set directly and let the
		// janitor handle any resulting empty room.
		count, err := n.store.RemoveFromSet(ctx, coordination.RoomUsersKey(n.id, roomID), userID)
		if err != nil {
			n.log.Warn().Err(err).Str("user_id", userID).Str("room_id", roomID).Msg("leave failed")
			return
		}
		removed = count > 0
	}
	if !removed {
		return
	}

	if notify {
		n.replyToUser(ctx, userID, coordination.Envelope{
			Type:        coordination.EventRoomLeft,
			NamespaceID: n.id,
			RoomID:      roomID,
		})
	}
	if room != nil {
		if err := room.SendFrom(ctx, userID, coordination.EventUserLeft, nil, SendOptions{}); err != nil {
			n.log.Debug().Err(err).Str("room_id", roomID).Msg("user-left broadcast failed")
		}
	}
}

func (n *Namespace) roomMessage(ctx context.Context, userID string, env coordination.Envelope) {
	if env.RoomID == "" {
		n.rejectClient(ctx, userID, coordination.EventMessageFailed, env.RoomID, "missing roomId")
		return
	}

	n.mu.Lock()
	room := n.rooms[env.RoomID]
	n.mu.Unlock()
	if room == nil {
		n.rejectClient(ctx, userID, coordination.EventMessageFailed, env.RoomID, "unknown room")
		return
	}

	member, err := room.HasUser(ctx, userID)
	if err != nil {
		n.log.Warn().Err(err).Str("room_id", env.RoomID).Msg("membership check failed")
		return
	}
	if !member {
		n.rejectClient(ctx, userID, coordination.EventMessageFailed, env.RoomID, "not a member")
		return
	}

	if err := room.SendFrom(ctx, userID, coordination.EventRoomMessage, env.Payload, SendOptions{Exclude: []string{userID}}); err != nil {
		n.log.Warn().Err(err).Str("room_id", env.RoomID).Msg("room message relay failed")
	}
}

// --- replication ---

// reconcile loads the namespace's room-id set from the store and builds
// local shadow rooms for each id.
func (n *Namespace) reconcile(ctx context.Context) error {
	roomIDs, err := n.store.SetMembers(ctx, coordination.NamespaceRoomsKey(n.id))
	if err != nil {
		return fmt.Errorf("namespace %s: read room set: %w", n.id, err)
	}
	for _, roomID := range roomIDs {
		n.ensureShadowRoom(ctx, roomID)
	}
	if len(roomIDs) > 0 {
		n.log.Info().Int("rooms", len(roomIDs)).Msg("reconciled rooms from store")
	}
	return nil
}

func (n *Namespace) handleLifecycleEvent(ctx context.Context, channel string, payload []byte) {
	env, err := coordination.DecodeEnvelope(payload)
	if err != nil {
		n.log.Debug().Err(err).Msg("dropping malformed lifecycle event")
		return
	}
	if env.Origin == n.instanceID {
		return
	}
	if env.ID != "" {
		if found, _ := n.seen.ContainsOrAdd(env.ID, struct{}{}); found {
			return
		}
	}
	metrics.RecordReplication(env.Type, "consumed")

	switch env.Type {
	case coordination.EventRoomCreated:
		n.ensureShadowRoom(ctx, env.RoomID)
	case coordination.EventRoomRemoved:
		// Drop the local shadow without re-destroying store state the
		// publisher already cleared.
		n.mu.Lock()
		room := n.rooms[env.RoomID]
		delete(n.rooms, env.RoomID)
		n.mu.Unlock()
		if room != nil {
			room.close()
			n.log.Debug().Str("room_id", env.RoomID).Msg("dropped shadow room")
		}
	default:
		n.log.Debug().Str("type", env.Type).Msg("ignoring unknown lifecycle event")
	}
}

func (n *Namespace) handleBroadcastEvent(ctx context.Context, channel string, payload []byte) {
	env, err := coordination.DecodeEnvelope(payload)
	if err != nil {
		n.log.Debug().Err(err).Msg("dropping malformed broadcast")
		return
	}
	targets := env.To
	if len(targets) == 0 {
		return
	}
	metrics.RecordReplication(coordination.EventBroadcast, "consumed")
	metrics.BroadcastRecipients.Observe(float64(len(targets)))

	// Strip routing fields; clients receive the bare event.
	client := coordination.Envelope{
		Type:        env.Type,
		NamespaceID: env.NamespaceID,
		RoomID:      env.RoomID,
		From:        env.From,
		Payload:     env.Payload,
	}
	data, err := client.Encode()
	if err != nil {
		n.log.Warn().Err(err).Msg("broadcast encode failed")
		return
	}
	if err := n.transport.SendToUsers(ctx, targets, data); err != nil {
		n.log.Debug().Err(err).Msg("broadcast local delivery failed")
	}
}

// ensureShadowRoom registers a local room object for an id learned from the
// store or the bus. Config comes from the persisted state hash; nothing is
// re-published.
func (n *Namespace) ensureShadowRoom(ctx context.Context, roomID string) {
	if roomID == "" {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if _, ok := n.rooms[roomID]; ok {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	fields, err := n.store.GetHash(ctx, coordination.RoomStateKey(n.id, roomID))
	if err != nil {
		n.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to read room state, using defaults")
	}
	cfg := roomConfigFromState(fields, DefaultRoomConfig())

	n.mu.Lock()
	if _, ok := n.rooms[roomID]; !ok && !n.closed {
		n.rooms[roomID] = n.buildRoom(roomID, cfg)
		n.log.Debug().Str("room_id", roomID).Msg("shadow room created")
	}
	n.mu.Unlock()
}

func (n *Namespace) publishLifecycle(ctx context.Context, eventType, roomID string) {
	env := coordination.NewEnvelope(eventType, n.id, roomID, n.instanceID)
	data, err := env.Encode()
	if err != nil {
		n.log.Warn().Err(err).Str("type", eventType).Msg("lifecycle encode failed")
		return
	}
	if err := n.bus.Publish(ctx, coordination.NamespaceChannel(n.id), data); err != nil {
		// Siblings converge through startup reconciliation if they miss
		// this event.
		n.log.Warn().Err(err).Str("type", eventType).Str("room_id", roomID).Msg("lifecycle publish failed")
		return
	}
	metrics.RecordReplication(eventType, "published")
}

func (n *Namespace) buildRoom(roomID string, cfg RoomConfig) *Room {
	return newRoom(roomID, n.id, cfg, n.store, n, n.onRoomEmpty, n.log)
}

// onRoomEmpty is the destruction callback handed to each room's empty
// timer.
func (n *Namespace) onRoomEmpty(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := n.RemoveRoom(ctx, roomID); err != nil {
		n.log.Warn().Err(err).Str("room_id", roomID).Msg("empty-room removal failed")
	}
}

func (n *Namespace) replyToUser(ctx context.Context, userID string, env coordination.Envelope) {
	data, err := env.Encode()
	if err != nil {
		n.log.Warn().Err(err).Msg("reply encode failed")
		return
	}
	if err := n.transport.SendToUser(ctx, userID, data); err != nil {
		n.log.Debug().Err(err).Str("user_id", userID).Msg("reply delivery failed")
	}
}

func (n *Namespace) rejectClient(ctx context.Context, userID, eventType, roomID, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	n.replyToUser(ctx, userID, coordination.Envelope{
		Type:        eventType,
		NamespaceID: n.id,
		RoomID:      roomID,
		Payload:     payload,
	})
}

func (n *Namespace) trackJoin(userID, roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	joined, ok := n.userRooms[userID]
	if !ok {
		joined = make(map[string]struct{})
		n.userRooms[userID] = joined
	}
	joined[roomID] = struct{}{}
}

func (n *Namespace) untrackJoin(userID, roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if joined, ok := n.userRooms[userID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(n.userRooms, userID)
		}
	}
}

func newEventID() string {
	return uuid.NewString()
}
