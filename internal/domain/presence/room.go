package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/domain/scheduler"
	"github.com/0Andriy/roomsync/internal/infrastructure/metrics"
)

// broadcastRelay publishes a room broadcast on the namespace's relay
// channel so every instance delivers to its locally-connected targets.
// Implemented by Namespace.
type broadcastRelay interface {
	RelayBroadcast(ctx context.Context, env coordination.Envelope) error
}

// Room is the instance-local view of one replicated room. Canonical
// membership is the store set; this object caches nothing about who is in
// the room and re-reads the store on every membership query.
type Room struct {
	id          string
	namespaceID string
	cfg         RoomConfig
	store       coordination.Store
	relay       broadcastRelay
	sched       *scheduler.Scheduler
	log         zerolog.Logger

	// onEmpty is invoked when the empty-room timer fires and the room is
	// still empty. Supplied by the owning namespace.
	onEmpty func(roomID string)

	mu         sync.Mutex
	emptyTimer *time.Timer
	tasks      map[string]roomTask
	closed     bool
}

// roomTask is a job definition proxied to the room scheduler. Armed only
// while the room has members.
type roomTask struct {
	job   scheduler.Job
	cfg   scheduler.TaskConfig
	armed bool
}

func newRoom(id, namespaceID string, cfg RoomConfig, store coordination.Store, relay broadcastRelay, onEmpty func(string), log zerolog.Logger) *Room {
	roomLog := log.With().
		Str("component", "room").
		Str("namespace_id", namespaceID).
		Str("room_id", id).
		Logger()
	return &Room{
		id:          id,
		namespaceID: namespaceID,
		cfg:         cfg,
		store:       store,
		relay:       relay,
		onEmpty:     onEmpty,
		sched:       scheduler.New(namespaceID+"/"+id, nil, roomLog),
		log:         roomLog,
		tasks:       make(map[string]roomTask),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// NamespaceID returns the owning namespace id.
func (r *Room) NamespaceID() string { return r.namespaceID }

// Config returns the room's lifecycle configuration.
func (r *Room) Config() RoomConfig { return r.cfg }

func (r *Room) usersKey() string {
	return coordination.RoomUsersKey(r.namespaceID, r.id)
}

// AddUser adds a user to the store-backed membership set. Adding a user who
// is already a member is an idempotent no-op that still reports true. A
// room at capacity reports false without mutating state.
func (r *Room) AddUser(ctx context.Context, userID string) (bool, error) {
	if r.isClosed() {
		return false, ErrRoomClosed
	}
	if userID == "" {
		return false, fmt.Errorf("room %s: user id is required", r.id)
	}

	if r.cfg.MaxUsers > 0 {
		// Capacity check is read-then-add; a cross-instance race can
		// briefly overshoot the cap, which the model tolerates.
		member, err := r.store.SetContains(ctx, r.usersKey(), userID)
		if err != nil {
			return false, fmt.Errorf("room %s: check membership: %w", r.id, err)
		}
		if !member {
			size, err := r.store.SetSize(ctx, r.usersKey())
			if err != nil {
				return false, fmt.Errorf("room %s: read size: %w", r.id, err)
			}
			if size >= r.cfg.MaxUsers {
				metrics.RoomJoinRejections.Inc()
				return false, nil
			}
		}
	}

	if _, err := r.store.AddToSet(ctx, r.usersKey(), userID); err != nil {
		return false, fmt.Errorf("room %s: add user: %w", r.id, err)
	}
	metrics.RoomJoins.Inc()

	r.cancelEmptyTimer()
	r.syncTasks(ctx)
	return true, nil
}

// RemoveUser removes a user from the membership set. Removing an absent
// user reports false. When the room becomes empty and AutoDeleteEmpty is
// set, the empty-room timer is (re)armed.
func (r *Room) RemoveUser(ctx context.Context, userID string) (bool, error) {
	if r.isClosed() {
		return false, ErrRoomClosed
	}

	removed, err := r.store.RemoveFromSet(ctx, r.usersKey(), userID)
	if err != nil {
		return false, fmt.Errorf("room %s: remove user: %w", r.id, err)
	}
	if removed == 0 {
		return false, nil
	}
	metrics.RoomLeaves.Inc()

	size, err := r.store.SetSize(ctx, r.usersKey())
	if err != nil {
		// Timer stays unarmed this cycle; the janitor or the next
		// mutation recovers the empty-room lifecycle.
		r.log.Warn().Err(err).Msg("failed to read room size after leave")
		return true, nil
	}
	if size == 0 {
		if r.cfg.AutoDeleteEmpty {
			r.armEmptyTimer()
		}
		r.syncTasks(ctx)
	}
	return true, nil
}

// HasUser reads through to the store; the local object never caches
// membership because siblings mutate it concurrently.
func (r *Room) HasUser(ctx context.Context, userID string) (bool, error) {
	return r.store.SetContains(ctx, r.usersKey(), userID)
}

// Users returns the current member ids from the store.
func (r *Room) Users(ctx context.Context) ([]string, error) {
	return r.store.SetMembers(ctx, r.usersKey())
}

// UserCount returns the current membership size from the store.
func (r *Room) UserCount(ctx context.Context) (int64, error) {
	return r.store.SetSize(ctx, r.usersKey())
}

// Send resolves the current member set from the store, narrows it with
// opts, and relays the event over the bus so each instance delivers to its
// own connected users. Delivery never iterates local sockets directly.
func (r *Room) Send(ctx context.Context, eventType string, payload json.RawMessage, opts SendOptions) error {
	if r.isClosed() {
		return ErrRoomClosed
	}

	members, err := r.store.SetMembers(ctx, r.usersKey())
	if err != nil {
		return fmt.Errorf("room %s: resolve members: %w", r.id, err)
	}
	targets := resolveTargets(members, opts)
	if len(targets) == 0 {
		return nil
	}

	env := coordination.Envelope{
		Type:        eventType,
		NamespaceID: r.namespaceID,
		RoomID:      r.id,
		To:          targets,
		Payload:     payload,
	}
	return r.relay.RelayBroadcast(ctx, env)
}

// SendFrom is Send with the originating user recorded in the envelope.
func (r *Room) SendFrom(ctx context.Context, from, eventType string, payload json.RawMessage, opts SendOptions) error {
	if r.isClosed() {
		return ErrRoomClosed
	}

	members, err := r.store.SetMembers(ctx, r.usersKey())
	if err != nil {
		return fmt.Errorf("room %s: resolve members: %w", r.id, err)
	}
	targets := resolveTargets(members, opts)
	if len(targets) == 0 {
		return nil
	}

	env := coordination.Envelope{
		Type:        eventType,
		NamespaceID: r.namespaceID,
		RoomID:      r.id,
		From:        from,
		To:          targets,
		Payload:     payload,
	}
	return r.relay.RelayBroadcast(ctx, env)
}

// AddScheduledTask registers a periodic job owned by this room. The task
// runs only while the room has members; it is armed and disarmed as
// membership changes.
func (r *Room) AddScheduledTask(ctx context.Context, taskID string, job scheduler.Job, cfg scheduler.TaskConfig) error {
	if r.isClosed() {
		return ErrRoomClosed
	}

	r.mu.Lock()
	r.tasks[taskID] = roomTask{job: job, cfg: cfg}
	r.mu.Unlock()

	r.syncTasks(ctx)
	return nil
}

// RemoveScheduledTask stops and forgets a room task.
func (r *Room) RemoveScheduledTask(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	delete(r.tasks, taskID)
	r.mu.Unlock()

	if !ok {
		return scheduler.ErrTaskNotFound
	}
	if t.armed {
		if err := r.sched.StopTask(taskID); err != nil && err != scheduler.ErrTaskNotFound {
			return err
		}
	}
	return nil
}

// syncTasks arms pending tasks while the room is occupied and stops them
// once it empties. Called after every membership mutation.
func (r *Room) syncTasks(ctx context.Context) {
	size, err := r.store.SetSize(ctx, r.usersKey())
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to read room size for task sync")
		return
	}
	occupied := size > 0

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for id, t := range r.tasks {
		switch {
		case occupied && !t.armed:
			if err := r.sched.Schedule(ctx, id, t.job, t.cfg); err != nil {
				r.log.Error().Err(err).Str("task_id", id).Msg("failed to arm room task")
				continue
			}
			t.armed = true
			r.tasks[id] = t
		case !occupied && t.armed:
			if err := r.sched.StopTask(id); err != nil && err != scheduler.ErrTaskNotFound {
				r.log.Error().Err(err).Str("task_id", id).Msg("failed to stop room task")
			}
			t.armed = false
			r.tasks[id] = t
		}
	}
}

// armEmptyTimer (re)starts the destruction countdown. The firing callback
// re-checks membership to defend against a join racing the timeout window.
func (r *Room) armEmptyTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
	}
	r.emptyTimer = time.AfterFunc(r.cfg.EmptyTimeout, r.emptyTimerFired)
	r.log.Debug().Dur("empty_timeout", r.cfg.EmptyTimeout).Msg("empty-room timer armed")
}

func (r *Room) emptyTimerFired() {
	if r.isClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	size, err := r.store.SetSize(ctx, r.usersKey())
	if err != nil {
		r.log.Warn().Err(err).Msg("empty-room check failed, rearming timer")
		r.armEmptyTimer()
		return
	}
	if size > 0 {
		// A join raced the timeout window; the room lives on.
		return
	}
	r.log.Info().Msg("room empty past timeout, destroying")
	if r.onEmpty != nil {
		r.onEmpty(r.id)
	}
}

func (r *Room) cancelEmptyTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
}

// Destroy tears the room down and deletes its store-backed membership and
// state keys. Used for explicit removal and empty-timeout destruction.
func (r *Room) Destroy(ctx context.Context) error {
	if !r.shutdown() {
		return nil
	}

	usersErr := r.store.Delete(ctx, r.usersKey())
	stateErr := r.store.Delete(ctx, coordination.RoomStateKey(r.namespaceID, r.id))
	if usersErr != nil {
		return fmt.Errorf("room %s: delete membership: %w", r.id, usersErr)
	}
	if stateErr != nil {
		return fmt.Errorf("room %s: delete state: %w", r.id, stateErr)
	}
	return nil
}

// close tears down the local object only, leaving store state for the rest
// of the fleet. Used when a sibling already cleared the store or when the
// instance itself is shutting down.
func (r *Room) close() {
	r.shutdown()
}

// shutdown stops timers and tasks exactly once. Reports whether this call
// performed the teardown.
func (r *Room) shutdown() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
	r.mu.Unlock()

	r.sched.Close()
	return true
}

// destructionPending reports whether the empty-room timer is armed.
func (r *Room) destructionPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyTimer != nil
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// resolveTargets computes the delivery set: To wins when present (filtered
// to actual members), otherwise all members minus Exclude.
func resolveTargets(members []string, opts SendOptions) []string {
	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	if len(opts.To) > 0 {
		targets := make([]string, 0, len(opts.To))
		for _, id := range opts.To {
			if _, ok := memberSet[id]; ok {
				targets = append(targets, id)
			}
		}
		return targets
	}

	excluded := make(map[string]struct{}, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = struct{}{}
	}
	targets := make([]string, 0, len(members))
	for _, m := range members {
		if _, skip := excluded[m]; !skip {
			targets = append(targets, m)
		}
	}
	return targets
}
