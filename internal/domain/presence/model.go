package presence

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrRoomFull is returned when a join would exceed MaxUsers.
	ErrRoomFull = errors.New("room is at capacity")
	// ErrRoomClosed is returned for operations on a destroyed room.
	ErrRoomClosed = errors.New("room is closed")
	// ErrRoomNotFound is returned for operations on an unknown room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNamespaceClosed is returned for operations on a destroyed namespace.
	ErrNamespaceClosed = errors.New("namespace is closed")
)

// RoomConfig holds the instance-local room attributes. It is persisted to
// the room's state hash so sibling instances building a shadow room apply
// the same lifecycle policy.
type RoomConfig struct {
	// AutoDeleteEmpty arms a destruction timer when the room becomes
	// empty.
	AutoDeleteEmpty bool

	// EmptyTimeout is how long a room must stay empty before it is
	// destroyed. Only meaningful with AutoDeleteEmpty.
	EmptyTimeout time.Duration

	// MaxUsers caps membership. Zero means unlimited.
	MaxUsers int64
}

// DefaultRoomConfig matches the behavior of rooms created implicitly by a
// client join.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		AutoDeleteEmpty: true,
		EmptyTimeout:    30 * time.Second,
	}
}

const (
	stateFieldAutoDelete   = "autoDeleteEmpty"
	stateFieldEmptyTimeout = "emptyTimeoutMs"
	stateFieldMaxUsers     = "maxUsers"
	stateFieldCreatedBy    = "createdBy"
	stateFieldCreatedAt    = "createdAtMs"
)

// stateFields serializes the config for the room_state hash.
func (c RoomConfig) stateFields(instanceID string) map[string]string {
	auto := "0"
	if c.AutoDeleteEmpty {
		auto = "1"
	}
	return map[string]string{
		stateFieldAutoDelete:   auto,
		stateFieldEmptyTimeout: strconv.FormatInt(c.EmptyTimeout.Milliseconds(), 10),
		stateFieldMaxUsers:     strconv.FormatInt(c.MaxUsers, 10),
		stateFieldCreatedBy:    instanceID,
		stateFieldCreatedAt:    strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
}

// roomConfigFromState rebuilds a config from a state hash. Missing or
// malformed fields fall back to the provided default, so a shadow room on a
// newer instance still gets a sane policy.
func roomConfigFromState(fields map[string]string, fallback RoomConfig) RoomConfig {
	if len(fields) == 0 {
		return fallback
	}
	cfg := fallback
	if v, ok := fields[stateFieldAutoDelete]; ok {
		cfg.AutoDeleteEmpty = v == "1"
	}
	if v, ok := fields[stateFieldEmptyTimeout]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			cfg.EmptyTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := fields[stateFieldMaxUsers]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.MaxUsers = n
		}
	}
	return cfg
}

// roomAgeFromState derives the room's age from the persisted creation
// timestamp.
func roomAgeFromState(fields map[string]string) (time.Duration, bool) {
	v, ok := fields[stateFieldCreatedAt]
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.UnixMilli(ms)), true
}

// SendOptions narrows the target set of a room send. To restricts delivery
// to listed members; Exclude removes members from the target set. To wins
// when both are set.
type SendOptions struct {
	To      []string
	Exclude []string
}
