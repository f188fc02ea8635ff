package coordination

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event types carried in Envelope.Type. Replication events flow over the
// bus between instances; client events flow over the transport.
const (
	// Replication (instance → instance).
	EventRoomCreated = "roomCreated"
	EventRoomRemoved = "roomRemoved"
	EventBroadcast   = "broadcast"

	// Client → server.
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventRoomMessage = "roomMessage"

	// Server → client.
	EventRoomJoined     = "roomJoined"
	EventRoomJoinFailed = "roomJoinFailed"
	EventRoomLeft       = "roomLeft"
	EventUserJoined     = "userJoined"
	EventUserLeft       = "userLeft"
	EventRoomDeleted    = "roomDeleted"
	EventMessageFailed  = "roomMessageFailed"
)

// Envelope is the JSON message format shared by replication and
// client-facing traffic. Replication envelopes are id-only: membership state
// is never shipped in the payload, siblings re-read it from the store.
type Envelope struct {
	ID          string          `json:"eventId,omitempty"`
	Type        string          `json:"type"`
	NamespaceID string          `json:"namespaceId,omitempty"`
	RoomID      string          `json:"roomId,omitempty"`
	From        string          `json:"from,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	To          []string        `json:"to,omitempty"`
	Exclude     []string        `json:"exclude,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh event id for bus publication.
// The origin instance id lets subscribers recognize their own events.
func NewEnvelope(eventType, namespaceID, roomID, origin string) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Type:        eventType,
		NamespaceID: namespaceID,
		RoomID:      roomID,
		Origin:      origin,
	}
}

// Encode serializes the envelope for the bus or transport.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// DecodeEnvelope parses an envelope from the wire.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}
