package coordination

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(EventRoomCreated, "lobby", "general", "inst-a")
	if env.ID == "" {
		t.Fatal("expected a generated event id")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != env.ID || got.Type != EventRoomCreated || got.NamespaceID != "lobby" || got.RoomID != "general" || got.Origin != "inst-a" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeEnvelopePreservesPayload(t *testing.T) {
	raw := []byte(`{"type":"roomMessage","roomId":"general","payload":{"text":"hi","n":3}}`)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var body struct {
		Text string `json:"text"`
		N    int    `json:"n"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.Text != "hi" || body.N != 3 {
		t.Fatalf("payload mangled: %+v", body)
	}
}

func TestDecodeEnvelopeRejectsBadInput(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := DecodeEnvelope([]byte(`{"roomId":"general"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestChannelAndKeyNames(t *testing.T) {
	if got := NamespaceChannel("lobby"); got != "namespace:lobby" {
		t.Fatalf("namespace channel: %q", got)
	}
	if got := NamespaceBroadcastChannel("lobby"); got != "namespace:lobby:broadcast" {
		t.Fatalf("broadcast channel: %q", got)
	}
	if got := RoomUsersKey("lobby", "general"); got != "room_users:lobby:general" {
		t.Fatalf("room users key: %q", got)
	}
	if got := RoomStateKey("lobby", "general"); got != "room_state:lobby:general" {
		t.Fatalf("room state key: %q", got)
	}
	if got := NamespaceRoomsKey("lobby"); got != "namespace_rooms:lobby" {
		t.Fatalf("namespace rooms key: %q", got)
	}
}
