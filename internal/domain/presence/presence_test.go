package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/infrastructure/memstore"
)

// fakeTransport records outbound deliveries per user. The memstore bus
// delivers synchronously, so recorded messages are visible as soon as the
// triggering call returns.
type fakeTransport struct {
	mu      sync.Mutex
	handler coordination.TransportHandler
	sent    map[string][]coordination.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]coordination.Envelope)}
}

func (f *fakeTransport) SendToUser(ctx context.Context, userID string, payload []byte) error {
	env, err := coordination.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent[userID] = append(f.sent[userID], env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendToUsers(ctx context.Context, userIDs []string, payload []byte) error {
	for _, userID := range userIDs {
		if err := f.SendToUser(ctx, userID, payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) Bind(handler coordination.TransportHandler) {
	f.handler = handler
}

func (f *fakeTransport) Close(ctx context.Context) error { return nil }

func (f *fakeTransport) received(userID string) []coordination.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coordination.Envelope, len(f.sent[userID]))
	copy(out, f.sent[userID])
	return out
}

func (f *fakeTransport) countOfType(userID, eventType string) int {
	var n int
	for _, env := range f.received(userID) {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastOfType(userID, eventType string) (coordination.Envelope, bool) {
	envs := f.received(userID)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == eventType {
			return envs[i], true
		}
	}
	return coordination.Envelope{}, false
}

// testInstance bundles one simulated instance sharing a store and bus with
// its siblings.
type testInstance struct {
	ns        *Namespace
	transport *fakeTransport
}

func newTestInstance(t *testing.T, instanceID, namespaceID string, store coordination.Store, bus coordination.Bus) *testInstance {
	t.Helper()
	transport := newFakeTransport()
	ns, err := NewNamespace(context.Background(), namespaceID, instanceID, store, bus, transport, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new namespace: %v", err)
	}
	t.Cleanup(func() { ns.Destroy(context.Background()) })
	return &testInstance{ns: ns, transport: transport}
}

func clientEvent(t *testing.T, eventType, roomID string, payload json.RawMessage) []byte {
	t.Helper()
	env := coordination.Envelope{Type: eventType, RoomID: roomID, Payload: payload}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode client event: %v", err)
	}
	return data
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func sharedBackend() (*memstore.Store, *memstore.Bus) {
	return memstore.NewStore(), memstore.NewBus()
}
