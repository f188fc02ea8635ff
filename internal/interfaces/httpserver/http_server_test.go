package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/config"
	"github.com/0Andriy/roomsync/internal/domain/leader"
	"github.com/0Andriy/roomsync/internal/domain/presence"
	"github.com/0Andriy/roomsync/internal/infrastructure/auth"
	"github.com/0Andriy/roomsync/internal/infrastructure/memstore"
	"github.com/0Andriy/roomsync/internal/infrastructure/wstransport"
)

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	cfg := &config.Config{
		ServiceName:     "roomsync",
		Environment:     "test",
		HTTPPort:        0,
		ShutdownTimeout: time.Second,
		InstanceID:      "inst-test",
		StoreBackend:    config.StoreBackendMemory,
		LeaderKey:       "test_leader",
	}

	store := memstore.NewStore()
	bus := memstore.NewBus()
	locker := memstore.NewLocker()

	elector, err := leader.New(leader.Config{
		Key:             cfg.LeaderKey,
		InstanceID:      cfg.InstanceID,
		RenewalInterval: 20 * time.Millisecond,
		LeaseTTL:        60 * time.Millisecond,
	}, store, log)
	if err != nil {
		t.Fatalf("elector: %v", err)
	}

	transport := wstransport.New(log)
	coordinator, err := presence.NewCoordinator(presence.CoordinatorOptions{InstanceID: cfg.InstanceID}, store, bus, transport, locker, elector, log)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if err := coordinator.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { coordinator.Shutdown(context.Background()) })

	validator, err := auth.NewValidator(ctx, cfg, log)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	return New(cfg, log, coordinator, store, transport, validator)
}

func doRequest(t *testing.T, s *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func TestCoreRoutes(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/", "/healthz", "/readyz", "/metrics"} {
		rec := doRequest(t, s, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: %d", path, rec.Code)
		}
	}
}

func TestLeaderEndpoint(t *testing.T) {
	s := newTestServer(t)

	// The elector ticks immediately on start, but give it a moment under
	// race-detector load.
	deadline := time.Now().Add(time.Second)
	var body struct {
		InstanceID string `json:"instance_id"`
		IsLeader   bool   `json:"is_leader"`
		LeaderID   string `json:"leader_id"`
	}
	for {
		rec := doRequest(t, s, http.MethodGet, "/v1/cluster/leader", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("leader endpoint: %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.IsLeader || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if body.InstanceID != "inst-test" {
		t.Fatalf("instance id: %q", body.InstanceID)
	}
	if !body.IsLeader || body.LeaderID != "inst-test" {
		t.Fatalf("expected leadership, got %+v", body)
	}
}

func TestRoomCRUD(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/v1/namespaces/lobby/rooms", `{"room_id":"general","max_users":8}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/namespaces/lobby/rooms", `{"max_users":8}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create without room_id: %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/namespaces/lobby/rooms", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var listBody struct {
		Namespace string   `json:"namespace"`
		Rooms     []string `json:"rooms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listBody.Namespace != "lobby" || len(listBody.Rooms) != 1 || listBody.Rooms[0] != "general" {
		t.Fatalf("unexpected list %+v", listBody)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/namespaces/lobby/rooms/general/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("users: %d", rec.Code)
	}
	var usersBody struct {
		Users []string `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &usersBody); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if len(usersBody.Users) != 0 {
		t.Fatalf("expected empty room, got %v", usersBody.Users)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/namespaces/lobby/rooms/nowhere/users", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("users of unknown room: %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodDelete, "/v1/namespaces/lobby/rooms/general", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodDelete, "/v1/namespaces/lobby/rooms/general", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete twice: %d", rec.Code)
	}
}

func TestListNamespaces(t *testing.T) {
	s := newTestServer(t)

	// Materialized lazily on first reference.
	doRequest(t, s, http.MethodGet, "/v1/namespaces/game/rooms", "")

	rec := doRequest(t, s, http.MethodGet, "/v1/namespaces", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("namespaces: %d", rec.Code)
	}
	var body struct {
		Namespaces []string `json:"namespaces"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Namespaces) != 1 || body.Namespaces[0] != "game" {
		t.Fatalf("unexpected namespaces %v", body.Namespaces)
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID response header")
	}
}
