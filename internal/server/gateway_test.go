package server

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/auth"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/gateway"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/presence"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/rooms"
)

type testEnv struct {
	srv      *httptest.Server
	gw       *gateway.Server
	registry *rooms.Registry
	store    *presence.MemoryStore
	manager  *presence.Manager
	tokenCfg auth.TokenConfig
}

func newTestEnv(t *testing.T, mutate ...func(*gateway.Deps)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := rooms.New()
	store := presence.NewMemoryStore()
	manager := presence.NewManager(store, 5*time.Minute, 30*time.Second)
	tokenCfg := auth.TokenConfig{Secret: "secret", DevBypassToken: "dev-bypass"}

	deps := gateway.Deps{
		Log:         zap.NewNop(),
		TokenConfig: tokenCfg,
		Registry:    registry,
		Presence:    manager,
		InstanceID:  "test-1",
	}
	for _, m := range mutate {
		m(&deps)
	}
	gw := gateway.NewServer(deps)

	router := NewRouter(Deps{
		Log:         zap.NewNop(),
		TokenConfig: tokenCfg,
		Gateway:     gw,
		Presence:    manager,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, gw: gw, registry: registry, store: store, manager: manager, tokenCfg: tokenCfg}
}

func (e *testEnv) token(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := auth.CreateToken(auth.Identity{UserID: userID, Email: email}, e.tokenCfg.Secret, time.Hour)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return token
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitForPrefix(t, conn, "0{", 2*time.Second)
	return conn
}

func (e *testEnv) connect(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	authBytes, _ := json.Marshal(map[string]string{"token": token})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	waitForPrefix(t, conn, "40", 2*time.Second)
}

// session dials, authenticates and returns a ready connection.
func (e *testEnv) session(t *testing.T, userID, email string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t)
	e.connect(t, conn, e.token(t, userID, email))
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	arr, err := json.Marshal([]any{event, payload})
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("42"+string(arr))); err != nil {
		t.Fatalf("WriteMessage(%s): %v", event, err)
	}
}

func join(t *testing.T, conn *websocket.Conn, proposalID string) usersOnline {
	t.Helper()
	emit(t, conn, "join-proposal", map[string]string{"proposalId": proposalID})
	raw := waitForEvent(t, conn, "users-online", 2*time.Second)
	var snap usersOnline
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal users-online: %v", err)
	}
	return snap
}

type usersOnline struct {
	ProposalID string                     `json:"proposalId"`
	Users      map[string]presence.Record `json:"users"`
}

type envelope struct {
	Type       string          `json:"type"`
	ProposalID string          `json:"proposalId"`
	UserID     string          `json:"userId"`
	Data       json.RawMessage `json:"data"`
}

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

// waitForEvent reads frames until the named Socket.IO event arrives and
// returns its first argument. Heartbeats are answered, unrelated events
// skipped.
func waitForEvent(t *testing.T, c *websocket.Conn, event string, timeout time.Duration) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		name, arg, ok, err := readEvent(t, c, deadline)
		if err != nil {
			break
		}
		if !ok {
			continue
		}
		if name == event {
			_ = c.SetReadDeadline(time.Time{})
			return arg
		}
	}
	t.Fatalf("timeout waiting for event %q", event)
	return nil
}

func waitForCollab(t *testing.T, c *websocket.Conn, kind string, timeout time.Duration) envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		name, arg, ok, err := readEvent(t, c, deadline)
		if err != nil {
			break
		}
		if !ok || name != "collaboration-event" {
			continue
		}
		var env envelope
		if err := json.Unmarshal(arg, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == kind {
			_ = c.SetReadDeadline(time.Time{})
			return env
		}
	}
	t.Fatalf("timeout waiting for %s envelope", kind)
	return envelope{}
}

// countCollab counts envelopes of the given kind arriving inside the
// window.
func countCollab(t *testing.T, c *websocket.Conn, kind string, window time.Duration) int {
	t.Helper()
	count := 0
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		name, arg, ok, err := readEvent(t, c, deadline)
		if err != nil {
			break
		}
		if !ok || name != "collaboration-event" {
			continue
		}
		var env envelope
		if err := json.Unmarshal(arg, &env); err != nil {
			continue
		}
		if env.Type == kind {
			count++
		}
	}
	_ = c.SetReadDeadline(time.Time{})
	return count
}

func expectNoEvent(t *testing.T, c *websocket.Conn, event string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		name, _, ok, err := readEvent(t, c, deadline)
		if err != nil {
			break
		}
		if ok && name == event {
			t.Fatalf("unexpected event %q", event)
		}
	}
	_ = c.SetReadDeadline(time.Time{})
}

// readEvent reads one frame, answering pings; ok is false for non-event
// frames. A non-nil error means the connection yields nothing more before
// the deadline: gorilla treats read errors (including deadline expiry) as
// permanent, so callers must stop reading instead of retrying.
func readEvent(t *testing.T, c *websocket.Conn, deadline time.Time) (string, json.RawMessage, bool, error) {
	t.Helper()
	_ = c.SetReadDeadline(deadline)
	_, data, err := c.ReadMessage()
	if err != nil {
		return "", nil, false, err
	}
	msg := string(data)
	if msg == "2" {
		_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
		return "", nil, false, nil
	}
	if !strings.HasPrefix(msg, "42") {
		return "", nil, false, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(msg[2:]), &arr); err != nil || len(arr) == 0 {
		return "", nil, false, nil
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, false, nil
	}
	if len(arr) > 1 {
		return name, arr[1], true, nil
	}
	return name, nil, true, nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnect_RejectsGarbageToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	authBytes, _ := json.Marshal(map[string]string{"token": "garbage-token"})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}

	reply := waitForPrefix(t, conn, "44", 2*time.Second)
	if !strings.Contains(reply, "authentication failed") {
		t.Fatalf("unexpected rejection frame: %s", reply)
	}

	// A join attempt after rejection must never reach the registry.
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`42["join-proposal",{"proposalId":"prop-1"}]`))
	time.Sleep(100 * time.Millisecond)
	if env.registry.Rooms() != 0 {
		t.Fatal("registry mutated by unauthenticated session")
	}
}

func TestConnect_DevBypass(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.connect(t, conn, "dev-bypass")

	snap := join(t, conn, "prop-1")
	rec, ok := snap.Users[auth.DemoIdentity.UserID]
	if !ok {
		t.Fatalf("expected demo user in snapshot, got %v", snap.Users)
	}
	if rec.Email != auth.DemoIdentity.Email {
		t.Fatalf("unexpected demo record: %+v", rec)
	}
}

func TestJoin_SnapshotAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	connA := env.session(t, "u-a", "a@example.com")
	snapA := join(t, connA, "prop-1")
	if _, ok := snapA.Users["u-a"]; !ok {
		t.Fatalf("joiner missing from own snapshot: %v", snapA.Users)
	}

	connB := env.session(t, "u-b", "b@example.com")
	snapB := join(t, connB, "prop-1")
	if _, ok := snapB.Users["u-a"]; !ok {
		t.Fatalf("expected u-a in B's snapshot, got %v", snapB.Users)
	}

	joined := waitForCollab(t, connA, "USER_JOINED", 2*time.Second)
	if joined.UserID != "u-b" || joined.ProposalID != "prop-1" {
		t.Fatalf("unexpected USER_JOINED: %+v", joined)
	}
}

func TestBroadcast_NoSelfEcho(t *testing.T) {
	env := newTestEnv(t)
	connA := env.session(t, "u-a", "a@example.com")
	connB := env.session(t, "u-b", "b@example.com")
	join(t, connA, "prop-1")
	join(t, connB, "prop-1")
	waitForCollab(t, connA, "USER_JOINED", 2*time.Second)

	emit(t, connA, "content-change", map[string]any{
		"sectionId":  "sec-1",
		"changes":    map[string]string{"text": "hello"},
		"proposalId": "prop-1",
	})

	got := waitForCollab(t, connB, "CONTENT_CHANGED", 2*time.Second)
	if got.UserID != "u-a" {
		t.Fatalf("unexpected sender: %+v", got)
	}

	if n := countCollab(t, connA, "CONTENT_CHANGED", 300*time.Millisecond); n != 0 {
		t.Fatalf("sender received its own event %d times", n)
	}
}

func TestBroadcast_CrossRoomIsolation(t *testing.T) {
	env := newTestEnv(t)
	connA := env.session(t, "u-a", "a@example.com")
	connB := env.session(t, "u-b", "b@example.com")
	connC := env.session(t, "u-c", "c@example.com")
	join(t, connA, "prop-1")
	join(t, connB, "prop-1")
	join(t, connC, "prop-2")
	waitForCollab(t, connA, "USER_JOINED", 2*time.Second)

	emit(t, connA, "section-add", map[string]any{
		"section":    map[string]string{"id": "sec-9", "title": "Approach"},
		"proposalId": "prop-1",
	})

	got := waitForCollab(t, connB, "SECTION_ADDED", 2*time.Second)
	if got.ProposalID != "prop-1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}

	if n := countCollab(t, connC, "SECTION_ADDED", 300*time.Millisecond); n != 0 {
		t.Fatal("event leaked across rooms")
	}
}

func TestEvent_FromUnjoinedSessionDropped(t *testing.T) {
	env := newTestEnv(t)
	connA := env.session(t, "u-a", "a@example.com")
	join(t, connA, "prop-1")

	connC := env.session(t, "u-c", "c@example.com")
	// Authenticated but never joined: the event vanishes without an error
	// reply.
	emit(t, connC, "content-change", map[string]any{
		"sectionId":  "sec-1",
		"changes":    map[string]string{"text": "sneaky"},
		"proposalId": "prop-1",
	})

	if n := countCollab(t, connA, "CONTENT_CHANGED", 300*time.Millisecond); n != 0 {
		t.Fatal("unjoined session's event was relayed")
	}
	expectNoEvent(t, connC, "error", 200*time.Millisecond)
}
