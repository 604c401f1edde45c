package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hubServer is an in-process Hub speaking just enough of the protocol for
// client tests: it records every frame and can push frames back.
type hubServer struct {
	t  *testing.T
	mu sync.Mutex

	conns    []*websocket.Conn
	received []Message
	accepted atomic.Int64
}

func (s *hubServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.accepted.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
	}
}

func (s *hubServer) push(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("no connection to push on")
	}
	if err := s.conns[len(s.conns)-1].WriteJSON(msg); err != nil {
		s.t.Fatalf("push: %v", err)
	}
}

func (s *hubServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

func (s *hubServer) frames(msgType string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.received {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func newTestClient(t *testing.T, srv *httptest.Server, opts Options) *Client {
	t.Helper()
	opts.BaseURL = srv.URL
	if opts.NodeID == "" {
		opts.NodeID = "node-1"
	}
	if opts.Token == "" {
		opts.Token = "tok"
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 50 * time.Millisecond
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Millisecond
	}
	c := New(opts)
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAndHeartbeat(t *testing.T) {
	hs := &hubServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(hs.handler))
	defer srv.Close()

	c := newTestClient(t, srv, Options{ActiveTasks: func() int { return 2 }})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.Connected() {
		t.Fatal("expected connected state")
	}

	waitFor(t, "heartbeat frame", func() bool { return len(hs.frames(TypeHeartbeat)) >= 1 })
	hb := hs.frames(TypeHeartbeat)[0]
	var payload HeartbeatPayload
	if err := json.Unmarshal(hb.Payload, &payload); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if payload.ActiveTasks != 2 {
		t.Errorf("activeTasks = %d, want 2", payload.ActiveTasks)
	}
}

func TestConnectRequiresIdentity(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0"})
	if err := c.Connect(); err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("connect without identity: %v", err)
	}
}

func TestSendDropsWhenDisconnected(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0", NodeID: "n", Token: "t"})
	if err := c.Send(NewMessage(TypeChat, "id-1", "peer", nil)); err == nil {
		t.Fatal("expected send on dead uplink to fail")
	}
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	hs := &hubServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(hs.handler))
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "first accept", func() bool { return hs.accepted.Load() >= 1 })

	hs.dropAll()
	waitFor(t, "reconnect", func() bool { return hs.accepted.Load() >= 2 && c.Connected() })

	// Heartbeat must resume on the new socket.
	before := len(hs.frames(TypeHeartbeat))
	waitFor(t, "heartbeat after reconnect", func() bool { return len(hs.frames(TypeHeartbeat)) > before })
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	hs := &hubServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(hs.handler))
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "accept", func() bool { return hs.accepted.Load() >= 1 })

	c.Disconnect()
	time.Sleep(200 * time.Millisecond)
	if hs.accepted.Load() != 1 {
		t.Errorf("accepted %d connections after deliberate disconnect, want 1", hs.accepted.Load())
	}
	if c.Connected() {
		t.Error("client still reports connected")
	}
}

func TestOverlappingConnectDialsOnce(t *testing.T) {
	hs := &hubServer{t: t}
	release := make(chan struct{})
	var arrived atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if arrived.Add(1) == 1 {
			<-release
		}
		hs.handler(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Connect() }()
	waitFor(t, "dial in flight", func() bool { return arrived.Load() == 1 })

	// A second call while the first dial is held must not open another socket.
	if err := c.Connect(); err != nil {
		t.Fatalf("overlapping connect: %v", err)
	}
	close(release)

	if err := <-firstDone; err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return c.Connected() })
	time.Sleep(100 * time.Millisecond)
	if got := hs.accepted.Load(); got != 1 {
		t.Errorf("accepted %d connections, want 1", got)
	}
}

func TestTaskFrameInvokesCallback(t *testing.T) {
	hs := &hubServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(hs.handler))
	defer srv.Close()

	got := make(chan Message, 1)
	c := newTestClient(t, srv, Options{OnTask: func(m Message) { got <- m }})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "accept", func() bool { return hs.accepted.Load() >= 1 })

	hs.push(NewMessage(TypeTask, "task-1", "node-1", TaskPayload{Task: "ls", Priority: "normal"}))

	select {
	case m := <-got:
		if m.ID != "task-1" {
			t.Errorf("task id = %q, want task-1", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task callback never fired")
	}
}

func TestSystemBroadcastBumpsChangeSeq(t *testing.T) {
	hs := &hubServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(hs.handler))
	defer srv.Close()

	var online, offline []string
	var mu sync.Mutex
	c := newTestClient(t, srv, Options{
		OnNodeOnline: func(id string) {
			mu.Lock()
			online = append(online, id)
			mu.Unlock()
		},
		OnNodeOffline: func(id string) {
			mu.Lock()
			offline = append(offline, id)
			mu.Unlock()
		},
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "accept", func() bool { return hs.accepted.Load() >= 1 })

	broadcast := func(action string) {
		msg := NewMessage(TypeBroadcast, "b-"+action, "", BroadcastPayload{Action: action, NodeID: "peer-a"})
		msg.Channel = "system"
		hs.push(msg)
	}
	broadcast("node_online")
	broadcast("node_offline")

	waitFor(t, "changeSeq", func() bool { return c.ChangeSeq() == 2 })
	mu.Lock()
	defer mu.Unlock()
	if len(online) != 1 || online[0] != "peer-a" {
		t.Errorf("online callbacks = %v, want [peer-a]", online)
	}
	if len(offline) != 1 || offline[0] != "peer-a" {
		t.Errorf("offline callbacks = %v, want [peer-a]", offline)
	}
}

func TestSharedConfigPush(t *testing.T) {
	hs := &hubServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(hs.handler))
	defer srv.Close()

	got := make(chan json.RawMessage, 1)
	c := newTestClient(t, srv, Options{OnSharedConfig: func(cfg json.RawMessage) { got <- cfg }})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "accept", func() bool { return hs.accepted.Load() >= 1 })

	hs.push(NewMessage(TypeDirect, "d-1", "node-1", map[string]any{
		"action":       "connected",
		"nodeId":       "node-1",
		"sharedConfig": map[string]any{"ownerEmail": "ops@example.com"},
	}))

	select {
	case cfg := <-got:
		var decoded map[string]any
		if err := json.Unmarshal(cfg, &decoded); err != nil {
			t.Fatalf("decode shared config: %v", err)
		}
		if decoded["ownerEmail"] != "ops@example.com" {
			t.Errorf("shared config = %v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shared config callback never fired")
	}
}

func TestSendResultFrameShape(t *testing.T) {
	hs := &hubServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(hs.handler))
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "accept", func() bool { return hs.accepted.Load() >= 1 })

	if err := c.SendResult("task-9", "peer-b", true, "done", ""); err != nil {
		t.Fatalf("send result: %v", err)
	}
	waitFor(t, "result frame", func() bool { return len(hs.frames(TypeResult)) == 1 })

	frame := hs.frames(TypeResult)[0]
	if frame.ID != "task-9" || frame.To != "peer-b" || frame.From != "node-1" {
		t.Errorf("frame routing = id=%q to=%q from=%q", frame.ID, frame.To, frame.From)
	}
	var payload ResultPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !payload.Success || payload.Result != "done" {
		t.Errorf("payload = %+v", payload)
	}
}
