package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/wsrelay/internal/connection"
	"github.com/rickgao/wsrelay/internal/journal"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []journal.Record
}

func (f *fakeRecorder) Record(rec journal.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) snapshot() []journal.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]journal.Record(nil), f.records...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRelay struct {
	hub    *Hub
	handle *connection.Handle
	server *httptest.Server
}

// startRelay runs a hub behind an httptest server until the test ends.
func startRelay(t *testing.T, mode Mode, rec Recorder) *testRelay {
	t.Helper()

	wsCfg := connection.DefaultWebSocketConfig()
	wsCfg.PingInterval = 0

	handle, events := connection.New(testLogger())
	hub := NewHub(Config{Mode: mode, WebSocket: wsCfg}, handle, events, rec, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- hub.Run(ctx) }()

	server := httptest.NewServer(hub)

	t.Cleanup(func() {
		server.Close()
		handle.Close()
		select {
		case <-handle.Done():
		case <-time.After(2 * time.Second):
			t.Error("connection manager did not stop")
		}
		cancel()
		<-runErr
	})

	return &testRelay{hub: hub, handle: handle, server: server}
}

func (r *testRelay) dial(t *testing.T, peer string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(r.server.URL, "http")
	if peer != "" {
		url += "?peer=" + peer
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) failed: %v", peer, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	return string(data)
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message %q", data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("ReadMessage error = %v, want timeout", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"broadcast", ModeBroadcast, false},
		{"echo", ModeEcho, false},
		{"fanout", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHub_Broadcast(t *testing.T) {
	r := startRelay(t, ModeBroadcast, nil)

	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")
	carol := r.dial(t, "carol")
	waitFor(t, "three peers", func() bool { return len(r.hub.Peers()) == 3 })

	if err := alice.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	if got := readMessage(t, bob); got != "hello" {
		t.Errorf("bob got %q, want hello", got)
	}
	if got := readMessage(t, carol); got != "hello" {
		t.Errorf("carol got %q, want hello", got)
	}
	expectSilence(t, alice)

	stats := r.hub.Stats()
	if stats.FramesReceived != 1 || stats.FramesRelayed != 2 {
		t.Errorf("FramesReceived = %d, FramesRelayed = %d; want 1, 2", stats.FramesReceived, stats.FramesRelayed)
	}
}

func TestHub_BroadcastKeepsOrder(t *testing.T) {
	r := startRelay(t, ModeBroadcast, nil)

	sender := r.dial(t, "sender")
	receiver := r.dial(t, "receiver")
	waitFor(t, "two peers", func() bool { return len(r.hub.Peers()) == 2 })

	want := []string{"1", "2", "3", "4", "5"}
	for _, msg := range want {
		sender.WriteMessage(websocket.TextMessage, []byte(msg))
	}
	for _, w := range want {
		if got := readMessage(t, receiver); got != w {
			t.Fatalf("got %q, want %q", got, w)
		}
	}
}

func TestHub_Echo(t *testing.T) {
	r := startRelay(t, ModeEcho, nil)

	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")
	waitFor(t, "two peers", func() bool { return len(r.hub.Peers()) == 2 })

	alice.WriteMessage(websocket.TextMessage, []byte("ping"))

	if got := readMessage(t, alice); got != "ping" {
		t.Errorf("alice got %q, want ping", got)
	}
	expectSilence(t, bob)
}

func TestHub_GeneratedPeerID(t *testing.T) {
	r := startRelay(t, ModeEcho, nil)

	r.dial(t, "")
	waitFor(t, "one peer", func() bool { return len(r.hub.Peers()) == 1 })

	id := string(r.hub.Peers()[0])
	if len(id) != 36 {
		t.Errorf("generated peer id = %q, want a uuid", id)
	}
}

func TestHub_DisconnectRemovesPeer(t *testing.T) {
	rec := &fakeRecorder{}
	r := startRelay(t, ModeBroadcast, rec)

	alice := r.dial(t, "alice")
	waitFor(t, "alice", func() bool { return len(r.hub.Peers()) == 1 })

	alice.Close()
	waitFor(t, "disconnect record", func() bool { return len(rec.snapshot()) == 2 })

	if peers := r.hub.Peers(); len(peers) != 0 {
		t.Errorf("Peers() = %v, want none", peers)
	}

	stats := r.hub.Stats()
	if stats.Disconnects != 1 || stats.HardErrors != 1 {
		t.Errorf("Disconnects = %d, HardErrors = %d; want 1, 1", stats.Disconnects, stats.HardErrors)
	}

	records := rec.snapshot()
	if records[0].Kind != journal.KindConnect || records[1].Kind != journal.KindDisconnect {
		t.Errorf("kinds = %s, %s; want connect, disconnect", records[0].Kind, records[1].Kind)
	}
	if records[0].Session != records[1].Session {
		t.Error("connect and disconnect should share a session")
	}
	if records[1].Error == "" {
		t.Error("abrupt close should record an error")
	}
}

func TestHub_Kick(t *testing.T) {
	rec := &fakeRecorder{}
	r := startRelay(t, ModeBroadcast, rec)

	alice := r.dial(t, "alice")
	waitFor(t, "alice", func() bool { return len(r.hub.Peers()) == 1 })

	r.hub.Kick("alice")

	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := alice.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage error = %v, want normal close", err)
	}

	waitFor(t, "alice to leave", func() bool { return len(r.hub.Peers()) == 0 })
	if stats := r.hub.Stats(); stats.HardErrors != 0 {
		t.Errorf("HardErrors = %d, want 0 for a kick", stats.HardErrors)
	}
}

func TestHub_ReconnectDisplacesOldSocket(t *testing.T) {
	r := startRelay(t, ModeEcho, nil)

	first := r.dial(t, "alice")
	waitFor(t, "first attach", func() bool { return r.hub.Stats().Accepted == 1 })

	second := r.dial(t, "alice")
	waitFor(t, "second attach", func() bool { return r.hub.Stats().Accepted == 2 })

	// The displaced socket is closed by the server
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("displaced socket should be closed")
	}

	waitFor(t, "displaced disconnect", func() bool { return r.hub.Stats().Disconnects == 1 })
	if peers := r.hub.Peers(); len(peers) != 1 || peers[0] != "alice" {
		t.Fatalf("Peers() = %v, want [alice]", peers)
	}

	second.WriteMessage(websocket.TextMessage, []byte("still here"))
	if got := readMessage(t, second); got != "still here" {
		t.Errorf("got %q, want still here", got)
	}

	if displaced := r.handle.Stats().Displaced; displaced != 1 {
		t.Errorf("Displaced = %d, want 1", displaced)
	}
}

func TestHub_RunStopsWhenManagerStops(t *testing.T) {
	handle, events := connection.New(testLogger())
	hub := NewHub(Config{Mode: ModeEcho}, handle, events, nil, testLogger())

	done := make(chan error, 1)
	go func() { done <- hub.Run(context.Background()) }()

	handle.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the manager stopped")
	}
}

func TestHub_RunContextCancel(t *testing.T) {
	handle, events := connection.New(testLogger())
	defer handle.Close()
	hub := NewHub(Config{Mode: ModeEcho}, handle, events, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// idleTransport never delivers a frame and records whether it was closed.
type idleTransport struct {
	closed chan struct{}
	once   sync.Once
}

func newIdleTransport() *idleTransport {
	return &idleTransport{closed: make(chan struct{})}
}

func (t *idleTransport) ReadFrame() (connection.Frame, error) { return nil, connection.ErrWouldBlock }
func (t *idleTransport) WriteFrame(connection.Frame) error    { return nil }

func (t *idleTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func TestHub_AttachAfterManagerStops(t *testing.T) {
	rec := &fakeRecorder{}
	handle, events := connection.New(testLogger())
	hub := NewHub(Config{Mode: ModeBroadcast}, handle, events, rec, testLogger())

	events.Close()
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after the event stream closed")
	}

	tr := newIdleTransport()
	session, err := hub.Attach("ghost", tr)
	if !errors.Is(err, connection.ErrManagerClosed) {
		t.Fatalf("Attach() error = %v, want ErrManagerClosed", err)
	}
	if session != uuid.Nil {
		t.Errorf("session = %s, want nil uuid", session)
	}

	select {
	case <-tr.closed:
	case <-time.After(time.Second):
		t.Error("refused transport was not closed")
	}

	if peers := hub.Peers(); len(peers) != 0 {
		t.Errorf("Peers() = %v, want none", peers)
	}
	if stats := hub.Stats(); stats.Accepted != 0 || stats.Peers != 0 {
		t.Errorf("Accepted = %d, Peers = %d; want 0, 0", stats.Accepted, stats.Peers)
	}
	if records := rec.snapshot(); len(records) != 0 {
		t.Errorf("recorded %d entries, want none", len(records))
	}

	handle.Close()
}
