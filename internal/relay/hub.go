package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/wsrelay/internal/connection"
	"github.com/rickgao/wsrelay/internal/journal"
)

// Mode selects where a received frame is delivered.
type Mode string

const (
	// ModeBroadcast sends a frame to every live peer except its sender.
	ModeBroadcast Mode = "broadcast"
	// ModeEcho returns a frame to its sender.
	ModeEcho Mode = "echo"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBroadcast, ModeEcho:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown relay mode %q", s)
	}
}

// Recorder receives connection lifecycle records. *journal.Writer satisfies it.
type Recorder interface {
	Record(rec journal.Record) error
}

// Config configures a Hub.
type Config struct {
	Mode      Mode
	WebSocket connection.WebSocketConfig
}

// Hub accepts WebSocket peers, hands them to a connection manager and routes
// the frames they send according to its Mode.
type Hub struct {
	cfg      Config
	handle   *connection.Handle
	events   *connection.Events
	recorder Recorder
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Live peers and the session of their current worker
	mu    sync.RWMutex
	peers map[connection.ID]uuid.UUID

	// Stats
	statsMu sync.Mutex
	stats   Stats
}

// Stats holds hub counters.
type Stats struct {
	Peers          int   `json:"peers"`
	Accepted       int64 `json:"accepted"`
	UpgradeErrors  int64 `json:"upgrade_errors"`
	Disconnects    int64 `json:"disconnects"`
	HardErrors     int64 `json:"hard_errors"`
	FramesReceived int64 `json:"frames_received"`
	FramesRelayed  int64 `json:"frames_relayed"`
}

// NewHub creates a Hub. handle and events come from connection.New; the hub
// takes over consuming events. recorder may be nil.
func NewHub(cfg Config, handle *connection.Handle, events *connection.Events, recorder Recorder, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBroadcast
	}

	return &Hub{
		cfg:      cfg,
		handle:   handle,
		events:   events,
		recorder: recorder,
		logger:   logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		peers: make(map[connection.ID]uuid.UUID),
	}
}

// ServeHTTP upgrades GET <path>?peer=<id> to a WebSocket and attaches it.
// A random peer id is assigned when none is given.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		peer = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("websocket upgrade failed", "peer", peer, "error", err)
		h.statsMu.Lock()
		h.stats.UpgradeErrors++
		h.statsMu.Unlock()
		return
	}

	transport := connection.NewWebSocketTransport(conn, h.cfg.WebSocket, h.logger.With("peer", peer))
	session, err := h.Attach(connection.ID(peer), transport)
	if err != nil {
		// Connect has already closed the socket
		h.logger.Warn("peer rejected", "peer", peer, "error", err)
		return
	}

	h.logger.Info("peer connected",
		"peer", peer,
		"session", session,
		"remote", transport.RemoteAddr(),
	)
}

// Attach hands transport to the connection manager under id, replacing any
// existing connection for that id. When the manager refuses the transport it
// is closed and the peer is not tracked.
func (h *Hub) Attach(id connection.ID, transport connection.Transport) (uuid.UUID, error) {
	// Hold the lock across Connect so peers reflects command order
	h.mu.Lock()
	session, err := h.handle.Connect(id, transport)
	if err != nil {
		h.mu.Unlock()
		return uuid.Nil, err
	}
	h.peers[id] = session
	h.mu.Unlock()

	h.statsMu.Lock()
	h.stats.Accepted++
	h.statsMu.Unlock()

	h.record(journal.Connected(string(id), session))
	return session, nil
}

// Kick disconnects the peer named id.
func (h *Hub) Kick(id connection.ID) {
	h.handle.Disconnect(id)
}

// Run consumes manager events until ctx is done or the manager stops.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("relay hub started", "mode", h.cfg.Mode)
	defer h.logger.Info("relay hub stopped")

	for {
		evt, err := h.events.Receive(ctx)
		if err != nil {
			if errors.Is(err, connection.ErrManagerClosed) {
				return nil
			}
			return err
		}
		h.handleEvent(evt)
	}
}

// Peers returns the ids of live peers, sorted.
func (h *Hub) Peers() []connection.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]connection.ID, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns current hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	peers := len(h.peers)
	h.mu.RUnlock()

	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	s := h.stats
	s.Peers = peers
	return s
}

func (h *Hub) handleEvent(evt connection.Event) {
	switch evt.Kind {
	case connection.EventReceiveData:
		h.route(evt)
	case connection.EventDisconnect:
		h.peerGone(evt)
	}
}

// route delivers a received frame according to the hub mode.
func (h *Hub) route(evt connection.Event) {
	relayed := 0

	switch h.cfg.Mode {
	case ModeEcho:
		h.handle.SendData(evt.ID, evt.Frame)
		relayed = 1

	case ModeBroadcast:
		h.mu.RLock()
		for id := range h.peers {
			if id == evt.ID {
				continue
			}
			h.handle.SendData(id, evt.Frame)
			relayed++
		}
		h.mu.RUnlock()
	}

	h.statsMu.Lock()
	h.stats.FramesReceived++
	h.stats.FramesRelayed += int64(relayed)
	h.statsMu.Unlock()

	h.logger.Debug("frame relayed",
		"peer", evt.ID,
		"size", len(evt.Frame),
		"recipients", relayed,
	)
}

// peerGone forgets a peer whose current worker stopped. A disconnect from a
// displaced worker leaves the replacement in place.
func (h *Hub) peerGone(evt connection.Event) {
	h.mu.Lock()
	if current, ok := h.peers[evt.ID]; ok && current == evt.Session {
		delete(h.peers, evt.ID)
	}
	h.mu.Unlock()

	h.statsMu.Lock()
	h.stats.Disconnects++
	if evt.Err != nil {
		h.stats.HardErrors++
	}
	h.statsMu.Unlock()

	if evt.Err != nil {
		h.logger.Warn("peer disconnected",
			"peer", evt.ID,
			"session", evt.Session,
			"error", evt.Err,
		)
	} else {
		h.logger.Info("peer disconnected", "peer", evt.ID, "session", evt.Session)
	}

	h.record(journal.Disconnected(string(evt.ID), evt.Session, evt.Err))
}

func (h *Hub) record(rec journal.Record) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.Record(rec); err != nil {
		h.logger.Debug("journal record dropped", "peer", rec.Peer, "kind", rec.Kind, "error", err)
	}
}
