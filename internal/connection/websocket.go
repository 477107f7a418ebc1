package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/wsrelay/internal/queue"
)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	ReadLimit        int64         // Max frame size accepted from the peer (0 = unlimited)
	PingInterval     time.Duration // How often to ping the peer
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // Dial handshake timeout
	Binary           bool          // Send frames as binary messages instead of text
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		ReadLimit:        1 << 20,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Binary:           true,
	}
}

// WebSocketTransport adapts a *websocket.Conn to Transport. A reader
// goroutine feeds an inbox so ReadFrame never blocks.
type WebSocketTransport struct {
	cfg    WebSocketConfig
	logger *slog.Logger

	conn  *websocket.Conn
	inbox *queue.Queue[Frame]
	done  chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.Mutex
	lastPingAt time.Time
	err        error // First terminal error
	closed     bool
}

// DialWebSocket connects to url and returns a running transport.
func DialWebSocket(ctx context.Context, url string, header http.Header, cfg WebSocketConfig, logger *slog.Logger) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("websocket connected", "url", url)

	return NewWebSocketTransport(conn, cfg, logger), nil
}

// NewWebSocketTransport wraps an established connection and starts its
// reader and heartbeat goroutines.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}

	t := &WebSocketTransport{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		inbox:      queue.New[Frame](initialQueueCapacity),
		done:       make(chan struct{}),
		lastPingAt: time.Now(),
	}

	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}

	// Peer sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		t.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	// Peer responds to our ping
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	go t.readLoop()
	if cfg.PingInterval > 0 {
		go t.heartbeatLoop()
	}

	return t
}

// ReadFrame returns the next received frame, ErrWouldBlock if none is
// pending, or the error that ended the connection.
func (t *WebSocketTransport) ReadFrame() (Frame, error) {
	frame, state := t.inbox.Poll()
	switch state {
	case queue.Ready:
		return frame, nil
	case queue.Empty:
		return nil, ErrWouldBlock
	default:
		return nil, t.terminalError()
	}
}

// WriteFrame sends one frame as a single WebSocket message.
func (t *WebSocketTransport) WriteFrame(frame Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	messageType := websocket.TextMessage
	if t.cfg.Binary {
		messageType = websocket.BinaryMessage
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return t.conn.WriteMessage(messageType, frame)
}

// Close sends a close message and closes the connection. Safe to call more than once.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

// RemoteAddr returns the peer's network address.
func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// readLoop moves messages from the socket into the inbox until the socket fails.
func (t *WebSocketTransport) readLoop() {
	defer t.inbox.Close()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				t.fail(ErrTransportClosed)
			default:
				t.fail(err)
			}
			return
		}

		t.inbox.Send(Frame(data))
	}
}

// heartbeatLoop pings the peer and closes the socket when it goes stale.
func (t *WebSocketTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			t.mu.Lock()
			lastPing := t.lastPingAt
			t.mu.Unlock()

			if t.cfg.PingTimeout > 0 && time.Since(lastPing) > t.cfg.PingTimeout {
				t.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", t.cfg.PingTimeout,
				)
				t.fail(ErrStaleConnection)
				t.conn.Close() // unblocks readLoop
				return
			}
		}
	}
}

func (t *WebSocketTransport) touch() {
	t.mu.Lock()
	t.lastPingAt = time.Now()
	t.mu.Unlock()
}

// fail records the first terminal error.
func (t *WebSocketTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *WebSocketTransport) terminalError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		return ErrTransportClosed
	}
	return t.err
}
