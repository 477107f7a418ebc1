package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/wsrelay/internal/queue"
)

// Handle is the public face of a connection manager. Every clone keeps the
// manager alive; the manager stops once all clones are closed.
type Handle struct {
	anchor   *anchor
	commands *queue.Queue[command]
	events   *queue.Queue[Event]
	counters *counters
	done     <-chan struct{}
	logger   *slog.Logger

	released atomic.Bool
}

// Events is the receiving end of the manager's outward event stream.
// Events for one ID arrive in order; there is no ordering across IDs.
type Events struct {
	q *queue.Queue[Event]
}

// New starts a connection manager and returns its first Handle together with
// the stream of events from all connections.
func New(logger *slog.Logger) (*Handle, *Events) {
	if logger == nil {
		logger = slog.Default()
	}

	a := newAnchor()
	m := newManager(a, logger)
	m.counters.running.Store(true)

	go m.run()

	h := &Handle{
		anchor:   a,
		commands: m.commands,
		events:   m.events,
		counters: m.counters,
		done:     m.done,
		logger:   logger,
	}
	return h, &Events{q: m.events}
}

// Connect hands an established transport to the manager under id and returns
// the session assigned to its worker. An existing connection for id is
// disconnected and replaced. If this handle is closed or the manager has
// stopped, the transport is closed and ErrManagerClosed is returned.
func (h *Handle) Connect(id ID, transport Transport) (uuid.UUID, error) {
	if transport == nil {
		h.logger.Error("connect with nil transport", "peer", id)
		return uuid.Nil, ErrNilTransport
	}

	session := uuid.New()
	if !h.enqueue(command{kind: cmdConnect, id: id, session: session, transport: transport}) {
		closeTransport(transport, h.logger)
		return uuid.Nil, ErrManagerClosed
	}
	return session, nil
}

// SendData queues a frame for the connection named id. Frames for unknown or
// dead connections are dropped.
func (h *Handle) SendData(id ID, frame Frame) {
	h.enqueue(command{kind: cmdSendData, id: id, frame: frame})
}

// Disconnect tears down the connection named id, if any.
func (h *Handle) Disconnect(id ID) {
	h.enqueue(command{kind: cmdDisconnect, id: id})
}

// Clone returns a new Handle that independently keeps the manager alive.
func (h *Handle) Clone() *Handle {
	c := &Handle{
		anchor:   h.anchor,
		commands: h.commands,
		events:   h.events,
		counters: h.counters,
		done:     h.done,
		logger:   h.logger,
	}
	if h.released.Load() || !h.anchor.acquire() {
		h.logger.Error("cloning a closed connection manager handle")
		c.released.Store(true)
	}
	return c
}

// Close releases this Handle's reference. Closing the last one stops the
// manager, which closes every worker. Safe to call more than once.
func (h *Handle) Close() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if h.anchor.release() {
		h.logger.Debug("last connection manager handle closed")
		h.commands.Close()
	}
	return nil
}

// Done is closed once the manager has stopped and all its workers have exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stats returns current manager statistics.
func (h *Handle) Stats() Stats {
	return Stats{
		Running:           h.counters.running.Load(),
		ActiveConnections: int(h.counters.active.Load()),
		Workers:           int(h.counters.workers.Load()),
		Displaced:         h.counters.displaced.Load(),
		FramesReceived:    h.counters.framesReceived.Load(),
		FramesSent:        h.counters.framesSent.Load(),
		PendingCommands:   h.commands.Len(),
		PendingEvents:     h.events.Len(),
	}
}

// enqueue hands a command to the manager. Failure means the manager is
// already shutting down; it is logged, not returned.
func (h *Handle) enqueue(cmd command) bool {
	if h.released.Load() {
		h.logger.Error("connection manager handle used after close",
			"command", cmd.kind,
			"peer", cmd.id,
		)
		return false
	}
	if !h.commands.Send(cmd) {
		h.logger.Error("failed to enqueue command, shutting down?",
			"command", cmd.kind,
			"peer", cmd.id,
		)
		return false
	}
	return true
}

// Receive blocks until an event is available or ctx is done. It returns
// ErrManagerClosed after the manager has stopped and every event was consumed.
func (e *Events) Receive(ctx context.Context) (Event, error) {
	evt, err := e.q.Receive(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return evt, ErrManagerClosed
	}
	return evt, err
}

// TryReceive returns the next event without blocking.
func (e *Events) TryReceive() (Event, bool) {
	return e.q.TryReceive()
}

// Len returns the number of events waiting to be received.
func (e *Events) Len() int {
	return e.q.Len()
}

// Close tells the manager nobody is listening any more; it stops on its next
// tick and takes every worker down with it.
func (e *Events) Close() {
	e.q.Close()
}
