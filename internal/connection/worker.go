package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/wsrelay/internal/queue"
)

// worker owns one transport and shuttles frames between it and the manager.
type worker struct {
	id        ID
	session   uuid.UUID
	transport Transport
	logger    *slog.Logger
	counters  *counters

	commands *queue.Queue[command] // From manager; closed by either side
	events   *queue.Queue[Event]   // Shared by all workers, drained by manager
}

// spawnWorker starts a worker goroutine and returns its command queue.
func spawnWorker(
	id ID,
	session uuid.UUID,
	transport Transport,
	events *queue.Queue[Event],
	c *counters,
	logger *slog.Logger,
) *queue.Queue[command] {
	w := &worker{
		id:        id,
		session:   session,
		transport: transport,
		logger:    logger.With("peer", id, "session", session),
		counters:  c,
		commands:  queue.New[command](initialQueueCapacity),
		events:    events,
	}

	c.workerStarted()
	go w.run()

	return w.commands
}

// run drives the worker until its connection ends.
func (w *worker) run() {
	defer w.shutdown()
	defer func() {
		if r := recover(); r != nil {
			err := &PanicError{Value: r, Stack: debug.Stack()}
			w.logger.Error("worker panic", "error", err, "stack", string(err.Stack))
			w.emit(w.disconnected(err))
		}
	}()

	timer := time.NewTimer(idleBackoff)
	defer timer.Stop()

	for {
		didWork, done := w.tick()
		if done {
			return
		}
		if didWork {
			runtime.Gosched()
			continue
		}

		timer.Reset(idleBackoff)
		select {
		case <-w.commands.Ready():
		case <-w.commands.Done():
		case <-w.events.Done():
		case <-timer.C:
		}
	}
}

// tick drains one batch of commands and one batch of reads.
func (w *worker) tick() (didWork bool, done bool) {
	if w.events.IsClosed() {
		w.logger.Debug("event queue closed, nobody listening")
		return false, true
	}

	for i := 0; i < batchSize; i++ {
		cmd, state := w.commands.Poll()
		if state == queue.Empty {
			break
		}
		if state == queue.Closed {
			w.logger.Debug("command queue closed")
			w.emit(w.disconnected(nil))
			return didWork, true
		}

		didWork = true
		switch cmd.kind {
		case cmdSendData:
			if err := w.transport.WriteFrame(cmd.frame); err != nil {
				if errors.Is(err, ErrWouldBlock) {
					err = fmt.Errorf("write: %w", err)
				}
				w.logger.Warn("socket write error", "error", err)
				w.emit(w.disconnected(err))
				return true, true
			}
			w.counters.framesSent.Add(1)

		case cmdDisconnect:
			w.logger.Debug("disconnecting socket")
			w.emit(w.disconnected(nil))
			return true, true

		default:
			w.logger.Error("unexpected command for worker", "command", cmd.kind)
		}
	}

	for i := 0; i < batchSize; i++ {
		frame, err := w.transport.ReadFrame()
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			w.logger.Warn("socket read error", "error", err)
			w.emit(w.disconnected(err))
			return didWork, true
		}

		didWork = true
		w.counters.framesReceived.Add(1)
		w.logger.Debug("socket read", "bytes", len(frame))

		if !w.emit(Event{
			Kind:       EventReceiveData,
			ID:         w.id,
			Session:    w.session,
			Frame:      frame,
			ReceivedAt: time.Now(),
		}) {
			w.logger.Debug("event queue closed, nobody listening")
			return true, true
		}
	}

	return didWork, false
}

func (w *worker) disconnected(err error) Event {
	return Event{
		Kind:       EventDisconnect,
		ID:         w.id,
		Session:    w.session,
		Err:        err,
		ReceivedAt: time.Now(),
	}
}

// emit reports an event to the manager. Returns false if the manager is gone.
func (w *worker) emit(evt Event) bool {
	return w.events.Send(evt)
}

// shutdown closes the command queue, so later sends from the manager fail, and
// releases the transport. The worker is counted as stopped even if Close panics.
func (w *worker) shutdown() {
	defer w.logger.Debug("worker stopped")
	defer w.counters.workerStopped()

	w.commands.Close()
	closeTransport(w.transport, w.logger)
}
