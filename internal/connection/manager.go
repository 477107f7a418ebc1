package connection

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/wsrelay/internal/queue"
)

// tickResult is the outcome of one manager tick.
type tickResult int

const (
	didWork tickResult = iota
	noWork
	endTask
)

// workerEntry is the manager's record of a live worker.
type workerEntry struct {
	session  uuid.UUID
	commands *queue.Queue[command]
}

// counters are written by the manager and workers and read through Handle.Stats.
type counters struct {
	running        atomic.Bool
	active         atomic.Int64
	workers        atomic.Int64
	displaced      atomic.Int64
	framesReceived atomic.Int64
	framesSent     atomic.Int64

	wg sync.WaitGroup // Running workers
}

func (c *counters) workerStarted() {
	c.wg.Add(1)
	c.workers.Add(1)
}

func (c *counters) workerStopped() {
	c.workers.Add(-1)
	c.wg.Done()
}

// manager routes commands to workers and fans their events out to the consumer.
// The workers map is touched only by the manager goroutine.
type manager struct {
	logger   *slog.Logger
	anchor   *anchor
	counters *counters

	commands    *queue.Queue[command] // From Handle
	events      *queue.Queue[Event]   // To consumer
	childEvents *queue.Queue[Event]   // From all workers

	workers map[ID]workerEntry

	done chan struct{}
}

func newManager(a *anchor, logger *slog.Logger) *manager {
	return &manager{
		logger:      logger,
		anchor:      a,
		counters:    &counters{},
		commands:    queue.New[command](initialQueueCapacity),
		events:      queue.New[Event](initialQueueCapacity),
		childEvents: queue.New[Event](initialQueueCapacity),
		workers:     make(map[ID]workerEntry),
		done:        make(chan struct{}),
	}
}

// run is the manager task. It exits when no Handle references remain or
// when any of its queues becomes unreachable.
func (m *manager) run() {
	defer m.shutdown()

	timer := time.NewTimer(idleBackoff)
	defer timer.Stop()

	for {
		if !m.anchor.alive() {
			m.logger.Debug("no handle references remain")
			return
		}
		if m.events.IsClosed() {
			m.logger.Debug("event consumer gone")
			return
		}

		switch m.process() {
		case didWork:
			runtime.Gosched()

		case noWork:
			timer.Reset(idleBackoff)
			select {
			case <-m.commands.Ready():
			case <-m.commands.Done():
			case <-m.childEvents.Ready():
			case <-m.events.Done():
			case <-timer.C:
			}

		case endTask:
			return
		}
	}
}

// process runs one tick: a batch of commands, then a batch of worker events.
func (m *manager) process() tickResult {
	worked := false

	for i := 0; i < batchSize; i++ {
		cmd, state := m.commands.Poll()
		if state == queue.Empty {
			break
		}
		if state == queue.Closed {
			m.logger.Debug("command queue closed")
			return endTask
		}

		worked = true
		switch cmd.kind {
		case cmdConnect:
			m.connect(cmd)
		case cmdSendData:
			m.sendData(cmd)
		case cmdDisconnect:
			m.disconnect(cmd.id)
		}
	}

	for i := 0; i < batchSize; i++ {
		evt, state := m.childEvents.Poll()
		if state == queue.Empty {
			break
		}
		if state == queue.Closed {
			return endTask
		}

		worked = true
		if evt.Kind == EventDisconnect {
			m.workerGone(evt)
		}
		if !m.events.Send(evt) {
			m.logger.Debug("event consumer gone")
			return endTask
		}
	}

	m.counters.active.Store(int64(len(m.workers)))

	if worked {
		return didWork
	}
	return noWork
}

func (m *manager) connect(cmd command) {
	entry := workerEntry{
		session:  cmd.session,
		commands: spawnWorker(cmd.id, cmd.session, cmd.transport, m.childEvents, m.counters, m.logger),
	}

	old, replaced := m.workers[cmd.id]
	m.workers[cmd.id] = entry

	if replaced {
		m.logger.Warn("replacing active connection",
			"peer", cmd.id,
			"old_session", old.session,
			"session", cmd.session,
		)
		m.counters.displaced.Add(1)
		old.commands.Send(command{kind: cmdDisconnect, id: cmd.id})
		old.commands.Close()
		return
	}

	m.logger.Debug("connection registered", "peer", cmd.id, "session", cmd.session)
}

func (m *manager) sendData(cmd command) {
	entry, ok := m.workers[cmd.id]
	if !ok {
		m.logger.Debug("dropping frame for unknown connection", "peer", cmd.id)
		return
	}

	if !entry.commands.Send(cmd) {
		m.logger.Debug("removing stale connection", "peer", cmd.id, "session", entry.session)
		delete(m.workers, cmd.id)
	}
}

func (m *manager) disconnect(id ID) {
	entry, ok := m.workers[id]
	if !ok {
		return
	}

	delete(m.workers, id)
	entry.commands.Send(command{kind: cmdDisconnect, id: id})
	entry.commands.Close()
}

// workerGone drops the entry for a worker that reported its own teardown.
// A displaced worker's Disconnect must not evict its replacement.
func (m *manager) workerGone(evt Event) {
	entry, ok := m.workers[evt.ID]
	if !ok || entry.session != evt.Session {
		return
	}

	delete(m.workers, evt.ID)
	entry.commands.Close()
}

// shutdown closes every queue the manager holds. Workers notice their command
// queue (or the shared event queue) closing and exit on their next tick.
func (m *manager) shutdown() {
	for id, entry := range m.workers {
		entry.commands.Close()
		delete(m.workers, id)
	}
	m.counters.active.Store(0)

	m.childEvents.Close()
	m.commands.Close()

	// Transports handed over by Connects that were never processed
	for _, cmd := range m.commands.DrainTo(0) {
		if cmd.kind == cmdConnect && cmd.transport != nil {
			closeTransport(cmd.transport, m.logger)
		}
	}

	go func() {
		m.counters.wg.Wait()
		m.events.Close()
		m.counters.running.Store(false)
		close(m.done)
		m.logger.Debug("connection manager stopped")
	}()
}
