package connection

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/rickgao/wsrelay/internal/queue"
)

// newTestWorker builds a worker without starting its goroutine.
func newTestWorker(tr Transport) (*worker, *queue.Queue[Event]) {
	events := queue.New[Event](16)
	return &worker{
		id:        "peerA",
		session:   uuid.New(),
		transport: tr,
		logger:    testLogger(),
		counters:  &counters{},
		commands:  queue.New[command](16),
		events:    events,
	}, events
}

func TestWorker_ReadBatchIsCapped(t *testing.T) {
	tr := newFakeTransport()
	for i := 0; i < batchSize+50; i++ {
		tr.push(Frame(fmt.Sprintf("%d", i)))
	}
	w, events := newTestWorker(tr)

	didWork, done := w.tick()
	if !didWork || done {
		t.Fatalf("tick() = %v, %v; want true, false", didWork, done)
	}
	if events.Len() != batchSize {
		t.Errorf("events after first tick = %d, want %d", events.Len(), batchSize)
	}

	w.tick()
	if events.Len() != batchSize+50 {
		t.Errorf("events after second tick = %d, want %d", events.Len(), batchSize+50)
	}

	didWork, done = w.tick()
	if didWork || done {
		t.Errorf("idle tick() = %v, %v; want false, false", didWork, done)
	}
}

func TestWorker_CommandBatchIsCapped(t *testing.T) {
	tr := newFakeTransport()
	w, _ := newTestWorker(tr)

	for i := 0; i < batchSize+1; i++ {
		w.commands.Send(command{kind: cmdSendData, id: "peerA", frame: Frame("x")})
	}

	w.tick()
	if got := len(tr.writtenFrames()); got != batchSize {
		t.Errorf("writes after first tick = %d, want %d", got, batchSize)
	}
	w.tick()
	if got := len(tr.writtenFrames()); got != batchSize+1 {
		t.Errorf("writes after second tick = %d, want %d", got, batchSize+1)
	}
}

func TestWorker_Terminations(t *testing.T) {
	readErr := errors.New("read failed")
	writeErr := errors.New("write failed")

	tests := []struct {
		name      string
		setup     func(w *worker, tr *fakeTransport)
		wantEvent bool
		wantErr   error
	}{
		{
			name: "disconnect command",
			setup: func(w *worker, tr *fakeTransport) {
				w.commands.Send(command{kind: cmdDisconnect, id: w.id})
			},
			wantEvent: true,
		},
		{
			name: "command queue closed",
			setup: func(w *worker, tr *fakeTransport) {
				w.commands.Close()
			},
			wantEvent: true,
		},
		{
			name: "read error",
			setup: func(w *worker, tr *fakeTransport) {
				tr.failRead(readErr)
			},
			wantEvent: true,
			wantErr:   readErr,
		},
		{
			name: "write error",
			setup: func(w *worker, tr *fakeTransport) {
				tr.failWrite(writeErr)
				w.commands.Send(command{kind: cmdSendData, id: w.id, frame: Frame("x")})
			},
			wantEvent: true,
			wantErr:   writeErr,
		},
		{
			name: "event queue closed",
			setup: func(w *worker, tr *fakeTransport) {
				w.events.Close()
			},
			wantEvent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			w, events := newTestWorker(tr)
			tt.setup(w, tr)

			_, done := w.tick()
			if !done {
				t.Fatal("tick() should report done")
			}

			evt, ok := events.TryReceive()
			if ok != tt.wantEvent {
				t.Fatalf("event emitted = %v, want %v", ok, tt.wantEvent)
			}
			if !ok {
				return
			}
			if evt.Kind != EventDisconnect || evt.ID != w.id || evt.Session != w.session {
				t.Errorf("event = %v, want disconnect from this worker", evt)
			}
			if !errors.Is(evt.Err, tt.wantErr) || (tt.wantErr == nil && evt.Err != nil) {
				t.Errorf("Err = %v, want %v", evt.Err, tt.wantErr)
			}
		})
	}
}

func TestWorker_CommandsBeforeReads(t *testing.T) {
	tr := newFakeTransport(Frame("late"))
	w, events := newTestWorker(tr)

	w.commands.Send(command{kind: cmdDisconnect, id: w.id})

	if _, done := w.tick(); !done {
		t.Fatal("tick() should report done")
	}
	if events.Len() != 1 {
		t.Errorf("events = %d, want only the disconnect", events.Len())
	}
}

func TestWorker_RunClosesTransport(t *testing.T) {
	tr := newFakeTransport()
	events := queue.New[Event](4)
	c := &counters{}

	commands := spawnWorker("peerA", uuid.New(), tr, events, c, testLogger())
	commands.Close()

	waitClosed(t, tr)
	c.wg.Wait()

	if c.workers.Load() != 0 {
		t.Errorf("workers = %d, want 0", c.workers.Load())
	}
	if commands.Send(command{kind: cmdSendData}) {
		t.Error("command queue should reject sends after the worker exits")
	}
}

func TestWorker_ShutdownSurvivesClosePanic(t *testing.T) {
	tr := newFakeTransport()
	tr.panicOnClose("close boom")
	events := queue.New[Event](4)
	c := &counters{}

	commands := spawnWorker("peerA", uuid.New(), tr, events, c, testLogger())
	commands.Close()

	waitClosed(t, tr)
	c.wg.Wait()

	if c.workers.Load() != 0 {
		t.Errorf("workers = %d, want 0", c.workers.Load())
	}
}
