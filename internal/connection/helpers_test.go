package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scripted in-memory Transport.
type fakeTransport struct {
	mu       sync.Mutex
	inbox    []Frame
	readErr  error // Returned once inbox is empty
	writeErr error
	panicVal any
	closeVal any // Close panics with this after marking the transport closed
	written  []Frame
	closed   bool
	closedCh chan struct{}
}

func newFakeTransport(frames ...Frame) *fakeTransport {
	return &fakeTransport{
		inbox:    frames,
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.panicVal != nil {
		panic(f.panicVal)
	}
	if len(f.inbox) > 0 {
		frame := f.inbox[0]
		f.inbox = f.inbox[1:]
		return frame, nil
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	return nil, ErrWouldBlock
}

func (f *fakeTransport) WriteFrame(frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append(Frame(nil), frame...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	if f.closeVal != nil {
		panic(f.closeVal)
	}
	return nil
}

func (f *fakeTransport) push(frames ...Frame) {
	f.mu.Lock()
	f.inbox = append(f.inbox, frames...)
	f.mu.Unlock()
}

func (f *fakeTransport) failRead(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) failWrite(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) panicOnRead(v any) {
	f.mu.Lock()
	f.panicVal = v
	f.mu.Unlock()
}

func (f *fakeTransport) panicOnClose(v any) {
	f.mu.Lock()
	f.closeVal = v
	f.mu.Unlock()
}

func (f *fakeTransport) writtenFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.written))
	for i, frame := range f.written {
		out[i] = string(frame)
	}
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager starts a manager that is torn down when the test ends.
func newTestManager(t *testing.T) (*Handle, *Events) {
	t.Helper()

	h, events := New(nil)
	t.Cleanup(func() {
		h.Close()
		events.Close()
	})
	return h, events
}

// nextEvent waits for the next event or fails the test.
func nextEvent(t *testing.T, events *Events) Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	evt, err := events.Receive(ctx)
	if err != nil {
		t.Fatalf("timeout waiting for event: %v", err)
	}
	return evt
}

// expectNoEvent fails the test if an event arrives within d.
func expectNoEvent(t *testing.T, events *Events, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	evt, err := events.Receive(ctx)
	if err == nil {
		t.Fatalf("unexpected event: %v", evt)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive error = %v, want deadline exceeded", err)
	}
}

// waitFor polls cond until it holds or fails the test after two seconds.
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

func waitClosed(t *testing.T, f *fakeTransport) {
	t.Helper()

	select {
	case <-f.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not closed")
	}
}
