package connection

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Transport is an established duplex connection owned by exactly one worker.
//
// Implementations must not block: ReadFrame returns ErrWouldBlock when no
// frame is available, and any other error is treated as fatal for the
// connection. WriteFrame is expected to complete without blocking; an
// ErrWouldBlock from WriteFrame is treated as a hard error.
type Transport interface {
	// ReadFrame returns the next received frame.
	ReadFrame() (Frame, error)

	// WriteFrame sends a frame.
	WriteFrame(frame Frame) error

	// Close releases the transport. Called once by the worker on exit.
	Close() error
}

// PanicError reports a panic recovered inside a worker.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

// closeTransport closes t, containing any panic from its Close.
func closeTransport(t Transport, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			err := &PanicError{Value: r, Stack: debug.Stack()}
			logger.Error("transport close panic", "error", err, "stack", string(err.Stack))
		}
	}()

	if err := t.Close(); err != nil {
		logger.Debug("transport close error", "error", err)
	}
}
