package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// batchSize caps the commands, reads, and events processed per tick.
	batchSize = 100

	// idleBackoff is the longest a worker or the manager sleeps after an idle tick.
	idleBackoff = 5 * time.Millisecond

	initialQueueCapacity = 64
)

// Errors
var (
	ErrWouldBlock      = errors.New("operation would block")
	ErrTransportClosed = errors.New("transport closed")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrManagerClosed   = errors.New("connection manager closed")
	ErrNilTransport    = errors.New("nil transport")
)

// ID names a logical peer connection, usually its URI.
type ID string

// Frame is one opaque unit of data exchanged over a Transport.
type Frame []byte

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventReceiveData EventKind = iota + 1
	EventDisconnect
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventReceiveData:
		return "receive_data"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event_kind(%d)", int(k))
	}
}

// Event flows from a worker to the consumer.
type Event struct {
	Kind    EventKind
	ID      ID
	Session uuid.UUID // Worker session that produced the event (see Handle.Connect)
	Frame   Frame     // Set for EventReceiveData
	Err     error     // Set for EventDisconnect caused by a hard transport error

	ReceivedAt time.Time // Local timestamp when the worker produced the event
}

// String implements fmt.Stringer for logging.
func (e Event) String() string {
	switch e.Kind {
	case EventReceiveData:
		return fmt.Sprintf("%s(%s, %d bytes)", e.Kind, e.ID, len(e.Frame))
	case EventDisconnect:
		if e.Err != nil {
			return fmt.Sprintf("%s(%s, %v)", e.Kind, e.ID, e.Err)
		}
		return fmt.Sprintf("%s(%s)", e.Kind, e.ID)
	default:
		return e.Kind.String()
	}
}

type commandKind int

const (
	cmdConnect commandKind = iota + 1
	cmdSendData
	cmdDisconnect
)

func (k commandKind) String() string {
	switch k {
	case cmdConnect:
		return "connect"
	case cmdSendData:
		return "send_data"
	case cmdDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("command_kind(%d)", int(k))
	}
}

// command flows from the Handle toward a worker.
type command struct {
	kind      commandKind
	id        ID
	session   uuid.UUID // cmdConnect only
	transport Transport // cmdConnect only
	frame     Frame     // cmdSendData only
}

// Stats is a point-in-time view of the connection manager.
type Stats struct {
	Running           bool  `json:"running"`            // Manager task has not terminated
	ActiveConnections int   `json:"active_connections"` // Registered worker entries
	Workers           int   `json:"workers"`            // Worker goroutines still running
	Displaced         int64 `json:"displaced"`          // Connections replaced by a later Connect for the same ID
	FramesReceived    int64 `json:"frames_received"`
	FramesSent        int64 `json:"frames_sent"`
	PendingCommands   int   `json:"pending_commands"`
	PendingEvents     int   `json:"pending_events"`
}
