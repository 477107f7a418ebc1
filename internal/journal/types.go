package journal

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrWriterStopped is returned by Record once the writer has been stopped.
var ErrWriterStopped = errors.New("journal writer stopped")

// Kind is the lifecycle transition a record describes.
type Kind string

const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
)

// Record is one row of the connection_events table.
type Record struct {
	ID         uuid.UUID
	Peer       string
	Session    uuid.UUID
	Kind       Kind
	Error      string // Empty for clean teardown
	OccurredAt time.Time
}

// Connected builds a connect record for peer.
func Connected(peer string, session uuid.UUID) Record {
	return Record{
		ID:         uuid.New(),
		Peer:       peer,
		Session:    session,
		Kind:       KindConnect,
		OccurredAt: time.Now(),
	}
}

// Disconnected builds a disconnect record for peer. cause may be nil.
func Disconnected(peer string, session uuid.UUID, cause error) Record {
	rec := Record{
		ID:         uuid.New(),
		Peer:       peer,
		Session:    session,
		Kind:       KindDisconnect,
		OccurredAt: time.Now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

// Config contains configuration for the journal writer.
type Config struct {
	// BatchSize is the number of records to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
	}
}

// Metrics tracks writer activity.
type Metrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Flushes   int64 `json:"flushes"`
	Errors    int64 `json:"errors"`
	Dropped   int64 `json:"dropped"` // Records offered after Stop
}

// eventRow is a Record flattened for insertion.
type eventRow struct {
	ID         uuid.UUID
	Peer       string
	Session    uuid.UUID
	Kind       string
	Error      *string // NULL when the disconnect was clean
	OccurredAt time.Time
}
