package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/wsrelay/internal/queue"
)

// Schema creates the connection_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS connection_events (
	id          UUID PRIMARY KEY,
	peer        TEXT NOT NULL,
	session_id  UUID NOT NULL,
	kind        TEXT NOT NULL,
	error       TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS connection_events_peer_idx
	ON connection_events (peer, occurred_at);
`

const insertEvent = `
	INSERT INTO connection_events (id, peer, session_id, kind, error, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING
`

// DB is the subset of *pgxpool.Pool the writer needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// EnsureSchema creates the journal table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// Writer consumes lifecycle records and writes them to connection_events.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	input *queue.Queue[Record]

	// Database
	db DB

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics Metrics
}

// NewWriter creates a new Writer.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:    cfg,
		input:  queue.New[Record](cfg.BatchSize),
		db:     db,
		logger: logger,
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Record queues rec for writing. It never blocks.
func (w *Writer) Record(rec Record) error {
	if !w.input.Send(rec) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return ErrWriterStopped
	}
	return nil
}

// Start begins consuming records and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop refuses further records, waits for the loops to exit and flushes
// whatever is left using ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	for _, rec := range w.input.DrainTo(0) {
		w.append(rec)
	}
	err := w.flush(ctx)

	w.logger.Info("journal writer stopped")
	return err
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input queue and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		rec, err := w.input.Receive(w.ctx)
		if err != nil {
			return
		}
		if w.append(rec) {
			w.flush(w.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// append adds a record to the batch and reports whether the batch is full.
func (w *Writer) append(rec Record) bool {
	row := transform(rec)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a Record to an eventRow.
func transform(rec Record) eventRow {
	row := eventRow{
		ID:         rec.ID,
		Peer:       rec.Peer,
		Session:    rec.Session,
		Kind:       string(rec.Kind),
		OccurredAt: rec.OccurredAt.UTC(),
	}
	if rec.Error != "" {
		msg := rec.Error
		row.Error = &msg
	}
	return row
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return err
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed connection events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	if w.db == nil {
		return 0, errors.New("journal has no database")
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent, r.ID, r.Peer, r.Session, r.Kind, r.Error, r.OccurredAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
