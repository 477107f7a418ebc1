// Package journal records connection lifecycle events to PostgreSQL.
//
// The relay appends a Record whenever a peer connects or its worker reports
// a disconnect. A Writer batches records and inserts them into the
// connection_events table with pgx.Batch.
//
// The journal is append-only and audit-only: nothing reads it back to
// restore connections after a restart.
package journal
