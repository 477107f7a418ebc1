// Package database provides connection pool management for the relay's
// PostgreSQL journal.
package database
