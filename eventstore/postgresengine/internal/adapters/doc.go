// Package adapters provides database adapter implementations for the PostgreSQL event store.
//
// The event store works with pgx.Pool, sql.DB, and sqlx.DB connections through
// the common DBAdapter interface.
package adapters
