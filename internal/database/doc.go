// Package database provides the TimescaleDB connection pool and the schema
// for persisted token ticks.
//
// The token_ticks table is keyed on (source, token_id, interval_start) so a
// redelivered interval after a reconnect is ignored on insert. When the
// timescaledb extension is installed the table becomes a hypertable
// partitioned on interval_start.
package database
