// Package writer persists delivered token batches to TimescaleDB.
//
// The TokenWriter is a stream.BatchHandler: HandleBatch only enqueues into a
// bounded buffer, so a slow database never stalls a subscription. A consumer
// goroutine drains the buffer into batches that are flushed when full or on
// a ticker, using pgx.Batch with ON CONFLICT DO NOTHING.
//
// Rows are append-only; redelivered intervals after a reconnect are counted
// as conflicts rather than updated.
package writer
