// Package stream keeps upstream subscriptions alive.
//
// A Supervisor owns one source and cycles through
//
//	Disconnected → Connecting → Subscribed → Draining | Failed → Disconnected
//
// reconnecting after a backoff until shutdown is signalled. Transport errors
// are counted and logged, never returned. The Multiplexer runs one Supervisor
// per source and returns once all of them have closed their transports.
package stream
