// Package transport abstracts one upstream connection and its message stream.
//
// A Transport is single use: connect once, subscribe, close. Callers create a
// fresh Transport per connection attempt through a Factory.
package transport

import (
	"context"
	"errors"
	"iter"
)

// Errors
var (
	ErrConnect   = errors.New("connect failed")
	ErrSubscribe = errors.New("subscription failed")
	ErrClosed    = errors.New("transport closed")
)

// Transport is one network connection capable of a streaming subscription.
type Transport interface {
	// Connect dials the target and completes the protocol handshake.
	// Errors wrap ErrConnect.
	Connect(ctx context.Context) error

	// Subscribe starts sub and returns its batches lazily. A stream failure is
	// yielded once, wrapping ErrSubscribe, and ends the sequence. Context
	// cancellation yields ctx.Err(). Server completion ends the sequence
	// without an error.
	Subscribe(ctx context.Context, sub Subscription) iter.Seq2[Batch, error]

	// Close releases the connection. Idempotent; never fails.
	Close() error
}

// Factory creates a fresh, unconnected Transport.
type Factory func() Transport

// Subscription is the opaque subscription definition sent upstream.
type Subscription struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}
