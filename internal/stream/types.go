package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/bitquery-stream/internal/metrics"
	"github.com/rickgao/bitquery-stream/internal/transport"
)

// Errors
var (
	ErrNoTransport = errors.New("source has no transport factory")
)

// State is a supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateFailed
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateFailed:
		return "failed"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateDisconnected; st <= StateDraining; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Source is one configured upstream subscription target. Immutable once
// handed to a Supervisor.
type Source struct {
	Name         string                 // Identifier, also the metrics network attribute
	Subscription transport.Subscription // Sent on every connection epoch
	NewTransport transport.Factory      // Fresh transport per connection attempt
}

// Delivery is one batch handed to a BatchHandler.
type Delivery struct {
	Source string
	Epoch  uuid.UUID // Connection epoch the batch arrived on
	Batch  transport.Batch
}

// BatchHandler receives every delivered batch. Implementations must not block
// for long; they run on the supervisor's goroutine.
type BatchHandler interface {
	HandleBatch(d Delivery)
}

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(d Delivery)

// HandleBatch calls f(d).
func (f BatchHandlerFunc) HandleBatch(d Delivery) { f(d) }

// Status is a point-in-time view of one supervisor.
type Status struct {
	Source       string           `json:"source"`
	State        State            `json:"state"`
	LastActivity time.Time        `json:"last_activity,omitzero"`
	Epoch        uuid.UUID        `json:"epoch"`
	Attempts     int64            `json:"attempts"`
	Counters     metrics.Snapshot `json:"counters"`
}
