// Package events carries state-change notifications out of the exchange
// core to external sinks (Kafka, websocket clients). Sinks never feed back
// into core state.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Type names the kind of state change
type Type string

const (
	TypeCreate         Type = "create"
	TypeDeposit        Type = "deposit"
	TypeWithdraw       Type = "withdraw"
	TypeTransfer       Type = "transfer"
	TypeOrderPlaced    Type = "order_placed"
	TypeOrderCancelled Type = "order_cancelled"
	TypeFill           Type = "fill"
)

// Event is one committed state change. Seq increases by one per event
// across the lifetime of an App.
type Event struct {
	Seq     uint64         `json:"seq"`
	Type    Type           `json:"type"`
	Account common.Address `json:"account"`
	// Related lists other accounts the change concerns, e.g. the maker of a fill
	Related   []common.Address `json:"related,omitempty"`
	Timestamp int64            `json:"timestamp"` // unix ms
	Data      json.RawMessage  `json:"data"`
}

// New builds an event with data JSON-encoded
func New(t Type, account common.Address, ts int64, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Account: account, Timestamp: ts, Data: raw}, nil
}

// Accounts returns Account followed by Related, without duplicates
func (e Event) Accounts() []common.Address {
	out := []common.Address{e.Account}
	for _, a := range e.Related {
		dup := false
		for _, seen := range out {
			if seen == a {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}

// Channel is the websocket subscription channel an event is fanned out on
func (e Event) Channel() string {
	return string(e.Type)
}

// Publisher delivers committed events to a sink
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
	Close() error
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Multi publishes to every sink in order and returns the first error
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evs ...Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, evs...); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	r.mu.Lock()
	r.events = append(r.events, evs...)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
