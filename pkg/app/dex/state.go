package dex

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
)

// State is the complete persisted form of the exchange: every balance and
// every order ever placed, terminal ones included.
type State struct {
	Created     bool              `json:"created"`
	Creator     common.Address    `json:"creator"`
	Balances    []ledger.Entry    `json:"balances"`
	Orders      []orderbook.Order `json:"orders"`
	NextOrderID orderbook.OrderID `json:"nextOrderId"`
	EventSeq    uint64            `json:"eventSeq"`
}

// Delta is what one mutating call changed. A balance with a zero Amount
// was removed; Orders holds the full current form of every order touched.
type Delta struct {
	Created     bool              `json:"created"`
	Creator     common.Address    `json:"creator"`
	Balances    []ledger.Entry    `json:"balances"`
	Orders      []orderbook.Order `json:"orders"`
	NextOrderID orderbook.OrderID `json:"nextOrderId"`
	EventSeq    uint64            `json:"eventSeq"`
}

// Persister stores the changes made by each mutating call
type Persister interface {
	Save(Delta) error
}

// restoreState rebuilds the ledger and order store from st
func restoreState(st State) (*ledger.Ledger, *orderbook.Store, error) {
	l := ledger.New()
	if err := l.Restore(st.Balances); err != nil {
		return nil, nil, fmt.Errorf("failed to restore balances: %w", err)
	}
	s := orderbook.NewStore()
	if err := s.Restore(st.Orders, st.NextOrderID); err != nil {
		return nil, nil, fmt.Errorf("failed to restore orders: %w", err)
	}
	return l, s, nil
}

// snapshotLocked captures the current state. Caller holds a.mu.
func (a *App) snapshotLocked() State {
	return State{
		Created:     a.created,
		Creator:     a.creator,
		Balances:    a.ledger.Entries(),
		Orders:      a.store.Orders(),
		NextOrderID: a.store.NextID(),
		EventSeq:    a.seq,
	}
}

// Snapshot returns the current state
func (a *App) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// deltaLocked collects the changes since the last commit. Caller holds a.mu.
func (a *App) deltaLocked() Delta {
	return Delta{
		Created:     a.created,
		Creator:     a.creator,
		Balances:    a.ledger.Changes(),
		Orders:      a.store.Changes(),
		NextOrderID: a.store.NextID(),
		EventSeq:    a.seq,
	}
}

// meta is the facade state outside the ledger and the store
type meta struct {
	created bool
	creator common.Address
	seq     uint64
}

func (a *App) metaLocked() meta {
	return meta{created: a.created, creator: a.creator, seq: a.seq}
}

// rollbackLocked undoes everything since the last commit
func (a *App) rollbackLocked(m meta) {
	a.ledger.Rollback()
	a.store.Rollback()
	a.created = m.created
	a.creator = m.creator
	a.seq = m.seq
}
