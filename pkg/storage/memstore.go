package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/app/dex"
)

type memBalanceKey struct {
	account common.Address
	asset   ledger.Asset
}

// InMemoryStore applies saved deltas to in-process maps. Used for ephemeral
// nodes and tests.
type InMemoryStore struct {
	mu       sync.Mutex
	found    bool
	meta     dex.Delta
	balances map[memBalanceKey]uint64
	orders   map[orderbook.OrderID]orderbook.Order
	saves    int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		balances: make(map[memBalanceKey]uint64),
		orders:   make(map[orderbook.OrderID]orderbook.Order),
	}
}

func (s *InMemoryStore) Save(d dex.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range d.Balances {
		k := memBalanceKey{e.Account, e.Asset}
		if e.Amount == 0 {
			delete(s.balances, k)
		} else {
			s.balances[k] = e.Amount
		}
	}
	for _, o := range d.Orders {
		s.orders[o.ID] = o
	}
	s.meta = dex.Delta{Created: d.Created, Creator: d.Creator, NextOrderID: d.NextOrderID, EventSeq: d.EventSeq}
	s.found = true
	s.saves++
	return nil
}

func (s *InMemoryStore) Load() (dex.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.found {
		return dex.State{}, false, nil
	}
	st := dex.State{
		Created:     s.meta.Created,
		Creator:     s.meta.Creator,
		NextOrderID: s.meta.NextOrderID,
		EventSeq:    s.meta.EventSeq,
	}
	for k, v := range s.balances {
		st.Balances = append(st.Balances, ledger.Entry{Account: k.account, Asset: k.asset, Amount: v})
	}
	sortBalances(st.Balances)

	for _, o := range s.orders {
		st.Orders = append(st.Orders, o)
	}
	sort.Slice(st.Orders, func(i, j int) bool { return st.Orders[i].ID < st.Orders[j].ID })
	return st, true, nil
}

// Saves returns how many times Save succeeded
func (s *InMemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *InMemoryStore) Close() error { return nil }

var _ dex.Persister = (*InMemoryStore)(nil)
