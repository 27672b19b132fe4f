package orderbook

import (
	"container/heap"
	"fmt"
	"math"
	"math/bits"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/hyperswap/pkg/app/core/errs"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
)

// PriceLevel aggregates resting orders sharing one limit rate.
// Rate is AmountFrom:AmountTo reduced to lowest terms.
type PriceLevel struct {
	AmountFrom    uint64 `json:"amountFrom"`
	AmountTo      uint64 `json:"amountTo"`
	RemainingFrom uint64 `json:"remainingFrom"`
	Orders        int    `json:"orders"`
}

// Store owns every order ever inserted.
// Live orders are indexed per directed pair (priority heap) and per owner;
// terminal orders stay retrievable by id for history.
//
// Not safe for concurrent use; dex.App serializes all calls.
type Store struct {
	orders map[OrderID]*Order
	pairs  map[Pair]*orderQueue
	owners map[common.Address]map[OrderID]struct{}
	nextID OrderID

	// Orders touched since the last Commit, as they were before the touch;
	// nil for orders inserted since then
	changes    map[OrderID]*Order
	baseNextID OrderID
}

// NewStore creates an empty order store. The first id is 1.
func NewStore() *Store {
	return &Store{
		orders:     make(map[OrderID]*Order),
		pairs:      make(map[Pair]*orderQueue),
		owners:     make(map[common.Address]map[OrderID]struct{}),
		nextID:     1,
		changes:    make(map[OrderID]*Order),
		baseNextID: 1,
	}
}

// NextID returns the id the next insert will receive
func (s *Store) NextID() OrderID {
	return s.nextID
}

// Insert assigns an id to o, stores it and indexes it if live.
// Status is derived from the remaining amounts (Open or PartiallyFilled).
func (s *Store) Insert(o Order) (OrderID, error) {
	o.ID = s.nextID
	if o.RemainingFrom == o.AmountFrom && o.RemainingTo == o.AmountTo {
		o.Status = OrderOpen
	} else {
		o.Status = OrderPartiallyFilled
	}
	if err := o.Validate(); err != nil {
		return 0, fmt.Errorf("insert: %v: %w", err, errs.ErrInvalidOrder)
	}

	s.track(o.ID)
	s.nextID++
	cp := o
	s.orders[cp.ID] = &cp
	s.index(&cp)
	return cp.ID, nil
}

// Get returns a copy of the order with id
func (s *Store) Get(id OrderID) (Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, errs.ErrOrderNotFound)
	}
	return *o, nil
}

// Reduce applies a fill to a live order: filledFrom of TokenFrom left escrow,
// filledTo of TokenTo was received. RemainingTo is clamped at zero because a
// taker may receive more than it asked for at a better rate.
//
// When either remainder reaches zero the order becomes Filled, leaves the
// indexes and any RemainingFrom is returned as refund so the caller can
// release that escrow.
func (s *Store) Reduce(id OrderID, filledFrom, filledTo uint64, now int64) (refund uint64, err error) {
	o, ok := s.orders[id]
	if !ok {
		return 0, fmt.Errorf("reduce %s: %w", id, errs.ErrOrderNotFound)
	}
	if !o.IsLive() {
		return 0, fmt.Errorf("reduce %s (%s): %w", id, o.Status, errs.ErrAlreadyTerminal)
	}
	if filledFrom > o.RemainingFrom {
		return 0, fmt.Errorf("reduce %s: fill %d exceeds remaining %d: %w", id, filledFrom, o.RemainingFrom, errs.ErrInvalidOrder)
	}
	s.track(id)

	o.RemainingFrom -= filledFrom
	if filledTo >= o.RemainingTo {
		o.RemainingTo = 0
	} else {
		o.RemainingTo -= filledTo
	}
	o.UpdatedAt = now

	if o.RemainingFrom == 0 || o.RemainingTo == 0 {
		refund = o.RemainingFrom
		o.RemainingFrom = 0
		o.Status = OrderFilled
		s.unindex(o)
		return refund, nil
	}

	o.Status = OrderPartiallyFilled
	if q := s.pairs[o.Pair()]; q != nil && o.heapIndex >= 0 {
		// Rate is fixed, position only changes on ties; Fix keeps heap invariants anyway
		heap.Fix(q, o.heapIndex)
	}
	return 0, nil
}

// Cancel marks a live order Cancelled and returns its unfilled RemainingFrom,
// which the caller must release back to the owner's balance.
func (s *Store) Cancel(id OrderID, requester common.Address, now int64) (uint64, error) {
	o, ok := s.orders[id]
	if !ok {
		return 0, fmt.Errorf("cancel %s: %w", id, errs.ErrOrderNotFound)
	}
	if o.Owner != requester {
		return 0, fmt.Errorf("cancel %s: requester %s, owner %s: %w", id, requester.Hex(), o.Owner.Hex(), errs.ErrNotOwner)
	}
	if !o.IsLive() {
		return 0, fmt.Errorf("cancel %s (%s): %w", id, o.Status, errs.ErrAlreadyTerminal)
	}

	s.track(id)
	released := o.RemainingFrom
	o.Status = OrderCancelled
	o.UpdatedAt = now
	s.unindex(o)
	return released, nil
}

// Revert puts back a previously captured copy of an order, re-indexing it
// if it is live again. Used to undo a reduction when a fill is rolled back.
func (s *Store) Revert(prev Order) error {
	o, ok := s.orders[prev.ID]
	if !ok {
		return fmt.Errorf("revert %s: %w", prev.ID, errs.ErrOrderNotFound)
	}
	s.track(prev.ID)
	if o.IsLive() {
		s.unindex(o)
	}
	*o = prev
	o.heapIndex = -1
	if o.IsLive() {
		s.index(o)
	}
	return nil
}

// CandidatesFor returns the live orders a taker giving tokenFrom for tokenTo
// can match against: orders offering tokenTo in exchange for tokenFrom.
// Best rate for the taker first, then insertion order.
func (s *Store) CandidatesFor(tokenFrom, tokenTo ledger.Asset) []Order {
	q := s.pairs[Pair{From: tokenTo, To: tokenFrom}]
	if q == nil {
		return nil
	}
	return q.Sorted()
}

// Best returns the top-priority live order indexed under pair
func (s *Store) Best(pair Pair) (Order, bool) {
	q := s.pairs[pair]
	if q == nil || q.Len() == 0 {
		return Order{}, false
	}
	return *q.Peek(), true
}

// OrdersOf returns owner's orders sorted by id.
// Terminal orders are included only when includeTerminal is set.
func (s *Store) OrdersOf(owner common.Address, includeTerminal bool) []Order {
	var out []Order
	if includeTerminal {
		for _, o := range s.orders {
			if o.Owner == owner {
				out = append(out, *o)
			}
		}
	} else {
		for id := range s.owners[owner] {
			out = append(out, *s.orders[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pairs returns the pairs that have live orders, sorted
func (s *Store) Pairs() []Pair {
	out := make([]Pair, 0, len(s.pairs))
	for p, q := range s.pairs {
		if q.Len() > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Depth aggregates live orders under pair into rate levels, best first
func (s *Store) Depth(pair Pair) []PriceLevel {
	q := s.pairs[pair]
	if q == nil {
		return nil
	}

	var levels []PriceLevel
	for _, o := range q.Sorted() {
		g := gcd(o.AmountFrom, o.AmountTo)
		from, to := o.AmountFrom/g, o.AmountTo/g
		if n := len(levels); n > 0 && levels[n-1].AmountFrom == from && levels[n-1].AmountTo == to {
			levels[n-1].RemainingFrom = AddSat(levels[n-1].RemainingFrom, o.RemainingFrom)
			levels[n-1].Orders++
			continue
		}
		levels = append(levels, PriceLevel{AmountFrom: from, AmountTo: to, RemainingFrom: o.RemainingFrom, Orders: 1})
	}
	return levels
}

// Escrowed returns the total RemainingFrom of live orders giving asset,
// saturating at math.MaxUint64
func (s *Store) Escrowed(asset ledger.Asset) uint64 {
	var total uint64
	for p, q := range s.pairs {
		if p.From != asset {
			continue
		}
		for _, o := range *q {
			total = AddSat(total, o.RemainingFrom)
		}
	}
	return total
}

// AddSat returns a+b, or math.MaxUint64 when the sum overflows
func AddSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// LiveCount returns the number of live orders
func (s *Store) LiveCount() int {
	n := 0
	for _, q := range s.pairs {
		n += q.Len()
	}
	return n
}

// Orders returns every stored order sorted by id (state codec)
func (s *Store) Orders() []Order {
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		cp := *o
		cp.heapIndex = -1
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the store contents and rebuilds all indexes
func (s *Store) Restore(orders []Order, nextID OrderID) error {
	fresh := NewStore()
	if nextID > 0 {
		fresh.nextID = nextID
	}
	for _, o := range orders {
		if o.ID == 0 {
			return fmt.Errorf("restore: order with zero id: %w", errs.ErrInvalidOrder)
		}
		if _, dup := fresh.orders[o.ID]; dup {
			return fmt.Errorf("restore: duplicate order %s", o.ID)
		}
		if err := o.Validate(); err != nil {
			return fmt.Errorf("restore %s: %v: %w", o.ID, err, errs.ErrInvalidOrder)
		}
		cp := o
		cp.heapIndex = -1
		fresh.orders[cp.ID] = &cp
		if cp.IsLive() {
			fresh.index(&cp)
		}
		if cp.ID >= fresh.nextID {
			fresh.nextID = cp.ID + 1
		}
	}
	fresh.baseNextID = fresh.nextID
	*s = *fresh
	return nil
}

// track saves the order as it is now, once per Commit
func (s *Store) track(id OrderID) {
	if _, seen := s.changes[id]; seen {
		return
	}
	o, ok := s.orders[id]
	if !ok {
		s.changes[id] = nil
		return
	}
	cp := *o
	cp.heapIndex = -1
	s.changes[id] = &cp
}

// Changes returns every order inserted or modified since the last Commit,
// sorted by id
func (s *Store) Changes() []Order {
	out := make([]Order, 0, len(s.changes))
	for id, prev := range s.changes {
		o, ok := s.orders[id]
		if !ok {
			continue
		}
		cp := *o
		cp.heapIndex = -1
		if prev != nil && *prev == cp {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Commit accepts every change since the previous Commit
func (s *Store) Commit() {
	clear(s.changes)
	s.baseNextID = s.nextID
}

// Rollback undoes every insert and modification since the last Commit
func (s *Store) Rollback() {
	for id, prev := range s.changes {
		if o, ok := s.orders[id]; ok && o.IsLive() {
			s.unindex(o)
		}
		if prev == nil {
			delete(s.orders, id)
			continue
		}
		cp := *prev
		s.orders[id] = &cp
		if cp.IsLive() {
			s.index(&cp)
		}
	}
	s.nextID = s.baseNextID
	clear(s.changes)
}

func (s *Store) index(o *Order) {
	p := o.Pair()
	q, ok := s.pairs[p]
	if !ok {
		q = &orderQueue{}
		s.pairs[p] = q
	}
	heap.Push(q, o)

	ids, ok := s.owners[o.Owner]
	if !ok {
		ids = make(map[OrderID]struct{})
		s.owners[o.Owner] = ids
	}
	ids[o.ID] = struct{}{}
}

func (s *Store) unindex(o *Order) {
	p := o.Pair()
	if q := s.pairs[p]; q != nil && o.heapIndex >= 0 && o.heapIndex < q.Len() && (*q)[o.heapIndex] == o {
		heap.Remove(q, o.heapIndex)
		if q.Len() == 0 {
			delete(s.pairs, p)
		}
	}
	o.heapIndex = -1

	if ids := s.owners[o.Owner]; ids != nil {
		delete(ids, o.ID)
		if len(ids) == 0 {
			delete(s.owners, o.Owner)
		}
	}
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
