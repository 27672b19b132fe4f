package orderbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
)

// OrderID uniquely identifies an order. Ids are assigned in insertion order.
type OrderID uint64

func (id OrderID) String() string {
	return fmt.Sprintf("ord-%d", uint64(id))
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = OrderOpen
	case "partially_filled":
		*s = OrderPartiallyFilled
	case "filled":
		*s = OrderFilled
	case "cancelled":
		*s = OrderCancelled
	default:
		return fmt.Errorf("unknown order status %q", b)
	}
	return nil
}

// IsTerminal returns true for Filled and Cancelled
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Pair is a directed trading pair: orders under Pair{From, To} give From and want To.
type Pair struct {
	From ledger.Asset `json:"from"`
	To   ledger.Asset `json:"to"`
}

func (p Pair) String() string {
	return string(p.From) + "/" + string(p.To)
}

// Reverse returns the opposite side of the pair
func (p Pair) Reverse() Pair {
	return Pair{From: p.To, To: p.From}
}

// Order is a standing intent to give AmountFrom of TokenFrom for AmountTo of TokenTo.
// AmountFrom/AmountTo never change and define the limit price; the remaining
// amounts shrink as fills occur.
type Order struct {
	ID        OrderID        `json:"id"`
	Owner     common.Address `json:"owner"`
	TokenFrom ledger.Asset   `json:"tokenFrom"`
	TokenTo   ledger.Asset   `json:"tokenTo"`

	AmountFrom uint64 `json:"amountFrom"`
	AmountTo   uint64 `json:"amountTo"`

	// Escrowed TokenFrom still on offer
	RemainingFrom uint64 `json:"remainingFrom"`
	// TokenTo still wanted
	RemainingTo uint64 `json:"remainingTo"`

	Status OrderStatus `json:"status"`

	// Unix milliseconds
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`

	heapIndex int // position in the pair queue, -1 when not indexed
}

// Pair returns the directed pair the order is indexed under
func (o *Order) Pair() Pair {
	return Pair{From: o.TokenFrom, To: o.TokenTo}
}

// IsLive returns true while the order can still be matched
func (o *Order) IsLive() bool {
	return !o.Status.IsTerminal()
}

// FilledFrom returns how much TokenFrom has been given away or released
func (o *Order) FilledFrom() uint64 {
	return o.AmountFrom - o.RemainingFrom
}

// Validate checks the order's static invariants
func (o *Order) Validate() error {
	if o.TokenFrom == "" || o.TokenTo == "" {
		return fmt.Errorf("empty asset symbol")
	}
	if o.TokenFrom == o.TokenTo {
		return fmt.Errorf("token_from equals token_to (%s)", o.TokenFrom)
	}
	if o.AmountFrom == 0 || o.AmountTo == 0 {
		return fmt.Errorf("zero amount: from=%d to=%d", o.AmountFrom, o.AmountTo)
	}
	if o.RemainingFrom > o.AmountFrom {
		return fmt.Errorf("remaining_from %d exceeds amount_from %d", o.RemainingFrom, o.AmountFrom)
	}
	if o.RemainingTo > o.AmountTo {
		return fmt.Errorf("remaining_to %d exceeds amount_to %d", o.RemainingTo, o.AmountTo)
	}
	if o.IsLive() && (o.RemainingFrom == 0 || o.RemainingTo == 0) {
		return fmt.Errorf("live order %s has nothing remaining", o.ID)
	}
	return nil
}

// BetterThan reports whether o should be matched before other by a taker.
// An order giving more TokenFrom per unit of TokenTo wins; ties go to the
// earlier id. Rates are compared by exact cross-multiplication.
func (o *Order) BetterThan(other *Order) bool {
	lhs := mul(o.AmountFrom, other.AmountTo)
	rhs := mul(other.AmountFrom, o.AmountTo)
	if c := lhs.Cmp(rhs); c != 0 {
		return c > 0
	}
	return o.ID < other.ID
}

func mul(a, b uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
}
