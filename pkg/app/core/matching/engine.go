// Package matching executes token-for-token orders against the order store
// and settles every fill through the ledger.
//
// Escrow: the full AmountFrom of an incoming order is debited from the
// owner's spendable balance before matching. Makers are never re-checked
// against live balances; their escrow is the order's RemainingFrom.
//
// Pricing: fills execute at the resting (maker) order's rate. Rounding of
// every fill favours the maker. A maker whose rounded amounts would breach
// the taker's limit is skipped, and the walk goes on to the next one.
//
// Atomicity: each fill is applied as credit(maker) -> credit(taker) ->
// reduce(maker) -> release(maker surplus). A failure at any step undoes the
// earlier steps of that fill only; fills already applied are kept.
package matching

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/app/core/errs"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// Fill is one settlement between the taker and a single maker order
type Fill struct {
	MakerOrderID orderbook.OrderID     `json:"makerOrderId"`
	Maker        common.Address        `json:"maker"`
	Taker        common.Address        `json:"taker"`
	TokenFrom    ledger.Asset          `json:"tokenFrom"` // paid by taker, received by maker
	TokenTo      ledger.Asset          `json:"tokenTo"`   // paid by maker, received by taker
	Paid         uint64                `json:"paid"`
	Received     uint64                `json:"received"`
	MakerStatus  orderbook.OrderStatus `json:"makerStatus"`
	MakerRefund  uint64                `json:"makerRefund,omitempty"`
	Timestamp    int64                 `json:"timestamp"`
}

// PlaceResult describes what happened to an incoming order
type PlaceResult struct {
	// OrderID is set only when a remainder rests in the store
	OrderID orderbook.OrderID     `json:"orderId,omitempty"`
	Status  orderbook.OrderStatus `json:"status"`
	Fills   []Fill                `json:"fills"`

	Paid     uint64 `json:"paid"`     // TokenFrom given to makers
	Received uint64 `json:"received"` // TokenTo received from makers
	Refunded uint64 `json:"refunded"` // TokenFrom escrow returned (price improvement)
}

// Resting returns true when part of the order stays on the book
func (r PlaceResult) Resting() bool {
	return r.OrderID != 0
}

// Engine matches orders over a ledger and an order store it does not own
type Engine struct {
	ledger *ledger.Ledger
	store  *orderbook.Store
	clock  util.Clock
	logger *zap.Logger

	// OnFill is invoked after each committed fill
	OnFill func(Fill)
}

// NewEngine creates a matching engine. A nil clock uses wall time, a nil logger discards.
func NewEngine(l *ledger.Ledger, s *orderbook.Store, clock util.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Engine{
		ledger: l,
		store:  s,
		clock:  clock,
		logger: util.OrNop(logger),
	}
}

// Ledger returns the ledger the engine settles against
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Store returns the order store the engine matches against
func (e *Engine) Store() *orderbook.Store { return e.store }

// PlaceOrder escrows amountFrom of tokenFrom from owner, matches it against
// resting orders and rests any remainder.
//
// A non-nil error with a zero PlaceResult means nothing changed. A non-nil
// error together with fills means a later fill failed and was rolled back;
// the returned result reflects the committed fills and any resting remainder.
func (e *Engine) PlaceOrder(owner common.Address, tokenFrom, tokenTo ledger.Asset, amountFrom, amountTo uint64) (PlaceResult, error) {
	if err := validate(tokenFrom, tokenTo, amountFrom, amountTo); err != nil {
		return PlaceResult{}, err
	}

	if err := e.ledger.Debit(owner, tokenFrom, amountFrom); err != nil {
		return PlaceResult{}, fmt.Errorf("escrow: %w", err)
	}

	now := e.clock.Now().UnixMilli()
	res := PlaceResult{}
	remFrom, remTo := amountFrom, amountTo

	var matchErr error
	// A maker skipped for rounding may fit once the taker's remainder shrinks,
	// so walk again until a pass fills nothing.
	for progress := true; progress && matchErr == nil && remFrom > 0 && remTo > 0; {
		progress = false
		for _, maker := range e.store.CandidatesFor(tokenFrom, tokenTo) {
			if remFrom == 0 || remTo == 0 {
				break
			}
			// Candidates are sorted best rate first: once one is incompatible all are
			if !compatible(maker, amountFrom, amountTo) {
				break
			}

			// give only shrinks with a worse rate, so zero here is zero for the rest
			give := minU64(maker.RemainingFrom, mulDivFloor(remFrom, maker.AmountFrom, maker.AmountTo))
			if give == 0 {
				break
			}
			pay := mulDivCeil(give, maker.AmountTo, maker.AmountFrom)
			if pay > remFrom || !withinLimit(give, pay, amountFrom, amountTo) {
				continue
			}

			fill, err := e.settle(maker, owner, tokenFrom, tokenTo, pay, give, now)
			if err != nil {
				matchErr = fmt.Errorf("fill against %s: %w", maker.ID, err)
				break
			}
			progress = true

			remFrom -= pay
			remTo = subFloor(remTo, give)
			res.Paid += pay
			res.Received += give
			res.Fills = append(res.Fills, fill)

			e.logger.Debug("fill",
				zap.Stringer("maker_order", maker.ID),
				zap.String("maker", maker.Owner.Hex()),
				zap.String("taker", owner.Hex()),
				zap.String("pay_asset", string(tokenFrom)),
				zap.Uint64("paid", pay),
				zap.String("recv_asset", string(tokenTo)),
				zap.Uint64("received", give))
			if e.OnFill != nil {
				e.OnFill(fill)
			}
		}
	}

	switch {
	case remFrom > 0 && remTo > 0:
		id, err := e.store.Insert(orderbook.Order{
			Owner:         owner,
			TokenFrom:     tokenFrom,
			TokenTo:       tokenTo,
			AmountFrom:    amountFrom,
			AmountTo:      amountTo,
			RemainingFrom: remFrom,
			RemainingTo:   remTo,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			// Validated above; only reachable on an internal invariant break
			panic(fmt.Sprintf("matching: rest order: %v", err))
		}
		res.OrderID = id
		if len(res.Fills) == 0 {
			res.Status = orderbook.OrderOpen
		} else {
			res.Status = orderbook.OrderPartiallyFilled
		}

	case remFrom > 0:
		// The taker got everything it asked for and still holds escrow.
		// At most amountFrom returns to the balance it was debited from in this call.
		if err := e.ledger.Credit(owner, tokenFrom, remFrom); err != nil {
			panic(fmt.Sprintf("matching: release taker surplus: %v", err))
		}
		res.Refunded = remFrom
		res.Status = orderbook.OrderFilled

	default:
		res.Status = orderbook.OrderFilled
	}

	return res, matchErr
}

// settle applies one fill. On error every step of this fill is undone.
func (e *Engine) settle(maker orderbook.Order, taker common.Address, tokenFrom, tokenTo ledger.Asset, pay, give uint64, now int64) (Fill, error) {
	if err := e.ledger.Credit(maker.Owner, tokenFrom, pay); err != nil {
		return Fill{}, err
	}
	if err := e.ledger.Credit(taker, tokenTo, give); err != nil {
		e.mustDebit(maker.Owner, tokenFrom, pay)
		return Fill{}, err
	}

	refund, err := e.store.Reduce(maker.ID, give, pay, now)
	if err != nil {
		e.mustDebit(taker, tokenTo, give)
		e.mustDebit(maker.Owner, tokenFrom, pay)
		return Fill{}, err
	}

	if refund > 0 {
		if err := e.ledger.Credit(maker.Owner, tokenTo, refund); err != nil {
			if rbErr := e.store.Revert(maker); rbErr != nil {
				panic(fmt.Sprintf("matching: revert %s: %v", maker.ID, rbErr))
			}
			e.mustDebit(taker, tokenTo, give)
			e.mustDebit(maker.Owner, tokenFrom, pay)
			return Fill{}, fmt.Errorf("release maker surplus: %w", err)
		}
	}

	after, _ := e.store.Get(maker.ID)
	return Fill{
		MakerOrderID: maker.ID,
		Maker:        maker.Owner,
		Taker:        taker,
		TokenFrom:    tokenFrom,
		TokenTo:      tokenTo,
		Paid:         pay,
		Received:     give,
		MakerStatus:  after.Status,
		MakerRefund:  refund,
		Timestamp:    now,
	}, nil
}

// mustDebit undoes a credit made earlier in the same fill
func (e *Engine) mustDebit(account common.Address, asset ledger.Asset, amount uint64) {
	if err := e.ledger.Debit(account, asset, amount); err != nil {
		panic(fmt.Sprintf("matching: rollback debit %d %s from %s: %v", amount, asset, account.Hex(), err))
	}
}

// CancelOrder cancels owner's live order and releases its unfilled escrow.
// If the release cannot be credited the cancellation is reverted.
func (e *Engine) CancelOrder(owner common.Address, id orderbook.OrderID) (uint64, error) {
	prev, err := e.store.Get(id)
	if err != nil {
		return 0, err
	}

	released, err := e.store.Cancel(id, owner, e.clock.Now().UnixMilli())
	if err != nil {
		return 0, err
	}

	if err := e.ledger.Credit(owner, prev.TokenFrom, released); err != nil {
		if rbErr := e.store.Revert(prev); rbErr != nil {
			panic(fmt.Sprintf("matching: revert cancel %s: %v", id, rbErr))
		}
		return 0, fmt.Errorf("release escrow of %s: %w", id, err)
	}

	e.logger.Debug("order cancelled",
		zap.Stringer("order", id),
		zap.String("owner", owner.Hex()),
		zap.Uint64("released", released))
	return released, nil
}

func validate(tokenFrom, tokenTo ledger.Asset, amountFrom, amountTo uint64) error {
	switch {
	case tokenFrom == "" || tokenTo == "":
		return fmt.Errorf("empty asset symbol: %w", errs.ErrInvalidOrder)
	case tokenFrom == tokenTo:
		return fmt.Errorf("token_from equals token_to (%s): %w", tokenFrom, errs.ErrInvalidOrder)
	case amountFrom == 0 || amountTo == 0:
		return fmt.Errorf("zero amount (from=%d to=%d): %w", amountFrom, amountTo, errs.ErrInvalidOrder)
	}
	return nil
}

// compatible reports whether maker offers at least the taker's required rate:
// maker.AmountFrom/maker.AmountTo >= amountTo/amountFrom
func compatible(maker orderbook.Order, amountFrom, amountTo uint64) bool {
	return mul(maker.AmountFrom, amountFrom).Cmp(mul(amountTo, maker.AmountTo)) >= 0
}

// withinLimit reports whether receiving give for pay honours the taker's rate
func withinLimit(give, pay, amountFrom, amountTo uint64) bool {
	return mul(give, amountFrom).Cmp(mul(pay, amountTo)) >= 0
}

func mul(a, b uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
}

// mulDivFloor returns floor(a*b/c), saturating at MaxUint64
func mulDivFloor(a, b, c uint64) uint64 {
	q := new(uint256.Int).Div(mul(a, b), uint256.NewInt(c))
	if !q.IsUint64() {
		return ^uint64(0)
	}
	return q.Uint64()
}

// mulDivCeil returns ceil(a*b/c), saturating at MaxUint64
func mulDivCeil(a, b, c uint64) uint64 {
	num := mul(a, b)
	num.Add(num, uint256.NewInt(c-1))
	q := num.Div(num, uint256.NewInt(c))
	if !q.IsUint64() {
		return ^uint64(0)
	}
	return q.Uint64()
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func subFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
