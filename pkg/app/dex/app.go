// Package dex is the public operation set of the exchange: balance movements,
// order placement and cancellation, and read queries. Every call runs inside
// one global critical section, and mutating calls are persisted before they
// are acknowledged.
package dex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/app/core/errs"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/matching"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/events"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// OrderRequest describes an order to place. Owner defaults to the caller.
type OrderRequest struct {
	Owner      common.Address `json:"owner"`
	TokenFrom  ledger.Asset   `json:"tokenFrom"`
	TokenTo    ledger.Asset   `json:"tokenTo"`
	AmountFrom uint64         `json:"amountFrom"`
	AmountTo   uint64         `json:"amountTo"`
}

// App owns the ledger and order store and serializes all access to them
type App struct {
	mu sync.Mutex

	ledger  *ledger.Ledger
	store   *orderbook.Store
	engine  *matching.Engine
	created bool
	creator common.Address

	persist   Persister
	publisher events.Publisher
	clock     util.Clock
	logger    *zap.Logger

	seq     uint64
	pending []events.Event
}

type Option func(*App)

// WithPersister saves the changes of every mutating call. p must already
// hold the state the App starts from: empty for New, st for NewFromState.
func WithPersister(p Persister) Option {
	return func(a *App) { a.persist = p }
}

// WithPublisher receives the events of every committed call
func WithPublisher(p events.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

func WithClock(c util.Clock) Option {
	return func(a *App) { a.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New creates an empty exchange
func New(opts ...Option) *App {
	app, err := NewFromState(State{}, opts...)
	if err != nil {
		panic(fmt.Sprintf("dex: empty state rejected: %v", err))
	}
	return app
}

// NewFromState creates an exchange from a previously persisted state
func NewFromState(st State, opts ...Option) (*App, error) {
	l, s, err := restoreState(st)
	if err != nil {
		return nil, err
	}

	a := &App{
		ledger:    l,
		store:     s,
		created:   st.Created,
		creator:   st.Creator,
		seq:       st.EventSeq,
		publisher: events.Nop{},
		clock:     util.RealClock{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = util.OrNop(a.logger)

	a.engine = matching.NewEngine(a.ledger, a.store, a.clock, a.logger)
	a.engine.OnFill = func(f matching.Fill) {
		a.emit(events.TypeFill, f.Taker, f, f.Maker)
	}
	return a, nil
}

// commit runs fn inside the critical section. fn reports whether it changed
// state; a changed state is persisted and its events published. If persisting
// fails the state from before the call is put back.
func (a *App) commit(op string, fn func() (bool, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.metaLocked()
	a.ledger.Commit()
	a.store.Commit()
	a.pending = a.pending[:0]

	changed, err := fn()
	if !changed {
		a.pending = a.pending[:0]
		return err
	}

	if a.persist != nil {
		if perr := a.persist.Save(a.deltaLocked()); perr != nil {
			a.rollbackLocked(prev)
			a.pending = a.pending[:0]
			a.logger.Error("persist failed, call rolled back", zap.String("op", op), zap.Error(perr))
			return fmt.Errorf("failed to persist %s: %w", op, perr)
		}
	}
	a.ledger.Commit()
	a.store.Commit()

	if len(a.pending) > 0 {
		if perr := a.publisher.Publish(context.Background(), a.pending...); perr != nil {
			a.logger.Warn("event publish failed", zap.String("op", op), zap.Error(perr))
		}
		a.pending = a.pending[:0]
	}
	return err
}

// emit queues an event for publication once the call commits
func (a *App) emit(t events.Type, account common.Address, data interface{}, related ...common.Address) {
	ev, err := events.New(t, account, a.clock.Now().UnixMilli(), data)
	if err != nil {
		a.logger.Error("event encode failed", zap.String("type", string(t)), zap.Error(err))
		return
	}
	for _, r := range related {
		if r != account {
			ev.Related = append(ev.Related, r)
		}
	}
	a.seq++
	ev.Seq = a.seq
	a.pending = append(a.pending, ev)
}

// Create mints the initial supply into the caller's account. It succeeds once.
func (a *App) Create(caller common.Address, initial map[ledger.Asset]uint64) error {
	return a.commit("create", func() (bool, error) {
		if a.created {
			return false, fmt.Errorf("created by %s: %w", a.creator.Hex(), errs.ErrAlreadyCreated)
		}

		assets := make([]ledger.Asset, 0, len(initial))
		for asset := range initial {
			if asset == "" {
				return false, fmt.Errorf("empty asset symbol: %w", errs.ErrInvalidRequest)
			}
			assets = append(assets, asset)
		}
		sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })

		for i, asset := range assets {
			if err := a.ledger.Credit(caller, asset, initial[asset]); err != nil {
				for _, done := range assets[:i] {
					if rbErr := a.ledger.Debit(caller, done, initial[done]); rbErr != nil {
						panic(fmt.Sprintf("dex: create rollback: %v", rbErr))
					}
				}
				return false, fmt.Errorf("mint %s: %w", asset, err)
			}
		}

		a.created = true
		a.creator = caller
		a.emit(events.TypeCreate, caller, initial)
		a.logger.Info("contract created", zap.String("creator", caller.Hex()), zap.Int("assets", len(assets)))
		return true, nil
	})
}

// BalanceChange is reported by deposit, withdraw and transfer
type BalanceChange struct {
	Account common.Address `json:"account"`
	Asset   ledger.Asset   `json:"asset"`
	Amount  uint64         `json:"amount"`
	Balance uint64         `json:"balance"`
}

// Deposit credits amount of asset to account. Deposits arrive from the
// bridge, so any caller may deposit into any account.
func (a *App) Deposit(caller, account common.Address, asset ledger.Asset, amount uint64) (BalanceChange, error) {
	var out BalanceChange
	err := a.commit("deposit", func() (bool, error) {
		if err := checkAmount(asset, amount); err != nil {
			return false, err
		}
		if err := a.ledger.Credit(account, asset, amount); err != nil {
			return false, fmt.Errorf("deposit %d %s to %s: %w", amount, asset, account.Hex(), err)
		}
		out = BalanceChange{Account: account, Asset: asset, Amount: amount, Balance: a.ledger.BalanceOf(account, asset)}
		a.emit(events.TypeDeposit, account, out)
		a.logger.Debug("deposit", zap.String("caller", caller.Hex()), zap.String("account", account.Hex()),
			zap.String("asset", string(asset)), zap.Uint64("amount", amount))
		return true, nil
	})
	return out, err
}

// Withdraw debits amount of asset from the caller's own account
func (a *App) Withdraw(caller, account common.Address, asset ledger.Asset, amount uint64) (BalanceChange, error) {
	var out BalanceChange
	err := a.commit("withdraw", func() (bool, error) {
		if caller != account {
			return false, fmt.Errorf("withdraw from %s by %s: %w", account.Hex(), caller.Hex(), errs.ErrNotOwner)
		}
		if err := checkAmount(asset, amount); err != nil {
			return false, err
		}
		if err := a.ledger.Debit(account, asset, amount); err != nil {
			return false, fmt.Errorf("withdraw %d %s: have %d: %w", amount, asset, a.ledger.BalanceOf(account, asset), err)
		}
		out = BalanceChange{Account: account, Asset: asset, Amount: amount, Balance: a.ledger.BalanceOf(account, asset)}
		a.emit(events.TypeWithdraw, account, out)
		a.logger.Debug("withdraw", zap.String("account", account.Hex()),
			zap.String("asset", string(asset)), zap.Uint64("amount", amount))
		return true, nil
	})
	return out, err
}

// Transfer moves amount of asset from the caller to another account
func (a *App) Transfer(caller, to common.Address, asset ledger.Asset, amount uint64) (BalanceChange, error) {
	var out BalanceChange
	err := a.commit("transfer", func() (bool, error) {
		if err := checkAmount(asset, amount); err != nil {
			return false, err
		}
		if err := a.ledger.Transfer(caller, to, asset, amount); err != nil {
			return false, fmt.Errorf("transfer %d %s to %s: %w", amount, asset, to.Hex(), err)
		}
		out = BalanceChange{Account: caller, Asset: asset, Amount: amount, Balance: a.ledger.BalanceOf(caller, asset)}
		a.emit(events.TypeTransfer, caller, struct {
			BalanceChange
			To common.Address `json:"to"`
		}{out, to}, to)
		return true, nil
	})
	return out, err
}

// PlaceOrder escrows and matches an order for the caller's account.
// When a fill fails part way the committed fills are kept, the remainder
// rests and both the result and the error are returned.
func (a *App) PlaceOrder(caller common.Address, req OrderRequest) (matching.PlaceResult, error) {
	if req.Owner == (common.Address{}) {
		req.Owner = caller
	}

	var res matching.PlaceResult
	err := a.commit("place_order", func() (bool, error) {
		if caller != req.Owner {
			return false, fmt.Errorf("place order for %s by %s: %w", req.Owner.Hex(), caller.Hex(), errs.ErrNotOwner)
		}

		var err error
		res, err = a.engine.PlaceOrder(req.Owner, req.TokenFrom, req.TokenTo, req.AmountFrom, req.AmountTo)
		changed := err == nil || res.Resting() || len(res.Fills) > 0
		if !changed {
			return false, err
		}

		a.emit(events.TypeOrderPlaced, req.Owner, struct {
			OrderRequest
			matching.PlaceResult
		}{req, res})
		a.logger.Info("order placed",
			zap.String("owner", req.Owner.Hex()),
			zap.String("pair", string(req.TokenFrom)+"/"+string(req.TokenTo)),
			zap.Uint64("amount_from", req.AmountFrom),
			zap.Uint64("amount_to", req.AmountTo),
			zap.Stringer("status", res.Status),
			zap.Int("fills", len(res.Fills)),
			zap.Error(err))
		return true, err
	})
	return res, err
}

// CancelResult is returned by CancelOrder
type CancelResult struct {
	OrderID  orderbook.OrderID `json:"orderId"`
	Asset    ledger.Asset      `json:"asset"`
	Released uint64            `json:"released"`
}

// CancelOrder cancels one of the caller's live orders and returns its unfilled escrow
func (a *App) CancelOrder(caller common.Address, id orderbook.OrderID) (CancelResult, error) {
	var out CancelResult
	err := a.commit("cancel_order", func() (bool, error) {
		released, err := a.engine.CancelOrder(caller, id)
		if err != nil {
			return false, err
		}
		o, _ := a.store.Get(id)
		out = CancelResult{OrderID: id, Asset: o.TokenFrom, Released: released}
		a.emit(events.TypeOrderCancelled, caller, out)
		a.logger.Info("order cancelled", zap.Stringer("order", id), zap.Uint64("released", released))
		return true, nil
	})
	return out, err
}

// GetBalance returns the spendable balance; unknown accounts and assets read as zero
func (a *App) GetBalance(account common.Address, asset ledger.Asset) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.BalanceOf(account, asset)
}

// AuditBalance is GetBalance for callers that must tell absence from zero.
// It fails with ErrNoSuchAccount when the account holds nothing and has no
// orders, and with ErrNoSuchAsset when it has no entry for asset.
func (a *App) AuditBalance(account common.Address, asset ledger.Asset) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ledger.HasAccount(account) && len(a.store.OrdersOf(account, true)) == 0 {
		return 0, fmt.Errorf("%s: %w", account.Hex(), errs.ErrNoSuchAccount)
	}
	if !a.ledger.Has(account, asset) {
		return 0, fmt.Errorf("%s/%s: %w", account.Hex(), asset, errs.ErrNoSuchAsset)
	}
	return a.ledger.BalanceOf(account, asset), nil
}

// Balances returns every non-zero spendable balance of account
func (a *App) Balances(account common.Address) map[ledger.Asset]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Balances(account)
}

// Escrowed returns the TokenFrom held by account's live orders, per asset
func (a *App) Escrowed(account common.Address) map[ledger.Asset]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[ledger.Asset]uint64)
	for _, o := range a.store.OrdersOf(account, false) {
		out[o.TokenFrom] = orderbook.AddSat(out[o.TokenFrom], o.RemainingFrom)
	}
	return out
}

func (a *App) GetOrder(id orderbook.OrderID) (orderbook.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Get(id)
}

func (a *App) OrdersOf(owner common.Address, includeTerminal bool) []orderbook.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.OrdersOf(owner, includeTerminal)
}

// Depth returns the aggregated resting orders giving tokenFrom for tokenTo
func (a *App) Depth(tokenFrom, tokenTo ledger.Asset) []orderbook.PriceLevel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Depth(orderbook.Pair{From: tokenFrom, To: tokenTo})
}

func (a *App) Pairs() []orderbook.Pair {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Pairs()
}

// Stats is a summary for health checks
type Stats struct {
	Created    bool   `json:"created"`
	Accounts   int    `json:"accounts"`
	LiveOrders int    `json:"liveOrders"`
	NextOrder  uint64 `json:"nextOrderId"`
	EventSeq   uint64 `json:"eventSeq"`
}

func (a *App) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Created:    a.created,
		Accounts:   len(a.ledger.Accounts()),
		LiveOrders: a.store.LiveCount(),
		NextOrder:  uint64(a.store.NextID()),
		EventSeq:   a.seq,
	}
}

func checkAmount(asset ledger.Asset, amount uint64) error {
	if asset == "" {
		return fmt.Errorf("empty asset symbol: %w", errs.ErrInvalidRequest)
	}
	if amount == 0 {
		return fmt.Errorf("amount must be positive: %w", errs.ErrInvalidAmount)
	}
	return nil
}
