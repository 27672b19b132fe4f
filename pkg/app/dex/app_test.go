package dex

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/errs"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/events"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

var (
	alice  = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob    = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	bridge = common.HexToAddress("0xB1D6E00000000000000000000000000000000000")
)

// memPersister records saved deltas and can be told to fail
type memPersister struct {
	saved []Delta
	fail  bool
}

func (m *memPersister) Save(d Delta) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.saved = append(m.saved, d)
	return nil
}

func newTestApp(opts ...Option) *App {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	return New(append([]Option{WithClock(clock)}, opts...)...)
}

func mustDeposit(t *testing.T, a *App, who common.Address, asset ledger.Asset, amount uint64) {
	t.Helper()
	if _, err := a.Deposit(bridge, who, asset, amount); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func TestScenariosEndToEnd(t *testing.T) {
	a := newTestApp()

	// Scenario 1
	mustDeposit(t, a, alice, "X", 100)
	res, err := a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 100, AmountTo: 50})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if !res.Resting() || res.Status != orderbook.OrderOpen {
		t.Fatalf("unexpected result: %+v", res)
	}
	if a.GetBalance(alice, "X") != 0 || a.GetBalance(alice, "Y") != 0 {
		t.Fatalf("alice balances: X=%d Y=%d", a.GetBalance(alice, "X"), a.GetBalance(alice, "Y"))
	}

	// Scenario 2
	mustDeposit(t, a, bob, "Y", 60)
	res2, err := a.PlaceOrder(bob, OrderRequest{Owner: bob, TokenFrom: "Y", TokenTo: "X", AmountFrom: 60, AmountTo: 100})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if res2.Resting() || res2.Status != orderbook.OrderFilled {
		t.Fatalf("unexpected result: %+v", res2)
	}
	if a.GetBalance(alice, "Y") != 50 || a.GetBalance(bob, "X") != 100 || a.GetBalance(bob, "Y") != 10 {
		t.Errorf("after match: alice Y=%d bob X=%d bob Y=%d", a.GetBalance(alice, "Y"), a.GetBalance(bob, "X"), a.GetBalance(bob, "Y"))
	}
	maker, _ := a.GetOrder(res.OrderID)
	if maker.Status != orderbook.OrderFilled {
		t.Errorf("maker status = %s", maker.Status)
	}
}

func TestWithdrawMoreThanSpendable(t *testing.T) {
	a := newTestApp()
	mustDeposit(t, a, alice, "X", 100)
	a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 70, AmountTo: 70})

	_, err := a.Withdraw(alice, alice, "X", 31)
	if !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if a.GetBalance(alice, "X") != 30 {
		t.Errorf("balance = %d, want 30", a.GetBalance(alice, "X"))
	}

	out, err := a.Withdraw(alice, alice, "X", 30)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if out.Balance != 0 {
		t.Errorf("balance after = %d", out.Balance)
	}
}

func TestCallerMustOwnAccount(t *testing.T) {
	a := newTestApp()
	mustDeposit(t, a, alice, "X", 100)
	res, _ := a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 10, AmountTo: 10})

	if _, err := a.Withdraw(bob, alice, "X", 1); !errors.Is(err, errs.ErrNotOwner) {
		t.Errorf("withdraw: expected ErrNotOwner, got %v", err)
	}
	if _, err := a.PlaceOrder(bob, OrderRequest{Owner: alice, TokenFrom: "X", TokenTo: "Y", AmountFrom: 1, AmountTo: 1}); !errors.Is(err, errs.ErrNotOwner) {
		t.Errorf("place: expected ErrNotOwner, got %v", err)
	}
	if _, err := a.CancelOrder(bob, res.OrderID); !errors.Is(err, errs.ErrNotOwner) {
		t.Errorf("cancel: expected ErrNotOwner, got %v", err)
	}
	if a.GetBalance(alice, "X") != 90 {
		t.Errorf("balance changed: %d", a.GetBalance(alice, "X"))
	}
}

func TestAmountValidation(t *testing.T) {
	a := newTestApp()
	if _, err := a.Deposit(bridge, alice, "X", 0); !errors.Is(err, errs.ErrInvalidAmount) {
		t.Errorf("zero deposit: %v", err)
	}
	if _, err := a.Deposit(bridge, alice, "", 1); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Errorf("empty asset: %v", err)
	}
	if _, err := a.Withdraw(alice, alice, "X", 0); errs.CodeOf(err) != errs.CodeInvalidOrder {
		t.Errorf("zero withdraw code = %s", errs.CodeOf(err))
	}
	if _, err := a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "X", AmountFrom: 1, AmountTo: 1}); !errors.Is(err, errs.ErrInvalidOrder) {
		t.Errorf("same token: %v", err)
	}
}

func TestDepositOverflow(t *testing.T) {
	a := newTestApp()
	mustDeposit(t, a, alice, "X", math.MaxUint64)
	if _, err := a.Deposit(bridge, alice, "X", 1); !errors.Is(err, errs.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if a.GetBalance(alice, "X") != math.MaxUint64 {
		t.Error("balance changed on overflow")
	}
}

func TestCreateOnce(t *testing.T) {
	a := newTestApp()
	if err := a.Create(alice, map[ledger.Asset]uint64{"X": 1000, "Y": 500}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if a.GetBalance(alice, "X") != 1000 || a.GetBalance(alice, "Y") != 500 {
		t.Errorf("minted balances: %v", a.Balances(alice))
	}
	if err := a.Create(bob, map[ledger.Asset]uint64{"X": 1}); !errors.Is(err, errs.ErrAlreadyCreated) {
		t.Errorf("expected ErrAlreadyCreated, got %v", err)
	}
	if !a.Stats().Created {
		t.Error("stats not created")
	}
}

func TestCreateRollsBackPartialMint(t *testing.T) {
	a := newTestApp()
	mustDeposit(t, a, alice, "Y", math.MaxUint64)

	err := a.Create(alice, map[ledger.Asset]uint64{"X": 10, "Y": 1})
	if !errors.Is(err, errs.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if a.GetBalance(alice, "X") != 0 {
		t.Errorf("X minted despite failure: %d", a.GetBalance(alice, "X"))
	}
	if a.Stats().Created {
		t.Error("marked created after failure")
	}
}

func TestTransfer(t *testing.T) {
	a := newTestApp()
	mustDeposit(t, a, alice, "X", 10)

	if _, err := a.Transfer(alice, bob, "X", 4); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if a.GetBalance(alice, "X") != 6 || a.GetBalance(bob, "X") != 4 {
		t.Errorf("balances: alice=%d bob=%d", a.GetBalance(alice, "X"), a.GetBalance(bob, "X"))
	}
	if _, err := a.Transfer(alice, bob, "X", 7); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCancelReleasesEscrow(t *testing.T) {
	a := newTestApp()
	mustDeposit(t, a, alice, "X", 100)
	before := a.GetBalance(alice, "X")

	res, _ := a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 100, AmountTo: 50})
	if got := a.Escrowed(alice)["X"]; got != 100 {
		t.Errorf("escrowed = %d", got)
	}
	out, err := a.CancelOrder(alice, res.OrderID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if out.Released != 100 || out.Asset != "X" || a.GetBalance(alice, "X") != before {
		t.Errorf("cancel result %+v, balance %d", out, a.GetBalance(alice, "X"))
	}
	if len(a.OrdersOf(alice, false)) != 0 || len(a.OrdersOf(alice, true)) != 1 {
		t.Error("order indexes not updated")
	}
}

func TestAuditBalance(t *testing.T) {
	a := newTestApp()
	if _, err := a.AuditBalance(alice, "X"); !errors.Is(err, errs.ErrNoSuchAccount) {
		t.Errorf("expected ErrNoSuchAccount, got %v", err)
	}
	mustDeposit(t, a, alice, "X", 5)
	if _, err := a.AuditBalance(alice, "Y"); !errors.Is(err, errs.ErrNoSuchAsset) {
		t.Errorf("expected ErrNoSuchAsset, got %v", err)
	}
	if got, err := a.AuditBalance(alice, "X"); err != nil || got != 5 {
		t.Errorf("audit = %d, %v", got, err)
	}
	if a.GetBalance(bob, "Z") != 0 {
		t.Error("unknown balance must read zero")
	}
}

func TestPersistEveryMutation(t *testing.T) {
	p := &memPersister{}
	a := newTestApp(WithPersister(p))

	mustDeposit(t, a, alice, "X", 100)
	a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 100, AmountTo: 50})
	a.Withdraw(alice, alice, "X", 1) // fails, nothing to save

	if len(p.saved) != 2 {
		t.Fatalf("saved %d deltas, want 2", len(p.saved))
	}
	first, last := p.saved[0], p.saved[1]
	if len(first.Orders) != 0 || len(first.Balances) != 1 || first.Balances[0].Amount != 100 || first.EventSeq != 1 {
		t.Errorf("unexpected deposit delta: %+v", first)
	}
	// The whole balance went into escrow, so the entry is removed
	wantBal := []ledger.Entry{{Account: alice, Asset: "X", Amount: 0}}
	if len(last.Orders) != 1 || last.NextOrderID != 2 || !reflect.DeepEqual(last.Balances, wantBal) {
		t.Errorf("unexpected place delta: %+v", last)
	}
}

func TestPersistOnlyTouchedRows(t *testing.T) {
	p := &memPersister{}
	a := newTestApp(WithPersister(p))
	mustDeposit(t, a, alice, "X", 1000)
	mustDeposit(t, a, bob, "Y", 1000)
	for i := 0; i < 20; i++ {
		res, err := a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 10, AmountTo: 10})
		if err != nil {
			t.Fatalf("place failed: %v", err)
		}
		if _, err := a.CancelOrder(alice, res.OrderID); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
	}
	maker, _ := a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 10, AmountTo: 10})

	n := len(p.saved)
	taker, err := a.PlaceOrder(bob, OrderRequest{TokenFrom: "Y", TokenTo: "X", AmountFrom: 4, AmountTo: 4})
	if err != nil || taker.Resting() {
		t.Fatalf("taker: %+v, %v", taker, err)
	}
	if len(p.saved) != n+1 {
		t.Fatalf("saved %d deltas, want %d", len(p.saved), n+1)
	}
	d := p.saved[n]
	if len(d.Orders) != 1 || d.Orders[0].ID != maker.OrderID || d.Orders[0].RemainingFrom != 6 {
		t.Errorf("orders in delta = %+v, want the maker only", d.Orders)
	}
	if len(d.Balances) != 3 {
		t.Errorf("balances in delta = %+v, want bob X, bob Y, alice Y", d.Balances)
	}
	if total := len(a.Snapshot().Orders); total != 21 {
		t.Errorf("orders in state = %d, want 21", total)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	p := &memPersister{}
	rec := &events.Recorder{}
	a := newTestApp(WithPersister(p), WithPublisher(rec))
	mustDeposit(t, a, alice, "X", 100)
	before := a.Snapshot()

	p.fail = true
	_, err := a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 60, AmountTo: 30})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if !reflect.DeepEqual(a.Snapshot(), before) {
		t.Errorf("state not rolled back:\n got %+v\nwant %+v", a.Snapshot(), before)
	}
	if a.GetBalance(alice, "X") != 100 || len(a.OrdersOf(alice, true)) != 0 {
		t.Error("in-memory state diverged from persisted state")
	}
	if len(rec.Events()) != 1 {
		t.Errorf("events = %d, want only the deposit", len(rec.Events()))
	}

	// The engine still works against the restored state
	p.fail = false
	res, err := a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 60, AmountTo: 30})
	if err != nil || res.OrderID != 1 {
		t.Fatalf("place after rollback: %+v, %v", res, err)
	}
	if a.GetBalance(alice, "X") != 40 {
		t.Errorf("balance = %d, want 40", a.GetBalance(alice, "X"))
	}
}

func TestEventsPublishedInOrder(t *testing.T) {
	rec := &events.Recorder{}
	a := newTestApp(WithPublisher(rec))

	mustDeposit(t, a, alice, "X", 100)
	a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 100, AmountTo: 50})
	mustDeposit(t, a, bob, "Y", 30)
	a.PlaceOrder(bob, OrderRequest{TokenFrom: "Y", TokenTo: "X", AmountFrom: 30, AmountTo: 60})
	a.Withdraw(bob, bob, "Y", 1) // rejected, no event

	want := []events.Type{
		events.TypeDeposit,
		events.TypeOrderPlaced,
		events.TypeDeposit,
		events.TypeFill,
		events.TypeOrderPlaced,
	}
	got := rec.Events()
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Type != want[i] || ev.Seq != uint64(i+1) {
			t.Errorf("event[%d] = %s seq %d, want %s seq %d", i, ev.Type, ev.Seq, want[i], i+1)
		}
	}
	if got[3].Account != bob {
		t.Errorf("fill event account = %s", got[3].Account.Hex())
	}
	if len(got[3].Related) != 1 || got[3].Related[0] != alice {
		t.Errorf("fill event related = %v, want the maker", got[3].Related)
	}
}

func TestStateRoundTrip(t *testing.T) {
	a := newTestApp()
	a.Create(alice, map[ledger.Asset]uint64{"X": 100})
	mustDeposit(t, a, bob, "Y", 60)
	a.PlaceOrder(alice, OrderRequest{TokenFrom: "X", TokenTo: "Y", AmountFrom: 100, AmountTo: 50})
	r, _ := a.PlaceOrder(bob, OrderRequest{TokenFrom: "Y", TokenTo: "X", AmountFrom: 20, AmountTo: 60})
	_ = r

	st := a.Snapshot()
	b, err := NewFromState(st)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !reflect.DeepEqual(b.Snapshot(), st) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", b.Snapshot(), st)
	}
	if err := b.Create(bob, nil); !errors.Is(err, errs.ErrAlreadyCreated) {
		t.Errorf("created flag lost: %v", err)
	}
}
