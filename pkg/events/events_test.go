package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")

type failing struct{ closed bool }

func (f *failing) Publish(context.Context, ...Event) error { return errors.New("sink down") }
func (f *failing) Close() error                            { f.closed = true; return nil }

func TestNewEncodesData(t *testing.T) {
	ev, err := New(TypeDeposit, alice, 42, map[string]uint64{"amount": 7})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if ev.Channel() != "deposit" || ev.Timestamp != 42 {
		t.Errorf("unexpected event: %+v", ev)
	}
	var data map[string]uint64
	if err := json.Unmarshal(ev.Data, &data); err != nil || data["amount"] != 7 {
		t.Errorf("data = %s (%v)", ev.Data, err)
	}
}

func TestMultiPublishesToAllSinks(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	bad := &failing{}
	m := Multi{a, bad, b}

	ev, _ := New(TypeFill, alice, 1, nil)
	if err := m.Publish(context.Background(), ev); err == nil {
		t.Fatal("expected sink error")
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("sinks got %d/%d events, want 1/1", len(a.Events()), len(b.Events()))
	}
	if err := m.Close(); err != nil || !bad.closed {
		t.Errorf("close: err=%v closed=%v", err, bad.closed)
	}
}

func TestAsyncForwardsInOrder(t *testing.T) {
	rec := &Recorder{}
	a := NewAsync(rec, 16, nil)

	for i := uint64(1); i <= 5; i++ {
		a.Publish(context.Background(), Event{Seq: i, Type: TypeFill, Account: alice})
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	got := rec.Events()
	if len(got) != 5 {
		t.Fatalf("forwarded %d events, want 5", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event[%d].Seq = %d", i, ev.Seq)
		}
	}
}

func TestAsyncSwallowsSinkErrors(t *testing.T) {
	bad := &failing{}
	a := NewAsync(bad, 1, nil)
	if err := a.Publish(context.Background(), Event{Seq: 1}); err != nil {
		t.Fatalf("publish returned sink error: %v", err)
	}
	a.Close()
	if !bad.closed {
		t.Error("sink not closed")
	}
}

func TestKafkaMessages(t *testing.T) {
	ev, _ := New(TypeOrderPlaced, alice, 1_700_000_000_000, map[string]string{"id": "ord-1"})
	ev.Seq = 9

	msgs, err := messages([]Event{ev})
	if err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if string(m.Key) != alice.Hex() {
		t.Errorf("key = %s", m.Key)
	}
	if m.Time.UnixMilli() != ev.Timestamp {
		t.Errorf("time = %v", m.Time)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Value) != "order_placed" {
		t.Errorf("headers = %+v", m.Headers)
	}

	var decoded Event
	if err := json.Unmarshal(m.Value, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Seq != 9 || decoded.Type != TypeOrderPlaced || decoded.Account != alice {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestKafkaPublishEmptyIsNoop(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "dex-events")
	defer p.Close()
	if err := p.Publish(context.Background()); err != nil {
		t.Errorf("empty publish: %v", err)
	}
}

func TestAccountsDedupes(t *testing.T) {
	bob := common.HexToAddress("0xBB00000000000000000000000000000000000000")
	ev := Event{Account: alice, Related: []common.Address{bob, alice, bob}}
	got := ev.Accounts()
	if len(got) != 2 || got[0] != alice || got[1] != bob {
		t.Errorf("accounts = %v", got)
	}
}
