package matching

import (
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
)

const benchFunds = 1 << 60

func benchAddr(i int) common.Address {
	return common.BytesToAddress([]byte{0xbe, byte(i >> 8), byte(i)})
}

func newBenchEngine(b *testing.B, accounts int) *Engine {
	b.Helper()
	e := NewEngine(ledger.New(), orderbook.NewStore(), nil, nil)
	for i := 0; i < accounts; i++ {
		for _, asset := range []ledger.Asset{"X", "Y"} {
			if err := e.Ledger().Credit(benchAddr(i), asset, benchFunds); err != nil {
				b.Fatal(err)
			}
		}
	}
	return e
}

// restMakers places n orders giving X for Y, each slightly cheaper than the last
func restMakers(b *testing.B, e *Engine, n int) []orderbook.OrderID {
	b.Helper()
	ids := make([]orderbook.OrderID, 0, n)
	for i := 0; i < n; i++ {
		res, err := e.PlaceOrder(benchAddr(i%100), "X", "Y", 1_000_000_000, 1_000_000_000-uint64(i)*1000)
		if err != nil {
			b.Fatal(err)
		}
		ids = append(ids, res.OrderID)
	}
	return ids
}

// BenchmarkPlaceCrossing measures a taker that fills against the best maker
func BenchmarkPlaceCrossing(b *testing.B) {
	e := newBenchEngine(b, 101)
	restMakers(b, e, 100)
	taker := benchAddr(100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if e.Store().LiveCount() < 50 {
			b.StopTimer()
			restMakers(b, e, 100)
			b.StartTimer()
		}
		if _, err := e.PlaceOrder(taker, "Y", "X", 10, 10); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPlaceResting measures orders that find no compatible maker
func BenchmarkPlaceResting(b *testing.B) {
	e := newBenchEngine(b, 100)
	restMakers(b, e, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Asks far above every maker rate
		if _, err := e.PlaceOrder(benchAddr(i%100), "Y", "X", 10, 1000); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCancel measures cancellation of resting orders
func BenchmarkCancel(b *testing.B) {
	e := newBenchEngine(b, 100)
	ids := restMakers(b, e, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx := i % len(ids)
		if _, err := e.CancelOrder(benchAddr(idx%100), ids[idx]); err != nil {
			b.Fatal(err)
		}

		// Re-add orders for the next round (keep book stable)
		if idx == len(ids)-1 {
			b.StopTimer()
			ids = restMakers(b, e, 1000)
			b.StartTimer()
		}
	}
}

// BenchmarkBest measures best-rate lookup (heap peek)
func BenchmarkBest(b *testing.B) {
	e := newBenchEngine(b, 100)
	restMakers(b, e, 1000)
	pair := orderbook.Pair{From: "X", To: "Y"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := e.Store().Best(pair); !ok {
			b.Fatal("empty book")
		}
	}
}

// BenchmarkDepth measures rate level aggregation used by the depth endpoint
func BenchmarkDepth(b *testing.B) {
	e := newBenchEngine(b, 100)
	// Multiple orders at the same rate (test aggregation)
	for i := 0; i < 500; i++ {
		for j := 0; j < 5; j++ {
			if _, err := e.PlaceOrder(benchAddr(j), "X", "Y", 1000, 1000+uint64(i)); err != nil {
				b.Fatal(err)
			}
		}
	}
	pair := orderbook.Pair{From: "X", To: "Y"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = e.Store().Depth(pair)
	}
}

// BenchmarkRealisticWorkload mixes 70% crossing takers, 20% resting
// orders and 10% cancels
func BenchmarkRealisticWorkload(b *testing.B) {
	e := newBenchEngine(b, 100)
	ids := restMakers(b, e, 200)
	rng := rand.New(rand.NewSource(42))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		who := benchAddr(rng.Intn(100))
		switch r := rng.Intn(10); {
		case r < 7:
			e.PlaceOrder(who, "Y", "X", uint64(1+rng.Intn(100)), 1)
		case r < 9:
			res, err := e.PlaceOrder(who, "X", "Y", 1_000_000, 1_000_000+uint64(rng.Intn(1000)))
			if err == nil && res.Resting() {
				ids = append(ids, res.OrderID)
			}
		default:
			if len(ids) == 0 {
				continue
			}
			k := rng.Intn(len(ids))
			o, err := e.Store().Get(ids[k])
			if err == nil {
				e.CancelOrder(o.Owner, o.ID)
			}
			ids[k] = ids[len(ids)-1]
			ids = ids[:len(ids)-1]
		}
	}
}
