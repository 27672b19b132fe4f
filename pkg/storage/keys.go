package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
)

// Key schema for the exchange state:
//
//   bal:<address>:<asset>  → ledger.Entry (JSON)
//   ord:<id, 20 digits>    → orderbook.Order (JSON)
//   meta:next              → next order id (8-byte big endian)
//   meta:seq               → last event sequence (8-byte big endian)
//   meta:created           → creator address, absent until created

const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
)

var (
	keyNextOrder = []byte("meta:next")
	keyEventSeq  = []byte("meta:seq")
	keyCreated   = []byte("meta:created")
)

// balanceKey returns the key for one balance entry
// Format: "bal:{address}:{asset}"
func balanceKey(addr common.Address, asset ledger.Asset) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, addr.Hex(), asset))
}

// orderKey returns the key for an order.
// The id is zero-padded (20 digits) so keys sort by id.
func orderKey(id orderbook.OrderID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, uint64(id)))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
