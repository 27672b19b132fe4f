package api

import (
	"encoding/json"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/events"
)

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// CallRequest is the body of POST /api/v1/call. The caller comes from the
// X-Caller-Address header, set by the authenticating gateway.
type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// AccountBalances lists spendable and escrowed balances
type AccountBalances struct {
	Address  string                  `json:"address"`
	Balances map[ledger.Asset]uint64 `json:"balances"`
	Escrowed map[ledger.Asset]uint64 `json:"escrowed"`
}

// BalanceInfo is a single (account, asset) balance
type BalanceInfo struct {
	Address string       `json:"address"`
	Asset   ledger.Asset `json:"asset"`
	Balance uint64       `json:"balance"`
}

// OrderList is returned by the account orders endpoint
type OrderList struct {
	Address string            `json:"address"`
	Orders  []orderbook.Order `json:"orders"`
}

// DepthSnapshot lists resting liquidity for both directions of a pair.
// Asks give Base for Quote; Bids give Quote for Base.
type DepthSnapshot struct {
	Base      ledger.Asset           `json:"base"`
	Quote     ledger.Asset           `json:"quote"`
	Asks      []orderbook.PriceLevel `json:"asks"`
	Bids      []orderbook.PriceLevel `json:"bids"`
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status     string `json:"status"`
	Created    bool   `json:"created"`
	Accounts   int    `json:"accounts"`
	LiveOrders int    `json:"liveOrders"`
	EventSeq   uint64 `json:"eventSeq"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["fill", "order_placed", "account:0x..."]
}

// WSMessage wraps one event pushed to subscribers
type WSMessage struct {
	Channel string       `json:"channel"`
	Event   events.Event `json:"event"`
}
