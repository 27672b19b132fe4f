package dex

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/errs"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
)

// Method names accepted by Dispatch
const (
	MethodCreate      = "create"
	MethodDeposit     = "deposit"
	MethodWithdraw    = "withdraw"
	MethodTransfer    = "transfer"
	MethodPlaceOrder  = "place_order"
	MethodCancelOrder = "cancel_order"
	MethodGetBalance  = "get_balance"
)

// Request is one call with an already authenticated caller
type Request struct {
	Method string          `json:"method"`
	Caller common.Address  `json:"caller"`
	Params json.RawMessage `json:"params"`
}

// ErrorBody is the external form of an error
type ErrorBody struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

// Response carries a result, an error, or both when a call made partial
// progress before failing (place_order).
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// Failed returns true when the response carries an error
func (r Response) Failed() bool {
	return r.Error != nil
}

func errorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	return &ErrorBody{Code: errs.CodeOf(err), Message: err.Error()}
}

type createParams struct {
	Balances map[ledger.Asset]uint64 `json:"balances"`
}

type amountParams struct {
	Account common.Address `json:"account"`
	Asset   ledger.Asset   `json:"asset"`
	Amount  uint64         `json:"amount"`
}

type transferParams struct {
	To     common.Address `json:"to"`
	Asset  ledger.Asset   `json:"asset"`
	Amount uint64         `json:"amount"`
}

type cancelParams struct {
	OrderID orderbook.OrderID `json:"orderId"`
}

type balanceParams struct {
	Account common.Address `json:"account"`
	Asset   ledger.Asset   `json:"asset"`
}

// BalanceResult is returned by get_balance
type BalanceResult struct {
	Account common.Address `json:"account"`
	Asset   ledger.Asset   `json:"asset"`
	Balance uint64         `json:"balance"`
}

// Dispatch decodes req.Params for req.Method and runs the call
func (a *App) Dispatch(req Request) Response {
	switch req.Method {
	case MethodCreate:
		var p createParams
		if err := decodeParams(req.Params, &p); err != nil {
			return Response{Error: errorBody(err)}
		}
		if err := a.Create(req.Caller, p.Balances); err != nil {
			return Response{Error: errorBody(err)}
		}
		return Response{Result: map[string]interface{}{"created": true, "creator": req.Caller}}

	case MethodDeposit, MethodWithdraw:
		var p amountParams
		if err := decodeParams(req.Params, &p); err != nil {
			return Response{Error: errorBody(err)}
		}
		if p.Account == (common.Address{}) {
			p.Account = req.Caller
		}
		var (
			out BalanceChange
			err error
		)
		if req.Method == MethodDeposit {
			out, err = a.Deposit(req.Caller, p.Account, p.Asset, p.Amount)
		} else {
			out, err = a.Withdraw(req.Caller, p.Account, p.Asset, p.Amount)
		}
		if err != nil {
			return Response{Error: errorBody(err)}
		}
		return Response{Result: out}

	case MethodTransfer:
		var p transferParams
		if err := decodeParams(req.Params, &p); err != nil {
			return Response{Error: errorBody(err)}
		}
		out, err := a.Transfer(req.Caller, p.To, p.Asset, p.Amount)
		if err != nil {
			return Response{Error: errorBody(err)}
		}
		return Response{Result: out}

	case MethodPlaceOrder:
		var p OrderRequest
		if err := decodeParams(req.Params, &p); err != nil {
			return Response{Error: errorBody(err)}
		}
		res, err := a.PlaceOrder(req.Caller, p)
		if err != nil && !res.Resting() && len(res.Fills) == 0 {
			return Response{Error: errorBody(err)}
		}
		return Response{Result: res, Error: errorBody(err)}

	case MethodCancelOrder:
		var p cancelParams
		if err := decodeParams(req.Params, &p); err != nil {
			return Response{Error: errorBody(err)}
		}
		out, err := a.CancelOrder(req.Caller, p.OrderID)
		if err != nil {
			return Response{Error: errorBody(err)}
		}
		return Response{Result: out}

	case MethodGetBalance:
		var p balanceParams
		if err := decodeParams(req.Params, &p); err != nil {
			return Response{Error: errorBody(err)}
		}
		if p.Account == (common.Address{}) {
			p.Account = req.Caller
		}
		return Response{Result: BalanceResult{
			Account: p.Account,
			Asset:   p.Asset,
			Balance: a.GetBalance(p.Account, p.Asset),
		}}

	default:
		return Response{Error: errorBody(fmt.Errorf("unknown method %q: %w", req.Method, errs.ErrInvalidRequest))}
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode params: %v: %w", err, errs.ErrInvalidRequest)
	}
	return nil
}
