// Package errs defines the error kinds reported by the exchange core.
//
// Every kind is a sentinel wrapped with context via fmt.Errorf("...: %w").
// Callers test kinds with errors.Is and report them externally with Code.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrNoSuchAccount     = errors.New("no such account")
	ErrNoSuchAsset       = errors.New("no such asset")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOverflow          = errors.New("balance overflow")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrNotOwner          = errors.New("not owner")
	ErrAlreadyTerminal   = errors.New("order already terminal")
	ErrOrderNotFound     = errors.New("order not found")

	// Facade-level kinds
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidRequest = errors.New("invalid request")
	ErrAlreadyCreated = errors.New("contract already created")
)

// Code is the externally reported error name.
type Code string

const (
	CodeNoSuchAccount     Code = "NoSuchAccount"
	CodeNoSuchAsset       Code = "NoSuchAsset"
	CodeInsufficientFunds Code = "InsufficientFunds"
	CodeOverflow          Code = "Overflow"
	CodeInvalidOrder      Code = "InvalidOrder"
	CodeNotOwner          Code = "NotOwner"
	CodeAlreadyTerminal   Code = "AlreadyTerminal"
	CodeOrderNotFound     Code = "OrderNotFound"
	CodeInvalidRequest    Code = "InvalidRequest"
	CodeInternal          Code = "Internal"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrNoSuchAccount, CodeNoSuchAccount},
	{ErrNoSuchAsset, CodeNoSuchAsset},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrOverflow, CodeOverflow},
	{ErrInvalidOrder, CodeInvalidOrder},
	{ErrInvalidAmount, CodeInvalidOrder},
	{ErrNotOwner, CodeNotOwner},
	{ErrAlreadyTerminal, CodeAlreadyTerminal},
	{ErrOrderNotFound, CodeOrderNotFound},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrAlreadyCreated, CodeInvalidRequest},
}

// CodeOf maps err to its external code. Unknown errors are Internal.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the status the HTTP envelope reports for err.
func HTTPStatus(err error) int {
	return CodeOf(err).HTTPStatus()
}

// HTTPStatus returns the HTTP status for the code
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNoSuchAccount, CodeNoSuchAsset, CodeOrderNotFound:
		return http.StatusNotFound
	case CodeNotOwner:
		return http.StatusForbidden
	case CodeInsufficientFunds, CodeAlreadyTerminal, CodeOverflow:
		return http.StatusConflict
	case CodeInvalidOrder, CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
