package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"wrapped insufficient", fmt.Errorf("debit: %w", ErrInsufficientFunds), CodeInsufficientFunds},
		{"overflow", ErrOverflow, CodeOverflow},
		{"invalid amount reported as invalid order", ErrInvalidAmount, CodeInvalidOrder},
		{"not owner", fmt.Errorf("cancel 7: %w", ErrNotOwner), CodeNotOwner},
		{"already created", ErrAlreadyCreated, CodeInvalidRequest},
		{"unknown", errors.New("disk on fire"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(ErrOrderNotFound); got != http.StatusNotFound {
		t.Errorf("order not found status = %d", got)
	}
	if got := HTTPStatus(ErrNotOwner); got != http.StatusForbidden {
		t.Errorf("not owner status = %d", got)
	}
	if got := HTTPStatus(fmt.Errorf("x: %w", ErrInsufficientFunds)); got != http.StatusConflict {
		t.Errorf("insufficient funds status = %d", got)
	}
	if got := HTTPStatus(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("internal status = %d", got)
	}
}
