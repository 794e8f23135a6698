package api

import (
	"errors"
	"net/http"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
	"github.com/0gfoundation/0g-compute-ledger/internal/receipt"
)

var statusTable = []struct {
	err    error
	status int
}{
	{ledger.ErrInvalidInput, http.StatusBadRequest},
	{ledger.ErrAmountOverflow, http.StatusBadRequest},
	{fees.ErrInvalidJob, http.StatusBadRequest},
	{fees.ErrInvalidPolicy, http.StatusBadRequest},
	{fees.ErrOverflow, http.StatusBadRequest},
	{receipt.ErrWorkerNotAddress, http.StatusBadRequest},
	{receipt.ErrBadSignature, http.StatusBadRequest},
	{receipt.ErrSignerMismatch, http.StatusForbidden},
	{ledger.ErrUnauthorized, http.StatusForbidden},
	{ledger.ErrInsufficientBalance, http.StatusPaymentRequired},
	{ledger.ErrEscrowNotFound, http.StatusNotFound},
	{ledger.ErrReceiptNotFound, http.StatusNotFound},
	{ledger.ErrSettlementNotFound, http.StatusNotFound},
	{ledger.ErrPaymentNotFound, http.StatusNotFound},
	{ledger.ErrEscrowNotActive, http.StatusConflict},
	{ledger.ErrPaymentState, http.StatusConflict},
	{ledger.ErrDuplicateSettlement, http.StatusConflict},
	{ledger.ErrInsufficientEscrow, http.StatusUnprocessableEntity},
	{ledger.ErrFeeMismatch, http.StatusUnprocessableEntity},
	{fees.ErrQuoteCorrupted, http.StatusUnprocessableEntity},
	{fees.ErrQuoteExpired, http.StatusGone},
	{ledger.ErrLedgerHalted, http.StatusServiceUnavailable},
	{ledger.ErrReconciliationRequired, http.StatusServiceUnavailable},
	{ledger.ErrTransferFailed, http.StatusBadGateway},
}

// statusFor returns the HTTP status for err; unknown errors are 500.
func statusFor(err error) int {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}
