package ledger

import (
	"errors"
	"fmt"
)

var (
	// Validation
	ErrInvalidInput = errors.New("ledger: invalid input")

	// Authorization
	ErrUnauthorized = errors.New("ledger: unauthorized")

	// Balance
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAmountOverflow      = errors.New("ledger: amount overflow")

	// Escrow state
	ErrEscrowNotFound     = errors.New("ledger: escrow not found")
	ErrEscrowNotActive    = errors.New("ledger: escrow not active")
	ErrInsufficientEscrow = errors.New("ledger: insufficient escrow")

	// Idempotency
	ErrDuplicateSettlement = errors.New("ledger: receipt already settled")

	// Integrity
	ErrFeeMismatch        = errors.New("ledger: fee breakdown does not match policy")
	ErrLedgerCorrupted    = errors.New("ledger: internal balances inconsistent")
	ErrReceiptNotFound    = errors.New("ledger: receipt not found")
	ErrSettlementNotFound = errors.New("ledger: settlement entry not found")

	// Payments
	ErrPaymentNotFound        = errors.New("ledger: payment not found")
	ErrPaymentState           = errors.New("ledger: payment in wrong state")
	ErrTransferFailed         = errors.New("ledger: external transfer failed")
	ErrReconciliationRequired = errors.New("ledger: payment needs reconciliation")

	// Halt
	ErrLedgerHalted = errors.New("ledger: halted pending reconciliation")

	// Persistence
	ErrUnsupportedSchema = errors.New("ledger: unsupported schema version")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation error on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
