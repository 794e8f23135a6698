package ledger

import (
	"time"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
)

// Balance is the per-identity account. Available+Escrowed+Held only shrinks
// through withdrawals and completed payments. Held is reserved for payments
// whose transfer has started.
type Balance struct {
	Identity      string    `json:"identity"`
	Available     uint64    `json:"available"`
	Escrowed      uint64    `json:"escrowed"`
	Held          uint64    `json:"held"`
	TotalEarnings uint64    `json:"total_earnings"`
	LastUpdated   time.Time `json:"last_updated"`
}

type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowActive   EscrowStatus = "active"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowExpired  EscrowStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowExpired
}

// EscrowAccount locks payer funds against one job. Amount never changes
// after creation. Policy is the fee schedule in force when it was opened.
type EscrowAccount struct {
	EscrowID  string       `json:"escrow_id"`
	JobID     string       `json:"job_id"`
	Owner     string       `json:"owner"`
	Amount    uint64       `json:"amount"`
	Status    EscrowStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	Policy    *fees.Policy `json:"policy,omitempty"`
	Released  uint64       `json:"released"`
	Refunded  uint64       `json:"refunded"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
}

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
)

// Receipt is a worker's signed claim for completed work.
type Receipt struct {
	ReceiptID        string           `json:"receipt_id"`
	JobID            string           `json:"job_id"`
	EscrowID         string           `json:"escrow_id"`
	Worker           string           `json:"worker"`
	ActualCost       uint64           `json:"actual_cost"`
	Fees             fees.Breakdown   `json:"fees"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	CreatedAt        time.Time        `json:"created_at"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
	Signature        []byte           `json:"signature,omitempty"`
}

// SettlementEntry is the permanent record of a processed receipt. Its
// presence for a receipt id is the idempotency guard.
type SettlementEntry struct {
	ReceiptID      string           `json:"receipt_id"`
	SettlementID   string           `json:"settlement_id"`
	ProcessedAt    time.Time        `json:"processed_at"`
	Amount         uint64           `json:"amount"`
	Status         SettlementStatus `json:"status"`
	IdempotencyKey string           `json:"idempotency_key"`
}

// Metrics accumulate; nothing ever decrements them.
type Metrics struct {
	TotalVolume      uint64    `json:"total_volume"`
	FeesCollected    uint64    `json:"fees_collected"`
	TotalEstimates   uint64    `json:"total_estimates"`
	TotalSettlements uint64    `json:"total_settlements"`
	TotalSweeps      uint64    `json:"total_sweeps"`
	LastActivity     time.Time `json:"last_activity"`
}

type PaymentStatus string

const (
	PaymentPending             PaymentStatus = "pending"
	PaymentProcessing          PaymentStatus = "processing"
	PaymentCompleted           PaymentStatus = "completed"
	PaymentFailed              PaymentStatus = "failed"
	PaymentNeedsReconciliation PaymentStatus = "needs_reconciliation"
)

// PaymentTransaction tracks one outbound transfer from a ledger balance to
// an external destination. Held is the part of Amount reserved from the
// identity's balance while the transfer is in flight or unresolved.
type PaymentTransaction struct {
	ID          string        `json:"id"`
	Identity    string        `json:"identity"`
	Tier        string        `json:"tier,omitempty"`
	Destination string        `json:"destination"`
	Amount      uint64        `json:"amount"`
	Held        uint64        `json:"held,omitempty"`
	Memo        string        `json:"memo"`
	Status      PaymentStatus `json:"status"`
	Reference   string        `json:"reference,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// PaymentRequest is the input to RequestPayment.
type PaymentRequest struct {
	Identity    string `json:"identity"`
	Tier        string `json:"tier"`
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
	Memo        string `json:"memo"`
}

// PaymentStats aggregates payment transactions by outcome.
type PaymentStats struct {
	Total               int    `json:"total"`
	Pending             int    `json:"pending"`
	Processing          int    `json:"processing"`
	Completed           int    `json:"completed"`
	Failed              int    `json:"failed"`
	NeedsReconciliation int    `json:"needs_reconciliation"`
	CompletedVolume     uint64 `json:"completed_volume"`
}

// Health is a point-in-time summary of the ledger.
type Health struct {
	TotalEscrows       int     `json:"total_escrows"`
	ActiveEscrows      int     `json:"active_escrows"`
	TotalReceipts      int     `json:"total_receipts"`
	PendingSettlements int     `json:"pending_settlements"`
	InFlightPayments   int     `json:"in_flight_payments"`
	TotalVolume        uint64  `json:"total_volume"`
	FeesCollected      uint64  `json:"fees_collected"`
	TotalEstimates     uint64  `json:"total_estimates"`
	AverageJobCost     float64 `json:"average_job_cost"`
	Halted             bool    `json:"halted"`
	HaltReason         string  `json:"halt_reason,omitempty"`
}

// State is everything the ledger persists.
type State struct {
	SchemaVersion uint32                         `json:"schema_version"`
	Balances      map[string]*Balance            `json:"balances"`
	Escrows       map[string]*EscrowAccount      `json:"escrows"`
	Receipts      map[string]*Receipt            `json:"receipts"`
	Settlements   map[string]*SettlementEntry    `json:"settlements"`
	Payments      map[string]*PaymentTransaction `json:"payments"`
	FeePolicy     fees.Policy                    `json:"fee_policy"`
	Admins        []string                       `json:"admins"`
	Metrics       Metrics                        `json:"metrics"`
	Halted        bool                           `json:"halted"`
	HaltReason    string                         `json:"halt_reason,omitempty"`
}
