// Package recorder keeps an append-only audit trail of ledger activity for
// offline analysis. It is write-behind: the ledger never reads from it.
package recorder

// EscrowEvent records an escrow lifecycle step.
type EscrowEvent struct {
	EscrowID string
	JobID    string
	Owner    string
	Amount   uint64
	Action   string // "created", "refunded"
}

// SettlementEvent records a settled receipt.
type SettlementEvent struct {
	ReceiptID    string
	SettlementID string
	EscrowID     string
	JobID        string
	Worker       string
	ActualCost   uint64
	ProtocolFee  uint64
}

// PaymentEvent records a payment transaction reaching a final state.
type PaymentEvent struct {
	TxID      string
	Identity  string
	Amount    uint64
	Status    string
	Reference string
	Error     string
}

// SweepEvent records one run of the expired-escrow sweep.
type SweepEvent struct {
	EscrowIDs []string
}

// Recorder persists audit events.
type Recorder interface {
	RecordEscrow(evt *EscrowEvent) error
	RecordSettlement(evt *SettlementEvent) error
	RecordPayment(evt *PaymentEvent) error
	RecordSweep(evt *SweepEvent) error
	Close() error
}
