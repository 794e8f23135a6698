package ledger

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
)

// Settle processes a worker receipt against its escrow. The whole operation
// runs under the ledger lock, so a receipt id settles at most once even when
// submitted concurrently. On success the worker receives ActualCost minus the
// protocol fee, the treasury receives the protocol fee and the unspent
// remainder returns to the escrow owner. The fee breakdown must be the
// escrow policy applied to ActualCost.
func (l *Ledger) Settle(r Receipt) (SettlementEntry, error) {
	if r.ReceiptID == "" {
		return SettlementEntry{}, invalid("receipt_id", "must not be empty")
	}
	r.Worker = NormalizeIdentity(r.Worker)
	if r.Worker == "" {
		return SettlementEntry{}, invalid("worker", "must not be empty")
	}
	if r.ActualCost == 0 {
		return SettlementEntry{}, invalid("actual_cost", "must be positive")
	}
	if !r.Fees.Consistent() {
		return SettlementEntry{}, fmt.Errorf("%w: total %d is not the sum of its parts", ErrFeeMismatch, r.Fees.Total)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return SettlementEntry{}, err
	}
	if _, done := l.state.Settlements[r.ReceiptID]; done {
		return SettlementEntry{}, fmt.Errorf("%w: %s", ErrDuplicateSettlement, r.ReceiptID)
	}
	esc, ok := l.state.Escrows[r.EscrowID]
	if !ok {
		return SettlementEntry{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, r.EscrowID)
	}
	if esc.Status != EscrowActive {
		return SettlementEntry{}, fmt.Errorf("%w: %s is %s", ErrEscrowNotActive, esc.EscrowID, esc.Status)
	}
	if r.JobID != esc.JobID {
		return SettlementEntry{}, invalid("job_id", fmt.Sprintf("receipt job %q does not match escrow job %q", r.JobID, esc.JobID))
	}
	if esc.Amount < r.ActualCost {
		return SettlementEntry{}, fmt.Errorf("%w: %s holds %d, receipt claims %d", ErrInsufficientEscrow, esc.EscrowID, esc.Amount, r.ActualCost)
	}

	if r.Fees.Base != r.ActualCost {
		return SettlementEntry{}, fmt.Errorf("%w: fee base %d is not the actual cost %d", ErrFeeMismatch, r.Fees.Base, r.ActualCost)
	}
	policy := l.state.FeePolicy
	if esc.Policy != nil {
		policy = *esc.Policy
	}
	want, err := fees.CalculateFees(r.Fees.Base, policy)
	if err != nil {
		return SettlementEntry{}, err
	}
	if want != r.Fees {
		return SettlementEntry{}, fmt.Errorf("%w: got %+v want %+v", ErrFeeMismatch, r.Fees, want)
	}
	if r.Fees.ProtocolFee > r.ActualCost {
		return SettlementEntry{}, fmt.Errorf("%w: protocol fee %d exceeds actual cost %d", ErrFeeMismatch, r.Fees.ProtocolFee, r.ActualCost)
	}

	now := l.now()
	payouts := []payout{
		{r.Worker, r.ActualCost - r.Fees.ProtocolFee},
		{l.treasury, r.Fees.ProtocolFee},
	}
	if err := l.releaseEscrowedLocked(esc, payouts, now); err != nil {
		return SettlementEntry{}, err
	}

	// Nothing below can fail.
	settled := now
	rec := copyReceipt(&r)
	rec.SettlementStatus = SettlementCompleted
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.SettledAt = &settled
	l.state.Receipts[r.ReceiptID] = &rec

	entry := &SettlementEntry{
		ReceiptID:      r.ReceiptID,
		SettlementID:   settlementID(r.ReceiptID, now.UnixNano()),
		ProcessedAt:    now,
		Amount:         r.ActualCost,
		Status:         SettlementCompleted,
		IdempotencyKey: IdempotencyKey(r.ReceiptID, r.JobID, r.EscrowID, r.ActualCost),
	}
	l.state.Settlements[r.ReceiptID] = entry

	l.state.Metrics.TotalVolume += r.ActualCost
	l.state.Metrics.FeesCollected += r.Fees.ProtocolFee
	l.state.Metrics.TotalSettlements++
	l.touchLocked(now)

	l.log.Info("receipt settled",
		zap.String("receipt", r.ReceiptID),
		zap.String("escrow", r.EscrowID),
		zap.String("worker", r.Worker),
		zap.Uint64("actual_cost", r.ActualCost),
		zap.Uint64("protocol_fee", r.Fees.ProtocolFee),
		zap.Uint64("refunded", esc.Refunded),
	)
	return *entry, nil
}

func settlementID(receiptID string, nanos int64) string {
	return hashID("settlement_", 8, []byte(receiptID), be64(uint64(nanos)))
}

// VerifySettlementIntegrity reports whether the receipt and its settlement
// entry agree on amount, status and idempotency key.
func (l *Ledger) VerifySettlementIntegrity(receiptID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.state.Receipts[receiptID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptID)
	}
	e, ok := l.state.Settlements[receiptID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSettlementNotFound, receiptID)
	}
	return consistent(r, e), nil
}

// AuditAll returns the ids of receipts whose settlement entry is missing or
// disagrees with them, sorted.
func (l *Ledger) AuditAll() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	bad := make([]string, 0)
	for id, r := range l.state.Receipts {
		e, ok := l.state.Settlements[id]
		if !ok || !consistent(r, e) {
			bad = append(bad, id)
		}
	}
	sort.Strings(bad)
	return bad
}

func consistent(r *Receipt, e *SettlementEntry) bool {
	return r.ActualCost == e.Amount &&
		r.SettlementStatus == e.Status &&
		r.Fees.Consistent() &&
		e.IdempotencyKey == IdempotencyKey(r.ReceiptID, r.JobID, r.EscrowID, r.ActualCost)
}

// GetReceipt returns a copy of a settled receipt.
func (l *Ledger) GetReceipt(receiptID string) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.state.Receipts[receiptID]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptID)
	}
	return copyReceipt(r), nil
}

// GetSettlement returns the settlement entry for a receipt.
func (l *Ledger) GetSettlement(receiptID string) (SettlementEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.state.Settlements[receiptID]
	if !ok {
		return SettlementEntry{}, fmt.Errorf("%w: %s", ErrSettlementNotFound, receiptID)
	}
	return *e, nil
}

// ListReceipts returns receipts where identity is the worker or the payer of
// the escrow, newest first. limit defaults to 20 and is capped at 100.
func (l *Ledger) ListReceipts(identity string, limit int) []Receipt {
	identity = NormalizeIdentity(identity)
	limit = clampLimit(limit, 20, 100)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Receipt, 0)
	for _, r := range l.state.Receipts {
		owner := ""
		if esc, ok := l.state.Escrows[r.EscrowID]; ok {
			owner = esc.Owner
		}
		if r.Worker == identity || owner == identity {
			out = append(out, copyReceipt(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ReceiptID < out[j].ReceiptID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
