package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// A payment moves funds from a ledger balance to an external destination in
// two phases around the transfer call:
//
//	RequestPayment  → pending     (intent recorded, balance untouched)
//	BeginPayment    → processing  (amount moved from available to held)
//	  ... external transfer ...
//	CompletePayment → completed (hold debited) | failed (hold returned)
//	FlagForReconciliation → needs_reconciliation (hold kept)
//	ResolvePayment  → completed | failed
//
// Held funds cannot be withdrawn, escrowed or paid out again, so nothing
// that runs during the transfer can make the debit fail. If it fails anyway
// the state is corrupt and the ledger halts until an admin resumes it.

// RequestPayment records a pending payment.
func (l *Ledger) RequestPayment(req PaymentRequest) (PaymentTransaction, error) {
	req.Identity = NormalizeIdentity(req.Identity)
	switch {
	case req.Identity == "":
		return PaymentTransaction{}, invalid("identity", "must not be empty")
	case req.Destination == "":
		return PaymentTransaction{}, invalid("destination", "must not be empty")
	case req.Amount == 0:
		return PaymentTransaction{}, invalid("amount", "must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return PaymentTransaction{}, err
	}
	if b, ok := l.state.Balances[req.Identity]; !ok || b.Available < req.Amount {
		var have uint64
		if ok {
			have = b.Available
		}
		return PaymentTransaction{}, fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, req.Identity, have, req.Amount)
	}

	now := l.now()
	memo := req.Memo
	if memo == "" {
		tier := req.Tier
		if tier == "" {
			tier = "payout"
		}
		memo = fmt.Sprintf("0G-%s-%d", strings.ToUpper(tier), now.Unix())
	}
	tx := &PaymentTransaction{
		ID:          "tx_" + uuid.NewString(),
		Identity:    req.Identity,
		Tier:        req.Tier,
		Destination: req.Destination,
		Amount:      req.Amount,
		Memo:        memo,
		Status:      PaymentPending,
		CreatedAt:   now,
	}
	l.state.Payments[tx.ID] = tx
	l.touchLocked(now)
	l.log.Info("payment requested",
		zap.String("tx", tx.ID),
		zap.String("identity", tx.Identity),
		zap.Uint64("amount", tx.Amount),
	)
	return copyPayment(tx), nil
}

// BeginPayment moves a pending payment to processing and holds its amount.
// When the available balance no longer covers it the payment fails and no
// transfer must be attempted.
func (l *Ledger) BeginPayment(id string) (PaymentTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return PaymentTransaction{}, err
	}
	tx, ok := l.state.Payments[id]
	if !ok {
		return PaymentTransaction{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	if tx.Status != PaymentPending {
		return copyPayment(tx), fmt.Errorf("%w: %s is %s, want %s", ErrPaymentState, id, tx.Status, PaymentPending)
	}
	now := l.now()
	if err := l.holdLocked(tx, now); err != nil {
		tx.Status = PaymentFailed
		tx.Error = "insufficient balance at execution"
		tx.CompletedAt = &now
		l.log.Warn("payment failed before transfer", zap.String("tx", id), zap.String("reason", tx.Error))
		return copyPayment(tx), err
	}
	tx.Status = PaymentProcessing
	l.touchLocked(now)
	return copyPayment(tx), nil
}

// CompletePayment records the outcome of the external transfer. It runs
// even while the ledger is halted, since the transfer has already happened.
func (l *Ledger) CompletePayment(id, reference string, transferErr error) (PaymentTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.state.Payments[id]
	if !ok {
		return PaymentTransaction{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	if tx.Status != PaymentProcessing {
		return copyPayment(tx), fmt.Errorf("%w: %s is %s, want %s", ErrPaymentState, id, tx.Status, PaymentProcessing)
	}
	now := l.now()
	tx.CompletedAt = &now
	tx.Reference = reference

	if transferErr != nil {
		if err := l.releaseHoldLocked(tx, now); err != nil {
			return l.needsReconciliationLocked(tx, "transfer failed but hold could not be returned: "+err.Error())
		}
		tx.Status = PaymentFailed
		tx.Error = "transfer failed: " + transferErr.Error()
		l.touchLocked(now)
		l.log.Warn("payment transfer failed", zap.String("tx", id), zap.Error(transferErr))
		return copyPayment(tx), fmt.Errorf("%w: %v", ErrTransferFailed, transferErr)
	}

	if err := l.consumeHoldLocked(tx, now); err != nil {
		return l.needsReconciliationLocked(tx, "transfer succeeded but hold does not cover it: "+err.Error())
	}
	tx.Status = PaymentCompleted
	l.touchLocked(now)
	l.log.Info("payment completed",
		zap.String("tx", id),
		zap.String("identity", tx.Identity),
		zap.Uint64("amount", tx.Amount),
		zap.String("reference", reference),
	)
	return copyPayment(tx), nil
}

// needsReconciliationLocked marks tx after a balance update that should
// have been impossible and halts the ledger.
func (l *Ledger) needsReconciliationLocked(tx *PaymentTransaction, reason string) (PaymentTransaction, error) {
	tx.Status = PaymentNeedsReconciliation
	tx.Error = reason
	l.haltLocked(fmt.Sprintf("payment %s needs reconciliation", tx.ID))
	return copyPayment(tx), fmt.Errorf("%w: %s", ErrReconciliationRequired, tx.ID)
}

// FlagForReconciliation moves a processing payment whose transfer outcome
// is unknown to needs_reconciliation. Its hold stays in place until
// ResolvePayment records what happened. The ledger is not halted.
func (l *Ledger) FlagForReconciliation(id, reason string) (PaymentTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.state.Payments[id]
	if !ok {
		return PaymentTransaction{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	if tx.Status != PaymentProcessing {
		return copyPayment(tx), fmt.Errorf("%w: %s is %s, want %s", ErrPaymentState, id, tx.Status, PaymentProcessing)
	}
	tx.Status = PaymentNeedsReconciliation
	tx.Error = reason
	l.log.Warn("payment flagged for reconciliation", zap.String("tx", id), zap.String("reason", reason))
	return copyPayment(tx), nil
}

// ResolvePayment records the outcome of a payment flagged for
// reconciliation: transferred debits its hold, otherwise the hold returns to
// the available balance. It runs while the ledger is halted.
func (l *Ledger) ResolvePayment(id string, transferred bool, reference, by string) (PaymentTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.state.Payments[id]
	if !ok {
		return PaymentTransaction{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	if tx.Status != PaymentNeedsReconciliation {
		return copyPayment(tx), fmt.Errorf("%w: %s is %s, want %s", ErrPaymentState, id, tx.Status, PaymentNeedsReconciliation)
	}
	now := l.now()
	if transferred {
		if err := l.consumeHoldLocked(tx, now); err != nil {
			return copyPayment(tx), err
		}
		tx.Status = PaymentCompleted
		if reference != "" {
			tx.Reference = reference
		}
	} else {
		if err := l.releaseHoldLocked(tx, now); err != nil {
			return copyPayment(tx), err
		}
		tx.Status = PaymentFailed
	}
	tx.CompletedAt = &now
	note := "resolved by " + NormalizeIdentity(by)
	if tx.Error != "" {
		note = tx.Error + "; " + note
	}
	tx.Error = note
	l.touchLocked(now)
	l.log.Info("payment resolved",
		zap.String("tx", id),
		zap.String("status", string(tx.Status)),
		zap.String("by", NormalizeIdentity(by)),
	)
	return copyPayment(tx), nil
}

// NoteQuotaReport appends a quota-reporting failure to a completed payment.
// The payment itself stands.
func (l *Ledger) NoteQuotaReport(id string, reportErr error) {
	if reportErr == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.state.Payments[id]
	if !ok {
		return
	}
	msg := "quota update failed: " + reportErr.Error()
	if tx.Error != "" {
		msg = tx.Error + "; " + msg
	}
	tx.Error = msg
}

// GetPayment returns a copy of the payment transaction.
func (l *Ledger) GetPayment(id string) (PaymentTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.state.Payments[id]
	if !ok {
		return PaymentTransaction{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return copyPayment(tx), nil
}

// VerifyPayment reports whether the payment completed.
func (l *Ledger) VerifyPayment(id string) (bool, error) {
	tx, err := l.GetPayment(id)
	if err != nil {
		return false, err
	}
	return tx.Status == PaymentCompleted, nil
}

// ListPayments returns identity's payments newest first; an empty identity
// lists all of them. limit defaults to 10 and is capped at 50 for a single
// identity, 50 and 200 for the full list.
func (l *Ledger) ListPayments(identity string, limit int) []PaymentTransaction {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		limit = clampLimit(limit, 50, 200)
	} else {
		limit = clampLimit(limit, 10, 50)
	}
	l.mu.Lock()
	out := make([]PaymentTransaction, 0)
	for _, tx := range l.state.Payments {
		if identity == "" || tx.Identity == identity {
			out = append(out, copyPayment(tx))
		}
	}
	l.mu.Unlock()
	sortPayments(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PaymentsByStatus returns all payments in status, oldest first.
func (l *Ledger) PaymentsByStatus(status PaymentStatus) []PaymentTransaction {
	l.mu.Lock()
	out := make([]PaymentTransaction, 0)
	for _, tx := range l.state.Payments {
		if tx.Status == status {
			out = append(out, copyPayment(tx))
		}
	}
	l.mu.Unlock()
	sortPayments(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// InFlightPayments returns payments whose transfer may be under way.
func (l *Ledger) InFlightPayments() []PaymentTransaction {
	return l.PaymentsByStatus(PaymentProcessing)
}

// PaymentStats counts payments by status.
func (l *Ledger) PaymentStats() PaymentStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	var s PaymentStats
	for _, tx := range l.state.Payments {
		s.Total++
		switch tx.Status {
		case PaymentPending:
			s.Pending++
		case PaymentProcessing:
			s.Processing++
		case PaymentCompleted:
			s.Completed++
			s.CompletedVolume += tx.Amount
		case PaymentFailed:
			s.Failed++
		case PaymentNeedsReconciliation:
			s.NeedsReconciliation++
		}
	}
	return s
}

func sortPayments(txs []PaymentTransaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
}
