package ledger

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// CreateEscrow moves amount from owner's available balance into a new
// active escrow for jobID. The escrow captures the fee policy in force now.
func (l *Ledger) CreateEscrow(jobID, owner string, amount uint64) (EscrowAccount, error) {
	owner = NormalizeIdentity(owner)
	switch {
	case jobID == "":
		return EscrowAccount{}, invalid("job_id", "must not be empty")
	case owner == "":
		return EscrowAccount{}, invalid("owner", "must not be empty")
	case amount == 0:
		return EscrowAccount{}, invalid("amount", "must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return EscrowAccount{}, err
	}
	now := l.now()
	if err := l.moveToEscrowLocked(owner, amount, now); err != nil {
		return EscrowAccount{}, err
	}
	policy := l.state.FeePolicy.Clone()
	esc := &EscrowAccount{
		EscrowID:  hashID("escrow_", 8, []byte(jobID), []byte{0}, []byte(owner), be64(uint64(now.UnixNano())), be64(l.nextSeqLocked())),
		JobID:     jobID,
		Owner:     owner,
		Amount:    amount,
		Status:    EscrowActive,
		CreatedAt: now,
		ExpiresAt: now.Add(l.escrowTTL),
		Policy:    &policy,
	}
	l.state.Escrows[esc.EscrowID] = esc
	l.touchLocked(now)
	l.log.Info("escrow created",
		zap.String("escrow", esc.EscrowID),
		zap.String("job", jobID),
		zap.String("owner", owner),
		zap.Uint64("amount", amount),
	)
	return copyEscrow(esc), nil
}

// Release pays amount from an active escrow to recipient and returns the
// rest to the owner. The escrow is closed either way.
func (l *Ledger) Release(escrowID, recipient string, amount uint64) (EscrowAccount, error) {
	recipient = NormalizeIdentity(recipient)
	if recipient == "" {
		return EscrowAccount{}, invalid("recipient", "must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return EscrowAccount{}, err
	}
	esc, ok := l.state.Escrows[escrowID]
	if !ok {
		return EscrowAccount{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
	}
	now := l.now()
	if err := l.releaseEscrowedLocked(esc, []payout{{recipient, amount}}, now); err != nil {
		return EscrowAccount{}, err
	}
	l.touchLocked(now)
	l.log.Info("escrow released",
		zap.String("escrow", escrowID),
		zap.String("recipient", recipient),
		zap.Uint64("amount", amount),
		zap.Uint64("refunded", esc.Refunded),
	)
	return copyEscrow(esc), nil
}

// RefundEscrow returns the full amount of an active escrow to its owner.
func (l *Ledger) RefundEscrow(escrowID string) (EscrowAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return EscrowAccount{}, err
	}
	esc, ok := l.state.Escrows[escrowID]
	if !ok {
		return EscrowAccount{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
	}
	now := l.now()
	if err := l.refundEscrowedLocked(esc, EscrowRefunded, now); err != nil {
		return EscrowAccount{}, err
	}
	l.touchLocked(now)
	l.log.Info("escrow refunded", zap.String("escrow", escrowID), zap.Uint64("amount", esc.Amount))
	return copyEscrow(esc), nil
}

// SweepExpired refunds every active escrow whose expiry is before now and
// marks it expired. Escrows whose refund fails are logged and skipped.
// Running it twice with the same now refunds nothing the second time.
func (l *Ledger) SweepExpired(now time.Time) ([]string, error) {
	now = now.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return nil, err
	}

	var due []string
	for id, esc := range l.state.Escrows {
		if esc.Status == EscrowActive && esc.ExpiresAt.Before(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)

	swept := make([]string, 0, len(due))
	for _, id := range due {
		if err := l.refundEscrowedLocked(l.state.Escrows[id], EscrowExpired, now); err != nil {
			l.log.Warn("sweep: refund failed", zap.String("escrow", id), zap.Error(err))
			continue
		}
		swept = append(swept, id)
	}
	if len(swept) > 0 {
		l.state.Metrics.TotalSweeps += uint64(len(swept))
		l.touchLocked(now)
		l.log.Info("expired escrows swept", zap.Int("count", len(swept)))
	}
	return swept, nil
}

// GetEscrow returns a copy of the escrow.
func (l *Ledger) GetEscrow(escrowID string) (EscrowAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	esc, ok := l.state.Escrows[escrowID]
	if !ok {
		return EscrowAccount{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
	}
	return copyEscrow(esc), nil
}

// ListEscrows returns owner's escrows, newest first.
func (l *Ledger) ListEscrows(owner string, limit int) []EscrowAccount {
	owner = NormalizeIdentity(owner)
	limit = clampLimit(limit, 20, 100)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EscrowAccount, 0)
	for _, esc := range l.state.Escrows {
		if esc.Owner == owner {
			out = append(out, copyEscrow(esc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].EscrowID < out[j].EscrowID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
