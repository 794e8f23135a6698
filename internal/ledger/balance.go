package ledger

import (
	"fmt"
	"math/bits"
	"time"

	"go.uber.org/zap"
)

// GetBalance returns the account for identity, or a zero balance if it has
// never been touched. A zero balance is not persisted.
func (l *Ledger) GetBalance(identity string) Balance {
	identity = NormalizeIdentity(identity)
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.state.Balances[identity]; ok {
		return *b
	}
	return Balance{Identity: identity}
}

// Deposit credits amount to identity's available balance.
func (l *Ledger) Deposit(identity string, amount uint64) (Balance, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return Balance{}, invalid("identity", "must not be empty")
	}
	if amount == 0 {
		return Balance{}, invalid("amount", "must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return Balance{}, err
	}
	now := l.now()
	if err := l.creditLocked(identity, amount, false, now); err != nil {
		return Balance{}, err
	}
	l.touchLocked(now)
	l.log.Info("deposit", zap.String("identity", identity), zap.Uint64("amount", amount))
	return *l.state.Balances[identity], nil
}

// Withdraw debits amount from identity's available balance. On failure the
// balance is unchanged.
func (l *Ledger) Withdraw(identity string, amount uint64) (Balance, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return Balance{}, invalid("identity", "must not be empty")
	}
	if amount == 0 {
		return Balance{}, invalid("amount", "must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkHaltedLocked(); err != nil {
		return Balance{}, err
	}
	now := l.now()
	b, err := l.debitAvailableLocked(identity, amount, now)
	if err != nil {
		return Balance{}, err
	}
	l.touchLocked(now)
	l.log.Info("withdraw", zap.String("identity", identity), zap.Uint64("amount", amount))
	return *b, nil
}

// ── Primitives ────────────────────────────────────────────────────────────────
// Each primitive validates before it writes, so a failed call leaves the
// state untouched.

func (l *Ledger) balanceLocked(identity string, now time.Time) *Balance {
	b, ok := l.state.Balances[identity]
	if !ok {
		b = &Balance{Identity: identity, LastUpdated: now}
		l.state.Balances[identity] = b
	}
	return b
}

func (l *Ledger) creditLocked(identity string, amount uint64, earning bool, now time.Time) error {
	var avail, earned uint64
	if b, ok := l.state.Balances[identity]; ok {
		avail, earned = b.Available, b.TotalEarnings
	}
	if _, carry := bits.Add64(avail, amount, 0); carry != 0 {
		return fmt.Errorf("%w: crediting %d to %s", ErrAmountOverflow, amount, identity)
	}
	if earning {
		if _, carry := bits.Add64(earned, amount, 0); carry != 0 {
			return fmt.Errorf("%w: earnings of %s", ErrAmountOverflow, identity)
		}
	}
	b := l.balanceLocked(identity, now)
	b.Available += amount
	if earning {
		b.TotalEarnings += amount
	}
	b.LastUpdated = now
	return nil
}

func (l *Ledger) debitAvailableLocked(identity string, amount uint64, now time.Time) (*Balance, error) {
	b, ok := l.state.Balances[identity]
	if !ok || b.Available < amount {
		var have uint64
		if ok {
			have = b.Available
		}
		return nil, fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, identity, have, amount)
	}
	b.Available -= amount
	b.LastUpdated = now
	return b, nil
}

func (l *Ledger) moveToEscrowLocked(identity string, amount uint64, now time.Time) error {
	b, ok := l.state.Balances[identity]
	if !ok || b.Available < amount {
		var have uint64
		if ok {
			have = b.Available
		}
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, identity, have, amount)
	}
	if _, carry := bits.Add64(b.Escrowed, amount, 0); carry != 0 {
		return fmt.Errorf("%w: escrowed balance of %s", ErrAmountOverflow, identity)
	}
	b.Available -= amount
	b.Escrowed += amount
	b.LastUpdated = now
	return nil
}

// holdLocked reserves tx.Amount from the identity's available balance.
func (l *Ledger) holdLocked(tx *PaymentTransaction, now time.Time) error {
	b, ok := l.state.Balances[tx.Identity]
	if !ok || b.Available < tx.Amount {
		var have uint64
		if ok {
			have = b.Available
		}
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, tx.Identity, have, tx.Amount)
	}
	if _, carry := bits.Add64(b.Held, tx.Amount, 0); carry != 0 {
		return fmt.Errorf("%w: held balance of %s", ErrAmountOverflow, tx.Identity)
	}
	b.Available -= tx.Amount
	b.Held += tx.Amount
	b.LastUpdated = now
	tx.Held = tx.Amount
	return nil
}

// releaseHoldLocked returns a payment's hold to the available balance.
func (l *Ledger) releaseHoldLocked(tx *PaymentTransaction, now time.Time) error {
	if tx.Held == 0 {
		return nil
	}
	b, ok := l.state.Balances[tx.Identity]
	if !ok || b.Held < tx.Held {
		return fmt.Errorf("%w: %s holds less than %d for %s", ErrLedgerCorrupted, tx.Identity, tx.Held, tx.ID)
	}
	if _, carry := bits.Add64(b.Available, tx.Held, 0); carry != 0 {
		return fmt.Errorf("%w: releasing hold of %s", ErrAmountOverflow, tx.ID)
	}
	b.Held -= tx.Held
	b.Available += tx.Held
	b.LastUpdated = now
	tx.Held = 0
	return nil
}

// consumeHoldLocked debits a transferred payment: the hold first, then any
// part of Amount that was never held from the available balance.
func (l *Ledger) consumeHoldLocked(tx *PaymentTransaction, now time.Time) error {
	b, ok := l.state.Balances[tx.Identity]
	if !ok || b.Held < tx.Held {
		return fmt.Errorf("%w: %s holds less than %d for %s", ErrLedgerCorrupted, tx.Identity, tx.Held, tx.ID)
	}
	var shortfall uint64
	if tx.Amount > tx.Held {
		shortfall = tx.Amount - tx.Held
	}
	if b.Available < shortfall {
		return fmt.Errorf("%w: %s has %d, needs %d more for %s", ErrInsufficientBalance, tx.Identity, b.Available, shortfall, tx.ID)
	}
	b.Held -= tx.Held
	b.Available -= shortfall
	b.LastUpdated = now
	tx.Held = 0
	return nil
}

// payout is one credit made out of a released escrow.
type payout struct {
	identity string
	amount   uint64
}

// releaseEscrowedLocked closes an active escrow: it pays out to recipients,
// returns the unreleased remainder to the owner and removes the full escrow
// amount from the owner's escrowed balance.
func (l *Ledger) releaseEscrowedLocked(esc *EscrowAccount, payouts []payout, now time.Time) error {
	if esc.Status != EscrowActive {
		return fmt.Errorf("%w: %s is %s", ErrEscrowNotActive, esc.EscrowID, esc.Status)
	}
	var paid uint64
	credits := make(map[string]uint64, len(payouts))
	order := make([]string, 0, len(payouts))
	for _, p := range payouts {
		if p.amount == 0 {
			continue
		}
		var carry uint64
		if paid, carry = bits.Add64(paid, p.amount, 0); carry != 0 {
			return fmt.Errorf("%w: payouts of %s", ErrAmountOverflow, esc.EscrowID)
		}
		if _, seen := credits[p.identity]; !seen {
			order = append(order, p.identity)
		}
		credits[p.identity] += p.amount
	}
	if paid > esc.Amount {
		return fmt.Errorf("%w: %s holds %d, release needs %d", ErrInsufficientEscrow, esc.EscrowID, esc.Amount, paid)
	}
	owner, ok := l.state.Balances[esc.Owner]
	if !ok || owner.Escrowed < esc.Amount {
		return fmt.Errorf("%w: owner of %s has less escrowed than %d", ErrLedgerCorrupted, esc.EscrowID, esc.Amount)
	}
	remainder := esc.Amount - paid

	for _, id := range order {
		var avail, earned uint64
		if b, ok := l.state.Balances[id]; ok {
			avail, earned = b.Available, b.TotalEarnings
		}
		if id == esc.Owner {
			var carry uint64
			if avail, carry = bits.Add64(avail, remainder, 0); carry != 0 {
				return fmt.Errorf("%w: refunding %s", ErrAmountOverflow, esc.Owner)
			}
		}
		if _, carry := bits.Add64(avail, credits[id], 0); carry != 0 {
			return fmt.Errorf("%w: crediting %s", ErrAmountOverflow, id)
		}
		if _, carry := bits.Add64(earned, credits[id], 0); carry != 0 {
			return fmt.Errorf("%w: earnings of %s", ErrAmountOverflow, id)
		}
	}
	if _, carry := bits.Add64(owner.Available, remainder, 0); carry != 0 {
		return fmt.Errorf("%w: refunding %s", ErrAmountOverflow, esc.Owner)
	}

	owner.Escrowed -= esc.Amount
	owner.Available += remainder
	owner.LastUpdated = now
	for _, id := range order {
		b := l.balanceLocked(id, now)
		b.Available += credits[id]
		b.TotalEarnings += credits[id]
		b.LastUpdated = now
	}
	esc.Status = EscrowReleased
	esc.Released = paid
	esc.Refunded = remainder
	closed := now
	esc.ClosedAt = &closed
	return nil
}

// refundEscrowedLocked returns the whole escrow to its owner and moves it to
// final, which is EscrowRefunded or EscrowExpired.
func (l *Ledger) refundEscrowedLocked(esc *EscrowAccount, final EscrowStatus, now time.Time) error {
	if esc.Status != EscrowActive {
		return fmt.Errorf("%w: %s is %s", ErrEscrowNotActive, esc.EscrowID, esc.Status)
	}
	owner, ok := l.state.Balances[esc.Owner]
	if !ok || owner.Escrowed < esc.Amount {
		return fmt.Errorf("%w: owner of %s has less escrowed than %d", ErrLedgerCorrupted, esc.EscrowID, esc.Amount)
	}
	if _, carry := bits.Add64(owner.Available, esc.Amount, 0); carry != 0 {
		return fmt.Errorf("%w: refunding %s", ErrAmountOverflow, esc.Owner)
	}
	owner.Escrowed -= esc.Amount
	owner.Available += esc.Amount
	owner.LastUpdated = now
	esc.Status = final
	esc.Refunded = esc.Amount
	closed := now
	esc.ClosedAt = &closed
	return nil
}
