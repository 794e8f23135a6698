package ledger

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
)

// SchemaVersion is the layout written by Snapshot.
//
//	1  balances, escrows, receipts, settlements, policy without rates
//	2  adds admins, payment transactions, token/cycle rates on the policy
//	3  adds the per-escrow policy snapshot, released/refunded amounts,
//	   settlement ids and idempotency keys
//	4  adds held balances for in-flight payments
const SchemaVersion uint32 = 4

var migrations = map[uint32]func(*State){
	1: migrateV1toV2,
	2: migrateV2toV3,
	3: migrateV3toV4,
}

// Snapshot returns a deep copy of the full state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := cloneState(&l.state)
	s.SchemaVersion = SchemaVersion
	return s
}

// Restore replaces the ledger state with s, upgrading older layouts first.
// The current state is untouched when s is rejected.
func (l *Ledger) Restore(s State) error {
	next := cloneState(&s)
	from := next.SchemaVersion
	if err := migrate(&next); err != nil {
		return err
	}
	if err := checkState(&next); err != nil {
		return err
	}
	l.mu.Lock()
	l.state = next
	l.mu.Unlock()
	l.log.Info("ledger restored",
		zap.Uint32("from_schema", from),
		zap.Int("balances", len(next.Balances)),
		zap.Int("escrows", len(next.Escrows)),
		zap.Int("receipts", len(next.Receipts)),
		zap.Bool("halted", next.Halted),
	)
	return nil
}

func migrate(s *State) error {
	if s.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: %d (newest supported %d)", ErrUnsupportedSchema, s.SchemaVersion, SchemaVersion)
	}
	if s.SchemaVersion == 0 {
		s.SchemaVersion = 1
	}
	for s.SchemaVersion < SchemaVersion {
		migrations[s.SchemaVersion](s)
		s.SchemaVersion++
	}
	return nil
}

func migrateV1toV2(s *State) {
	if s.Admins == nil {
		s.Admins = []string{}
	}
	if s.FeePolicy.TokenRate == 0 {
		s.FeePolicy.TokenRate = fees.DefaultTokenRate
	}
	if s.FeePolicy.CycleRate == 0 {
		s.FeePolicy.CycleRate = fees.DefaultCycleRate
	}
	if s.FeePolicy.Version == 0 {
		s.FeePolicy.Version = 1
	}
	if s.FeePolicy.PriorityMultipliers == nil {
		s.FeePolicy.PriorityMultipliers = fees.DefaultPolicy().PriorityMultipliers
	}
}

func migrateV2toV3(s *State) {
	byEscrow := make(map[string]*Receipt, len(s.Receipts))
	for _, r := range s.Receipts {
		byEscrow[r.EscrowID] = r
	}
	for _, esc := range s.Escrows {
		if esc.Policy == nil {
			p := s.FeePolicy.Clone()
			esc.Policy = &p
		}
		if esc.Released != 0 || esc.Refunded != 0 {
			continue
		}
		switch esc.Status {
		case EscrowReleased:
			if r, ok := byEscrow[esc.EscrowID]; ok && r.ActualCost <= esc.Amount {
				esc.Released = r.ActualCost
				esc.Refunded = esc.Amount - r.ActualCost
				if esc.ClosedAt == nil && r.SettledAt != nil {
					t := *r.SettledAt
					esc.ClosedAt = &t
				}
			} else {
				esc.Released = esc.Amount
			}
		case EscrowRefunded, EscrowExpired:
			esc.Refunded = esc.Amount
		}
	}
	for id, e := range s.Settlements {
		if e.ReceiptID == "" {
			e.ReceiptID = id
		}
		if e.SettlementID == "" {
			e.SettlementID = settlementID(e.ReceiptID, e.ProcessedAt.UnixNano())
		}
		if r, ok := s.Receipts[e.ReceiptID]; ok && e.IdempotencyKey == "" {
			e.IdempotencyKey = IdempotencyKey(r.ReceiptID, r.JobID, r.EscrowID, r.ActualCost)
		}
	}
}

// migrateV3toV4 holds what it can of every in-flight or unresolved payment,
// oldest first. Any part left unheld is debited from the available balance
// when the payment completes.
func migrateV3toV4(s *State) {
	open := make([]*PaymentTransaction, 0)
	for _, tx := range s.Payments {
		if unresolved(tx.Status) && tx.Held == 0 {
			open = append(open, tx)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].CreatedAt.Before(open[j].CreatedAt)
		}
		return open[i].ID < open[j].ID
	})
	for _, tx := range open {
		b, ok := s.Balances[tx.Identity]
		if !ok {
			continue
		}
		hold := min(tx.Amount, b.Available)
		b.Available -= hold
		b.Held += hold
		tx.Held = hold
	}
}

// unresolved reports whether a payment in status may still hold funds.
func unresolved(status PaymentStatus) bool {
	return status == PaymentProcessing || status == PaymentNeedsReconciliation
}

// checkState verifies the invariants a restored state must hold: map keys
// match record ids, every owner's escrowed balance equals the sum of their
// active escrows and every held balance equals the holds of their
// unresolved payments.
func checkState(s *State) error {
	for id, b := range s.Balances {
		if b.Identity == "" {
			b.Identity = id
		}
		if b.Identity != id {
			return fmt.Errorf("%w: balance keyed %s belongs to %s", ErrLedgerCorrupted, id, b.Identity)
		}
	}
	locked := make(map[string]uint64)
	for id, esc := range s.Escrows {
		if esc.EscrowID != id {
			return fmt.Errorf("%w: escrow keyed %s has id %s", ErrLedgerCorrupted, id, esc.EscrowID)
		}
		if esc.Status == EscrowActive {
			locked[esc.Owner] += esc.Amount
		}
	}
	owners := make([]string, 0, len(s.Balances))
	for id := range s.Balances {
		owners = append(owners, id)
	}
	for id := range locked {
		if _, ok := s.Balances[id]; !ok {
			owners = append(owners, id)
		}
	}
	sort.Strings(owners)
	for _, id := range owners {
		var escrowed uint64
		if b, ok := s.Balances[id]; ok {
			escrowed = b.Escrowed
		}
		if escrowed != locked[id] {
			return fmt.Errorf("%w: %s has %d escrowed but %d in active escrows", ErrLedgerCorrupted, id, escrowed, locked[id])
		}
	}
	holds := make(map[string]uint64)
	for id, tx := range s.Payments {
		if tx.Held == 0 {
			continue
		}
		if !unresolved(tx.Status) || tx.Held > tx.Amount {
			return fmt.Errorf("%w: payment %s is %s with %d held", ErrLedgerCorrupted, id, tx.Status, tx.Held)
		}
		holds[tx.Identity] += tx.Held
	}
	for _, id := range owners {
		var held uint64
		if b, ok := s.Balances[id]; ok {
			held = b.Held
		}
		if held != holds[id] {
			return fmt.Errorf("%w: %s has %d held but %d in payment holds", ErrLedgerCorrupted, id, held, holds[id])
		}
	}
	for id := range holds {
		if _, ok := s.Balances[id]; !ok {
			return fmt.Errorf("%w: payment hold for unknown balance %s", ErrLedgerCorrupted, id)
		}
	}
	for id, e := range s.Settlements {
		if _, ok := s.Receipts[id]; !ok {
			return fmt.Errorf("%w: settlement for unknown receipt %s", ErrLedgerCorrupted, id)
		}
		if e.ReceiptID != id {
			return fmt.Errorf("%w: settlement keyed %s has receipt %s", ErrLedgerCorrupted, id, e.ReceiptID)
		}
	}
	return nil
}

// Health summarises the ledger.
func (l *Ledger) Health() Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := Health{
		TotalEscrows:   len(l.state.Escrows),
		TotalReceipts:  len(l.state.Receipts),
		TotalVolume:    l.state.Metrics.TotalVolume,
		FeesCollected:  l.state.Metrics.FeesCollected,
		TotalEstimates: l.state.Metrics.TotalEstimates,
		Halted:         l.state.Halted,
		HaltReason:     l.state.HaltReason,
	}
	for _, esc := range l.state.Escrows {
		if esc.Status == EscrowActive {
			h.ActiveEscrows++
		}
	}
	for _, r := range l.state.Receipts {
		if r.SettlementStatus == SettlementPending || r.SettlementStatus == SettlementProcessing {
			h.PendingSettlements++
		}
	}
	for _, tx := range l.state.Payments {
		if tx.Status == PaymentProcessing {
			h.InFlightPayments++
		}
	}
	if n := l.state.Metrics.TotalSettlements; n > 0 {
		h.AverageJobCost = float64(l.state.Metrics.TotalVolume) / float64(n)
	}
	return h
}

// Metrics returns the accumulated counters.
func (l *Ledger) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Metrics
}
