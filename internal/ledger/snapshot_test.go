package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadFixture(t *testing.T, name string) State {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return s
}

// ── Round trip ────────────────────────────────────────────────────────────────

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 5000)
	esc, _ := l.CreateEscrow("j1", "A", 1000)
	l.CreateEscrow("j2", "A", 700)                  //nolint:errcheck
	l.Settle(receiptFor(esc, "r1", "W", 800, 800)) //nolint:errcheck
	tx := requestPayment(t, l, "W", 100)

	snap := l.Snapshot()
	if snap.SchemaVersion != SchemaVersion {
		t.Fatalf("SchemaVersion: got %d want %d", snap.SchemaVersion, SchemaVersion)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded State
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored, _ := newTestLedger(t)
	if err := restored.Restore(decoded); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for _, id := range []string{"A", "W", l.Treasury()} {
		if got, want := restored.GetBalance(id), l.GetBalance(id); got.Available != want.Available || got.Escrowed != want.Escrowed {
			t.Errorf("balance %s: got %+v want %+v", id, got, want)
		}
	}
	if h := restored.Health(); h.ActiveEscrows != 1 || h.TotalReceipts != 1 {
		t.Errorf("Health: %+v", h)
	}
	if _, err := restored.Settle(receiptFor(esc, "r1", "W", 800, 800)); !errors.Is(err, ErrDuplicateSettlement) {
		t.Errorf("restored ledger forgot settlement: %v", err)
	}
	if got, err := restored.GetPayment(tx.ID); err != nil || got.Status != PaymentPending {
		t.Errorf("payment after restore: %+v %v", got, err)
	}
	if !restored.Policy().Equal(l.Policy()) {
		t.Error("policy changed across restore")
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 100)
	s := l.Snapshot()
	s.Balances["A"].Available = 0
	if got := l.GetBalance("A").Available; got != 100 {
		t.Errorf("snapshot aliases state: %d", got)
	}
}

// ── Prior schema fixtures ─────────────────────────────────────────────────────

func TestRestore_SchemaV1Fixture(t *testing.T) {
	l, _ := newTestLedger(t)
	if err := l.Restore(loadFixture(t, "state_v1.json")); err != nil {
		t.Fatalf("Restore v1: %v", err)
	}
	snap := l.Snapshot()
	if snap.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion: got %d", snap.SchemaVersion)
	}
	if a := l.GetBalance("alice"); a.Available != 400000 || a.Escrowed != 250000 {
		t.Errorf("alice: %+v", a)
	}
	p := l.Policy()
	if p.TokenRate != 100 || p.CycleRate != 10 || p.Version != 1 {
		t.Errorf("policy rates not backfilled: %+v", p)
	}

	done, _ := l.GetEscrow("escrow_legacyB")
	if done.Released != 200000 || done.Refunded != 50000 || done.ClosedAt == nil {
		t.Errorf("released escrow backfill: %+v", done)
	}
	entry, err := l.GetSettlement("rcpt-b")
	if err != nil || entry.SettlementID == "" || entry.IdempotencyKey == "" {
		t.Errorf("settlement backfill: %+v %v", entry, err)
	}
	if bad := l.AuditAll(); len(bad) != 0 {
		t.Errorf("AuditAll: %v", bad)
	}
	if admins := l.ListAdmins(); len(admins) != 0 {
		t.Errorf("admins: %v", admins)
	}

	// The legacy open escrow settles under the backfilled policy.
	open, _ := l.GetEscrow("escrow_legacyA")
	if open.Policy == nil {
		t.Fatal("open escrow has no policy snapshot")
	}
	if _, err := l.Settle(receiptFor(open, "rcpt-a", "bob", 100000, 100000)); err != nil {
		t.Fatalf("Settle legacy escrow: %v", err)
	}
	if got := l.GetBalance("bob").Available; got != 194000+97000 {
		t.Errorf("bob: got %d want %d", got, 194000+97000)
	}
}

func TestRestore_SchemaV2Fixture(t *testing.T) {
	l, _ := newTestLedger(t)
	if err := l.Restore(loadFixture(t, "state_v2.json")); err != nil {
		t.Fatalf("Restore v2: %v", err)
	}
	if !l.IsAdmin("ops") {
		t.Error("admin set lost")
	}
	if l.Policy().Version != 4 {
		t.Errorf("policy version: got %d want 4", l.Policy().Version)
	}
	tx, err := l.GetPayment("tx_7d0f5c1e-2c1b-4f7e-9a59-6a4b1c8e9d01")
	if err != nil || tx.Status != PaymentCompleted {
		t.Errorf("payment: %+v %v", tx, err)
	}
	refunded, _ := l.GetEscrow("escrow_v2refund")
	if refunded.Refunded != 5000 {
		t.Errorf("refunded escrow backfill: %+v", refunded)
	}
	done, _ := l.GetEscrow("escrow_v2done")
	if done.Released != 10000 || done.Refunded != 0 {
		t.Errorf("released escrow backfill: %+v", done)
	}
	if bad := l.AuditAll(); len(bad) != 0 {
		t.Errorf("AuditAll: %v", bad)
	}
	if h := l.Health(); h.ActiveEscrows != 1 || h.AverageJobCost != 10000 {
		t.Errorf("Health: %+v", h)
	}
}

// v3 snapshots recorded in-flight payments without holding their funds.
func TestRestore_SchemaV3HoldsInFlightPayments(t *testing.T) {
	l, clk := newTestLedger(t)
	mustDeposit(t, l, "W", 1000)
	a := requestPayment(t, l, "W", 600)
	clk.Advance(time.Minute)
	b := requestPayment(t, l, "W", 600)
	s := l.Snapshot()
	s.SchemaVersion = 3
	s.Payments[a.ID].Status = PaymentProcessing
	s.Payments[b.ID].Status = PaymentNeedsReconciliation

	restored, _ := newTestLedger(t)
	if err := restored.Restore(s); err != nil {
		t.Fatalf("Restore v3: %v", err)
	}
	if bal := restored.GetBalance("W"); bal.Available != 0 || bal.Held != 1000 {
		t.Errorf("W: got %d/%d want 0/1000", bal.Available, bal.Held)
	}
	older, _ := restored.GetPayment(a.ID)
	newer, _ := restored.GetPayment(b.ID)
	if older.Held != 600 || newer.Held != 400 {
		t.Errorf("holds: got %d/%d want 600/400", older.Held, newer.Held)
	}

	// The oldest payment is fully held and completes normally.
	if _, err := restored.CompletePayment(a.ID, "0xa", nil); err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
	if bal := restored.GetBalance("W"); bal.Held != 400 {
		t.Errorf("Held after completion: got %d want 400", bal.Held)
	}
}

// ── Rejections ────────────────────────────────────────────────────────────────

func TestRestore_RejectsNewerSchema(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 10)
	s := l.Snapshot()
	s.SchemaVersion = SchemaVersion + 1
	if err := l.Restore(s); !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("got %v want ErrUnsupportedSchema", err)
	}
	if got := l.GetBalance("A").Available; got != 10 {
		t.Errorf("state replaced on rejected restore: %d", got)
	}
}

func TestRestore_RejectsEscrowMismatch(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 100)
	l.CreateEscrow("j", "A", 40) //nolint:errcheck
	s := l.Snapshot()
	s.Balances["A"].Escrowed = 39
	if err := l.Restore(s); !errors.Is(err, ErrLedgerCorrupted) {
		t.Errorf("got %v want ErrLedgerCorrupted", err)
	}
}

func TestRestore_RejectsHeldMismatch(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 100)
	tx := requestPayment(t, l, "A", 40)
	l.BeginPayment(tx.ID) //nolint:errcheck

	s := l.Snapshot()
	s.Balances["A"].Held = 10
	if err := l.Restore(s); !errors.Is(err, ErrLedgerCorrupted) {
		t.Errorf("held mismatch: got %v want ErrLedgerCorrupted", err)
	}

	s = l.Snapshot()
	s.Payments[tx.ID].Status = PaymentCompleted
	if err := l.Restore(s); !errors.Is(err, ErrLedgerCorrupted) {
		t.Errorf("hold on completed payment: got %v want ErrLedgerCorrupted", err)
	}
}
