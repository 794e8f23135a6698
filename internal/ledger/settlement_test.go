package ledger

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
)

// ── Settle ────────────────────────────────────────────────────────────────────

func TestSettle_DepositEscrowSettleScenario(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 1000)
	esc, err := l.CreateEscrow("job1", "A", 600)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if b := l.GetBalance("A"); b.Available != 400 || b.Escrowed != 600 {
		t.Fatalf("after escrow: got %d/%d want 400/600", b.Available, b.Escrowed)
	}

	r := receiptFor(esc, "receipt-1", "B", 600, 600)
	entry, err := l.Settle(r)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	// 3% of 600 goes to the treasury.
	if got := l.GetBalance("B").Available; got != 582 {
		t.Errorf("worker Available: got %d want 582", got)
	}
	if got := l.GetBalance(l.Treasury()).Available; got != 18 {
		t.Errorf("treasury Available: got %d want 18", got)
	}
	if b := l.GetBalance("A"); b.Escrowed != 0 || b.Available != 400 {
		t.Errorf("payer: got %d/%d want 400/0", b.Available, b.Escrowed)
	}
	if entry.ReceiptID != "receipt-1" || entry.Amount != 600 || entry.Status != SettlementCompleted {
		t.Errorf("entry: %+v", entry)
	}
	if n := len(l.Snapshot().Settlements); n != 1 {
		t.Errorf("settlement entries: got %d want 1", n)
	}
	m := l.Metrics()
	if m.TotalVolume != 600 || m.FeesCollected != 18 || m.TotalSettlements != 1 {
		t.Errorf("metrics: %+v", m)
	}
	rec, err := l.GetReceipt("receipt-1")
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if rec.SettlementStatus != SettlementCompleted || rec.SettledAt == nil {
		t.Errorf("receipt: %+v", rec)
	}
}

func TestSettle_DuplicateIsRejectedWithoutMutation(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 1000)
	esc, _ := l.CreateEscrow("job", "A", 500)
	r := receiptFor(esc, "dup", "W", 400, 400)
	if _, err := l.Settle(r); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	before := l.Snapshot()

	_, err := l.Settle(r)
	if !errors.Is(err, ErrDuplicateSettlement) {
		t.Fatalf("second Settle: got %v want ErrDuplicateSettlement", err)
	}
	after := l.Snapshot()
	for id, b := range before.Balances {
		if *after.Balances[id] != *b {
			t.Errorf("balance %s changed: %+v → %+v", id, b, after.Balances[id])
		}
	}
	if after.Metrics != before.Metrics {
		t.Errorf("metrics changed: %+v → %+v", before.Metrics, after.Metrics)
	}
}

func TestSettle_ConcurrentSameReceipt(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 10_000)
	esc, _ := l.CreateEscrow("job", "A", 5_000)
	r := receiptFor(esc, "race", "W", 4_000, 4_000)

	const n = 32
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ok  int
		dup int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Settle(r)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateSettlement):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dup != n-1 {
		t.Errorf("got %d successes, %d duplicates; want 1, %d", ok, dup, n-1)
	}
	if got := l.GetBalance("W").Available; got != 4_000-120 {
		t.Errorf("worker Available: got %d want %d", got, 4_000-120)
	}
}

func TestSettle_Rejections(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 1000)
	esc, _ := l.CreateEscrow("job", "A", 500)

	tampered := receiptFor(esc, "r-fee", "W", 400, 400)
	tampered.Fees.ProtocolFee--
	tampered.Fees.WorkerFee++

	badSum := receiptFor(esc, "r-sum", "W", 400, 400)
	badSum.Fees.Total++

	otherJob := receiptFor(esc, "r-job", "W", 400, 400)
	otherJob.JobID = "someone-else"

	hugeFee := receiptFor(esc, "r-huge", "W", 10, 400)

	noFees := receiptFor(esc, "r-nofee", "W", 400, 400)
	noFees.Fees = fees.Breakdown{}

	lowBase := receiptFor(esc, "r-low", "W", 400, 100)

	cases := []struct {
		name string
		r    Receipt
		want error
	}{
		{"fee mismatch", tampered, ErrFeeMismatch},
		{"bad total", badSum, ErrFeeMismatch},
		{"over escrow", receiptFor(esc, "r-big", "W", 501, 501), ErrInsufficientEscrow},
		{"unknown escrow", Receipt{ReceiptID: "r-x", EscrowID: "escrow_x", Worker: "W", ActualCost: 1}, ErrEscrowNotFound},
		{"job mismatch", otherJob, ErrInvalidInput},
		{"protocol fee above cost", hugeFee, ErrFeeMismatch},
		{"zero fee breakdown", noFees, ErrFeeMismatch},
		{"fee base below cost", lowBase, ErrFeeMismatch},
		{"zero cost", receiptFor(esc, "r-zero", "W", 0, 0), ErrInvalidInput},
		{"no worker", receiptFor(esc, "r-nw", "", 10, 10), ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.Settle(tc.r); !errors.Is(err, tc.want) {
				t.Errorf("got %v want %v", err, tc.want)
			}
		})
	}
	if e, _ := l.GetEscrow(esc.EscrowID); e.Status != EscrowActive {
		t.Errorf("escrow status after rejections: %s", e.Status)
	}
	if b := l.GetBalance("A"); b.Available != 500 || b.Escrowed != 500 {
		t.Errorf("payer balance after rejections: %+v", b)
	}
}

// ── Integrity ─────────────────────────────────────────────────────────────────

func TestVerifySettlementIntegrity(t *testing.T) {
	l, _ := newTestLedger(t)
	mustDeposit(t, l, "A", 1000)
	esc, _ := l.CreateEscrow("job", "A", 500)
	l.Settle(receiptFor(esc, "r", "W", 300, 300)) //nolint:errcheck

	ok, err := l.VerifySettlementIntegrity("r")
	if err != nil || !ok {
		t.Fatalf("VerifySettlementIntegrity: ok=%v err=%v", ok, err)
	}
	if _, err := l.VerifySettlementIntegrity("missing"); !errors.Is(err, ErrReceiptNotFound) {
		t.Errorf("missing receipt: got %v", err)
	}

	l.mu.Lock()
	l.state.Settlements["r"].Amount = 1
	l.mu.Unlock()
	if ok, _ := l.VerifySettlementIntegrity("r"); ok {
		t.Error("tampered entry passed integrity check")
	}
	if bad := l.AuditAll(); len(bad) != 1 || bad[0] != "r" {
		t.Errorf("AuditAll: got %v want [r]", bad)
	}
}

// ── Listing ───────────────────────────────────────────────────────────────────

func TestListReceipts_WorkerAndPayerViews(t *testing.T) {
	l, clk := newTestLedger(t)
	mustDeposit(t, l, "A", 10_000)
	for i, id := range []string{"r1", "r2", "r3"} {
		esc, _ := l.CreateEscrow("job-"+id, "A", 1000)
		r := receiptFor(esc, id, "W", 100, 100)
		r.CreatedAt = clk.Now().Add(time.Duration(i) * time.Minute)
		if _, err := l.Settle(r); err != nil {
			t.Fatalf("Settle %s: %v", id, err)
		}
	}
	w := l.ListReceipts("W", 0)
	if len(w) != 3 || w[0].ReceiptID != "r3" || w[2].ReceiptID != "r1" {
		t.Errorf("worker view: %v", ids(w))
	}
	if a := l.ListReceipts("A", 2); len(a) != 2 || a[0].ReceiptID != "r3" {
		t.Errorf("payer view: %v", ids(a))
	}
	if none := l.ListReceipts("stranger", 0); len(none) != 0 {
		t.Errorf("stranger view: %v", ids(none))
	}
}

func ids(rs []Receipt) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ReceiptID
	}
	return out
}

// ── Conservation ──────────────────────────────────────────────────────────────

// Random operation sequences must keep the total of available plus escrowed
// funds equal to deposits minus withdrawals.
func TestConservation_RandomOperations(t *testing.T) {
	l, clk := newTestLedger(t)
	rng := rand.New(rand.NewSource(7))
	users := []string{"u1", "u2", "u3"}
	workers := []string{"w1", "w2"}
	var in, out uint64
	var open []EscrowAccount

	for step := 0; step < 2000; step++ {
		u := users[rng.Intn(len(users))]
		switch rng.Intn(6) {
		case 0:
			amt := uint64(rng.Intn(5000) + 1)
			mustDeposit(t, l, u, amt)
			in += amt
		case 1:
			amt := uint64(rng.Intn(3000) + 1)
			if _, err := l.Withdraw(u, amt); err == nil {
				out += amt
			}
		case 2:
			if esc, err := l.CreateEscrow("job", u, uint64(rng.Intn(2000)+1)); err == nil {
				open = append(open, esc)
			}
		case 3:
			if len(open) == 0 {
				continue
			}
			i := rng.Intn(len(open))
			esc := open[i]
			open = append(open[:i], open[i+1:]...)
			cost := uint64(rng.Intn(int(esc.Amount)) + 1)
			r := receiptFor(esc, "r-"+esc.EscrowID, workers[rng.Intn(len(workers))], cost, cost)
			// A sweep may already have expired the escrow.
			if _, err := l.Settle(r); err != nil && !errors.Is(err, ErrEscrowNotActive) {
				t.Fatalf("Settle: %v", err)
			}
		case 4:
			if len(open) == 0 {
				continue
			}
			i := rng.Intn(len(open))
			l.RefundEscrow(open[i].EscrowID) //nolint:errcheck
			open = append(open[:i], open[i+1:]...)
		case 5:
			clk.Advance(time.Duration(rng.Intn(4)) * time.Hour)
			l.SweepExpired(clk.Now()) //nolint:errcheck
		}
		if got, want := total(l), in-out; got != want {
			t.Fatalf("step %d: total %d want %d", step, got, want)
		}
	}
	if bad := l.AuditAll(); len(bad) != 0 {
		t.Errorf("AuditAll: %v", bad)
	}
}
