package fees

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ── Estimate ──────────────────────────────────────────────────────────────────

func TestEstimate_CriticalPriority(t *testing.T) {
	q, err := Estimate(JobSpec{JobID: "job-1", ModelID: "llama", EstimatedTokens: 1000, Priority: PriorityCritical}, DefaultPolicy(), t0)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if q.BaseCost != 100_000 {
		t.Errorf("BaseCost: got %d want 100000", q.BaseCost)
	}
	if q.AdjustedCost != 200_000 {
		t.Errorf("AdjustedCost: got %d want 200000", q.AdjustedCost)
	}
	if q.ProtocolFee != 6_000 {
		t.Errorf("ProtocolFee: got %d want 6000", q.ProtocolFee)
	}
	if q.EstimatedCost != 206_000 {
		t.Errorf("EstimatedCost: got %d want 206000", q.EstimatedCost)
	}
	if !q.ExpiresAt.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("ExpiresAt: got %v want %v", q.ExpiresAt, t0.Add(15*time.Minute))
	}
	if q.PolicyVersion != 1 {
		t.Errorf("PolicyVersion: got %d want 1", q.PolicyVersion)
	}
}

func TestEstimate_CyclesAndLowPriority(t *testing.T) {
	q, err := Estimate(JobSpec{JobID: "job-2", EstimatedTokens: 10, EstimatedComputeCycles: 500, Priority: PriorityLow}, DefaultPolicy(), t0)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	// base = 10*100 + 500*10 = 6000; adjusted = 4800; fee = floor(144) = 144
	if q.BaseCost != 6000 || q.AdjustedCost != 4800 || q.ProtocolFee != 144 || q.EstimatedCost != 4944 {
		t.Errorf("got base=%d adjusted=%d fee=%d est=%d", q.BaseCost, q.AdjustedCost, q.ProtocolFee, q.EstimatedCost)
	}
}

func TestEstimate_MinimumFeeFloor(t *testing.T) {
	q, err := Estimate(JobSpec{JobID: "tiny", EstimatedTokens: 1}, DefaultPolicy(), t0)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if q.EstimatedCost != DefaultMinimumFee {
		t.Errorf("EstimatedCost: got %d want %d", q.EstimatedCost, DefaultMinimumFee)
	}
	if err := ValidateQuote(q, t0); err != nil {
		t.Errorf("ValidateQuote: %v", err)
	}
}

func TestEstimate_UnmappedPriorityDefaultsToOne(t *testing.T) {
	p := DefaultPolicy()
	delete(p.PriorityMultipliers, PriorityHigh)
	q, err := Estimate(JobSpec{JobID: "j", EstimatedTokens: 100, Priority: PriorityHigh}, p, t0)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if q.AdjustedCost != q.BaseCost {
		t.Errorf("AdjustedCost: got %d want %d", q.AdjustedCost, q.BaseCost)
	}
}

func TestEstimate_RejectsMalformedJobs(t *testing.T) {
	cases := []struct {
		name string
		job  JobSpec
		want error
	}{
		{"empty id", JobSpec{EstimatedTokens: 1}, ErrInvalidJob},
		{"zero tokens", JobSpec{JobID: "j"}, ErrInvalidJob},
		{"bad priority", JobSpec{JobID: "j", EstimatedTokens: 1, Priority: "urgent"}, ErrInvalidJob},
		{"cycle overflow", JobSpec{JobID: "j", EstimatedTokens: 1, EstimatedComputeCycles: math.MaxUint64}, ErrOverflow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Estimate(tc.job, DefaultPolicy(), t0)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v want %v", err, tc.want)
			}
		})
	}
}

func TestQuoteID_Deterministic(t *testing.T) {
	a := QuoteID("job-1", t0)
	if a != QuoteID("job-1", t0) {
		t.Error("same inputs produced different ids")
	}
	if a == QuoteID("job-1", t0.Add(time.Nanosecond)) {
		t.Error("different issuance times produced the same id")
	}
	if a[:6] != "quote_" {
		t.Errorf("prefix: got %q", a)
	}
}

// ── ValidateQuote ─────────────────────────────────────────────────────────────

func TestValidateQuote(t *testing.T) {
	q, _ := Estimate(JobSpec{JobID: "j", EstimatedTokens: 50}, DefaultPolicy(), t0)

	if err := ValidateQuote(q, t0.Add(14*time.Minute)); err != nil {
		t.Errorf("fresh quote: %v", err)
	}
	if err := ValidateQuote(q, t0.Add(16*time.Minute)); !errors.Is(err, ErrQuoteExpired) {
		t.Errorf("expired quote: got %v want ErrQuoteExpired", err)
	}
	bad := q
	bad.EstimatedCost = bad.BaseCost - 1
	if err := ValidateQuote(bad, t0); !errors.Is(err, ErrQuoteCorrupted) {
		t.Errorf("corrupted quote: got %v want ErrQuoteCorrupted", err)
	}
}

// ── CalculateFees ─────────────────────────────────────────────────────────────

func TestCalculateFees_SumsAndFloors(t *testing.T) {
	p := DefaultPolicy()
	for _, base := range []uint64{0, 1, 33, 999, 1000, 123_456_789} {
		b, err := CalculateFees(base, p)
		if err != nil {
			t.Fatalf("base %d: %v", base, err)
		}
		if !b.Consistent() {
			t.Errorf("base %d: inconsistent breakdown %+v", base, b)
		}
		if b.ProtocolFee != base*3/100 {
			t.Errorf("base %d: ProtocolFee got %d want %d", base, b.ProtocolFee, base*3/100)
		}
		if b.WorkerFee != base*7/100 {
			t.Errorf("base %d: WorkerFee got %d want %d", base, b.WorkerFee, base*7/100)
		}
	}
}

func TestCalculateFees_FractionalPercent(t *testing.T) {
	p := DefaultPolicy()
	p.ProtocolFeePct = decimal.RequireFromString("2.5")
	b, _ := CalculateFees(1001, p)
	if b.ProtocolFee != 25 {
		t.Errorf("ProtocolFee: got %d want 25", b.ProtocolFee)
	}
}

func TestCalculateFees_Overflow(t *testing.T) {
	if _, err := CalculateFees(math.MaxUint64-10, DefaultPolicy()); !errors.Is(err, ErrOverflow) {
		t.Errorf("near-max base: got %v want ErrOverflow", err)
	}
	b, err := CalculateFees(math.MaxUint64/2, DefaultPolicy())
	if err != nil {
		t.Fatalf("half-max base: %v", err)
	}
	if !b.Consistent() {
		t.Errorf("half-max base: inconsistent breakdown %+v", b)
	}
}

func TestBreakdown_Consistent(t *testing.T) {
	if (Breakdown{Base: 1, ProtocolFee: 2, WorkerFee: 3, Total: 7}).Consistent() {
		t.Error("wrong total accepted")
	}
	if (Breakdown{Base: math.MaxUint64, ProtocolFee: 1, Total: 0}).Consistent() {
		t.Error("overflowing sum accepted")
	}
}

// ── Variance ──────────────────────────────────────────────────────────────────

func TestVariance(t *testing.T) {
	cases := []struct {
		actual, est uint64
		want        string
	}{
		{100, 100, "0"},
		{110, 100, "10"},
		{90, 100, "10"},
		{1, 3, "66.6667"},
		{5, 0, "0"},
	}
	for _, tc := range cases {
		got := Variance(tc.actual, tc.est)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("Variance(%d,%d): got %s want %s", tc.actual, tc.est, got, tc.want)
		}
	}
}

// ── Policy ────────────────────────────────────────────────────────────────────

func TestPolicy_Validate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy: %v", err)
	}
	p := DefaultPolicy()
	p.ProtocolFeePct = decimal.NewFromInt(101)
	if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("pct > 100: got %v", err)
	}
	p = DefaultPolicy()
	p.PriorityMultipliers[PriorityLow] = decimal.Zero
	if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("zero multiplier: got %v", err)
	}
}

func TestPolicy_CloneIsDeep(t *testing.T) {
	p := DefaultPolicy()
	c := p.Clone()
	c.PriorityMultipliers[PriorityLow] = decimal.NewFromInt(9)
	if p.PriorityMultipliers[PriorityLow].Equal(decimal.NewFromInt(9)) {
		t.Error("clone shares multiplier map")
	}
	if !p.Equal(DefaultPolicy()) {
		t.Error("original mutated")
	}
}
