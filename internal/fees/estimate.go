// Package fees prices compute jobs and splits fees. Every function is pure:
// the caller supplies the policy and the clock.
package fees

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"math/bits"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidJob     = errors.New("fees: invalid job spec")
	ErrOverflow       = errors.New("fees: arithmetic overflow")
	ErrQuoteExpired   = errors.New("fees: quote expired")
	ErrQuoteCorrupted = errors.New("fees: quote corrupted")
)

// JobSpec describes the work a quote is requested for.
type JobSpec struct {
	JobID                  string   `json:"job_id"`
	ModelID                string   `json:"model_id"`
	EstimatedTokens        uint32   `json:"estimated_tokens"`
	EstimatedComputeCycles uint64   `json:"estimated_compute_cycles"`
	Priority               Priority `json:"priority"`
}

// CostQuote is a priced, time-limited offer for a job.
type CostQuote struct {
	QuoteID            string          `json:"quote_id"`
	JobID              string          `json:"job_id"`
	EstimatedCost      uint64          `json:"estimated_cost"`
	BaseCost           uint64          `json:"base_cost"`
	AdjustedCost       uint64          `json:"adjusted_cost"`
	ProtocolFee        uint64          `json:"protocol_fee"`
	PriorityMultiplier decimal.Decimal `json:"priority_multiplier"`
	PolicyVersion      uint64          `json:"policy_version"`
	IssuedAt           time.Time       `json:"issued_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

// Breakdown is the fee split carried on a receipt.
// Total always equals Base + ProtocolFee + WorkerFee.
type Breakdown struct {
	Base        uint64 `json:"base"`
	ProtocolFee uint64 `json:"protocol_fee"`
	WorkerFee   uint64 `json:"worker_fee"`
	Total       uint64 `json:"total"`
}

// Consistent reports whether Total is the exact sum of its parts.
func (b Breakdown) Consistent() bool {
	sum, carry := bits.Add64(b.Base, b.ProtocolFee, 0)
	if carry != 0 {
		return false
	}
	sum, carry = bits.Add64(sum, b.WorkerFee, 0)
	return carry == 0 && sum == b.Total
}

// Estimate prices job under policy at now.
func Estimate(job JobSpec, policy Policy, now time.Time) (CostQuote, error) {
	if job.JobID == "" {
		return CostQuote{}, fmt.Errorf("%w: job_id is empty", ErrInvalidJob)
	}
	if job.EstimatedTokens == 0 {
		return CostQuote{}, fmt.Errorf("%w: estimated_tokens must be positive", ErrInvalidJob)
	}
	if job.Priority != "" && !job.Priority.Valid() {
		return CostQuote{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidJob, job.Priority)
	}

	base, err := baseCost(job, policy)
	if err != nil {
		return CostQuote{}, err
	}
	prio := job.Priority
	if prio == "" {
		prio = PriorityNormal
	}
	mult := policy.Multiplier(prio)
	adjusted, ok := toUint64(dec(base).Mul(mult))
	if !ok {
		return CostQuote{}, fmt.Errorf("%w: adjusted cost", ErrOverflow)
	}
	fee := percentOf(adjusted, policy.ProtocolFeePct)
	total, carry := bits.Add64(adjusted, fee, 0)
	if carry != 0 {
		return CostQuote{}, fmt.Errorf("%w: estimated cost", ErrOverflow)
	}
	if total < policy.MinimumFee {
		total = policy.MinimumFee
	}

	issued := now.UTC()
	return CostQuote{
		QuoteID:            QuoteID(job.JobID, issued),
		JobID:              job.JobID,
		EstimatedCost:      total,
		BaseCost:           base,
		AdjustedCost:       adjusted,
		ProtocolFee:        fee,
		PriorityMultiplier: mult,
		PolicyVersion:      policy.Version,
		IssuedAt:           issued,
		ExpiresAt:          issued.Add(QuoteTTL),
	}, nil
}

// ValidateQuote rejects expired or internally inconsistent quotes.
func ValidateQuote(q CostQuote, now time.Time) error {
	if now.After(q.ExpiresAt) {
		return fmt.Errorf("%w: %s expired at %s", ErrQuoteExpired, q.QuoteID, q.ExpiresAt.Format(time.RFC3339))
	}
	if q.EstimatedCost < q.BaseCost {
		return fmt.Errorf("%w: %s estimated cost %d below base cost %d", ErrQuoteCorrupted, q.QuoteID, q.EstimatedCost, q.BaseCost)
	}
	return nil
}

// CalculateFees splits base under policy. Both the estimation and the
// settlement paths go through here. It fails with ErrOverflow when the total
// does not fit in a uint64.
func CalculateFees(base uint64, policy Policy) (Breakdown, error) {
	protocol := percentOf(base, policy.ProtocolFeePct)
	worker := percentOf(base, policy.WorkerFeePct)
	total, carry := bits.Add64(base, protocol, 0)
	if carry == 0 {
		total, carry = bits.Add64(total, worker, 0)
	}
	if carry != 0 {
		return Breakdown{}, fmt.Errorf("%w: fee total for base %d", ErrOverflow, base)
	}
	return Breakdown{
		Base:        base,
		ProtocolFee: protocol,
		WorkerFee:   worker,
		Total:       total,
	}, nil
}

// Variance returns |actual-estimated| as a percentage of estimated.
// A zero estimate yields zero.
func Variance(actual, estimated uint64) decimal.Decimal {
	if estimated == 0 {
		return decimal.Zero
	}
	return dec(actual).Sub(dec(estimated)).Abs().Mul(hundred).DivRound(dec(estimated), 4)
}

// QuoteID derives a quote identifier from the job id and issuance time.
func QuoteID(jobID string, issued time.Time) string {
	data := make([]byte, 0, len(jobID)+8)
	data = append(data, jobID...)
	data = appendUint64(data, uint64(issued.UnixNano()))
	h := crypto.Keccak256(data)
	return "quote_" + base64.RawURLEncoding.EncodeToString(h[:8])
}

func baseCost(job JobSpec, policy Policy) (uint64, error) {
	hi, tokens := bits.Mul64(uint64(job.EstimatedTokens), policy.TokenRate)
	if hi != 0 {
		return 0, fmt.Errorf("%w: token cost", ErrOverflow)
	}
	hi, cycles := bits.Mul64(job.EstimatedComputeCycles, policy.CycleRate)
	if hi != 0 {
		return 0, fmt.Errorf("%w: cycle cost", ErrOverflow)
	}
	sum, carry := bits.Add64(tokens, cycles, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: base cost", ErrOverflow)
	}
	return sum, nil
}

// percentOf returns floor(v*pct/100). pct is bounded by Validate, so the
// result never exceeds v.
func percentOf(v uint64, pct decimal.Decimal) uint64 {
	out, ok := toUint64(dec(v).Mul(pct).Shift(-2))
	if !ok {
		return 0
	}
	return out
}

func dec(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toUint64(d decimal.Decimal) (uint64, bool) {
	b := d.Floor().BigInt()
	if b.Sign() < 0 || !b.IsUint64() {
		return 0, false
	}
	return b.Uint64(), true
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}
