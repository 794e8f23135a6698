package fees

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Priority tags a job with an urgency class that scales its cost.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priority tags.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Default pricing constants.
const (
	DefaultTokenRate  uint64 = 100
	DefaultCycleRate  uint64 = 10
	DefaultMinimumFee uint64 = 1000
	QuoteTTL                 = 15 * time.Minute
)

var ErrInvalidPolicy = errors.New("fees: invalid policy")

var hundred = decimal.NewFromInt(100)

// Policy is the fee schedule applied to estimates and settlements.
// Percentages are expressed in whole percent (3 means 3%).
type Policy struct {
	ProtocolFeePct      decimal.Decimal              `json:"protocol_fee_pct"`
	WorkerFeePct        decimal.Decimal              `json:"worker_fee_pct"`
	MinimumFee          uint64                       `json:"minimum_fee"`
	PriorityMultipliers map[Priority]decimal.Decimal `json:"priority_multipliers"`
	TokenRate           uint64                       `json:"token_rate"`
	CycleRate           uint64                       `json:"cycle_rate"`
	Version             uint64                       `json:"version"`
	LastUpdated         time.Time                    `json:"last_updated"`
}

// DefaultPolicy returns the launch fee schedule.
func DefaultPolicy() Policy {
	return Policy{
		ProtocolFeePct: decimal.NewFromInt(3),
		WorkerFeePct:   decimal.NewFromInt(7),
		MinimumFee:     DefaultMinimumFee,
		PriorityMultipliers: map[Priority]decimal.Decimal{
			PriorityLow:      decimal.RequireFromString("0.8"),
			PriorityNormal:   decimal.NewFromInt(1),
			PriorityHigh:     decimal.RequireFromString("1.5"),
			PriorityCritical: decimal.NewFromInt(2),
		},
		TokenRate: DefaultTokenRate,
		CycleRate: DefaultCycleRate,
		Version:   1,
	}
}

// Clone returns a deep copy; the multiplier map is never shared.
func (p Policy) Clone() Policy {
	out := p
	out.PriorityMultipliers = make(map[Priority]decimal.Decimal, len(p.PriorityMultipliers))
	for k, v := range p.PriorityMultipliers {
		out.PriorityMultipliers[k] = v
	}
	return out
}

// Multiplier returns the multiplier for prio, 1.0 when unmapped.
func (p Policy) Multiplier(prio Priority) decimal.Decimal {
	if m, ok := p.PriorityMultipliers[prio]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// Validate checks percentage bounds and multiplier signs.
func (p Policy) Validate() error {
	for name, pct := range map[string]decimal.Decimal{
		"protocol_fee_pct": p.ProtocolFeePct,
		"worker_fee_pct":   p.WorkerFeePct,
	} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return fmt.Errorf("%w: %s must be within [0,100], got %s", ErrInvalidPolicy, name, pct)
		}
	}
	for prio, m := range p.PriorityMultipliers {
		if !prio.Valid() {
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidPolicy, prio)
		}
		if !m.IsPositive() {
			return fmt.Errorf("%w: multiplier for %s must be positive", ErrInvalidPolicy, prio)
		}
	}
	return nil
}

// Equal compares two policies field by field.
func (p Policy) Equal(o Policy) bool {
	if !p.ProtocolFeePct.Equal(o.ProtocolFeePct) || !p.WorkerFeePct.Equal(o.WorkerFeePct) ||
		p.MinimumFee != o.MinimumFee || p.TokenRate != o.TokenRate || p.CycleRate != o.CycleRate ||
		p.Version != o.Version || len(p.PriorityMultipliers) != len(o.PriorityMultipliers) {
		return false
	}
	for k, v := range p.PriorityMultipliers {
		w, ok := o.PriorityMultipliers[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}
