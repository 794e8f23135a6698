package ledger

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
)

// Estimate prices job under the live policy and counts the request.
func (l *Ledger) Estimate(job fees.JobSpec) (fees.CostQuote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	q, err := fees.Estimate(job, l.state.FeePolicy, now)
	if err != nil {
		return fees.CostQuote{}, err
	}
	l.state.Metrics.TotalEstimates++
	l.touchLocked(now)
	return q, nil
}

// ValidateQuote checks a quote against the ledger clock.
func (l *Ledger) ValidateQuote(q fees.CostQuote) error {
	return fees.ValidateQuote(q, l.now())
}

// Policy returns a copy of the live fee policy.
func (l *Ledger) Policy() fees.Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.FeePolicy.Clone()
}

// UpdatePolicy replaces the live policy. The version is bumped and the
// timestamp stamped here; callers' values for both are ignored. Escrows
// already open keep the policy they were created under.
func (l *Ledger) UpdatePolicy(p fees.Policy) (fees.Policy, error) {
	if err := p.Validate(); err != nil {
		return fees.Policy{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := p.Clone()
	next.Version = l.state.FeePolicy.Version + 1
	next.LastUpdated = l.now()
	l.state.FeePolicy = next
	l.log.Info("fee policy updated",
		zap.Uint64("version", next.Version),
		zap.String("protocol_fee_pct", next.ProtocolFeePct.String()),
		zap.String("worker_fee_pct", next.WorkerFeePct.String()),
	)
	return next.Clone(), nil
}

// ── Administrators ────────────────────────────────────────────────────────────

func (l *Ledger) addAdminLocked(id string) bool {
	id = NormalizeIdentity(id)
	if id == "" {
		return false
	}
	for _, a := range l.state.Admins {
		if a == id {
			return false
		}
	}
	l.state.Admins = append(l.state.Admins, id)
	return true
}

// AddAdmin grants admin rights. Adding an existing admin is a no-op.
func (l *Ledger) AddAdmin(id string) error {
	if NormalizeIdentity(id) == "" {
		return invalid("identity", "must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addAdminLocked(id) {
		l.log.Info("admin added", zap.String("identity", NormalizeIdentity(id)))
	}
	return nil
}

// RemoveAdmin revokes admin rights. The last admin cannot be removed.
func (l *Ledger) RemoveAdmin(id string) error {
	id = NormalizeIdentity(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, a := range l.state.Admins {
		if a != id {
			continue
		}
		if len(l.state.Admins) == 1 {
			return invalid("identity", "cannot remove the last admin")
		}
		l.state.Admins = append(l.state.Admins[:i], l.state.Admins[i+1:]...)
		l.log.Info("admin removed", zap.String("identity", id))
		return nil
	}
	return fmt.Errorf("%w: %s is not an admin", ErrInvalidInput, id)
}

// ListAdmins returns admins in the order they were added.
func (l *Ledger) ListAdmins() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.state.Admins...)
}

// IsAdmin reports whether id holds admin rights.
func (l *Ledger) IsAdmin(id string) bool {
	id = NormalizeIdentity(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.state.Admins {
		if a == id {
			return true
		}
	}
	return false
}

// ── Halt ──────────────────────────────────────────────────────────────────────

// Halted reports whether mutating operations are blocked, and why.
func (l *Ledger) Halted() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Halted, l.state.HaltReason
}

// Resume clears a halt after an operator has reconciled the ledger. It
// reports whether the ledger was halted.
func (l *Ledger) Resume(by string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.Halted {
		return false
	}
	l.log.Warn("ledger resumed", zap.String("by", NormalizeIdentity(by)), zap.String("reason", l.state.HaltReason))
	l.state.Halted = false
	l.state.HaltReason = ""
	return true
}

func (l *Ledger) haltLocked(reason string) {
	l.state.Halted = true
	l.state.HaltReason = reason
	l.log.Error("ledger halted", zap.String("reason", reason))
}
