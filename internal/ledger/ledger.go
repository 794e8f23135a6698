// Package ledger holds the marketplace's accounting state: balances,
// escrows, receipts, settlement entries, payment transactions and the fee
// policy. All of it sits behind one mutex. Exported methods lock, mutate and
// unlock without performing I/O; callers receive copies.
package ledger

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
)

const (
	DefaultEscrowTTL = 24 * time.Hour
	DefaultTreasury  = "treasury"
)

// Options configures a new Ledger. Zero values fall back to defaults.
type Options struct {
	EscrowTTL time.Duration
	Treasury  string
	Admins    []string
	Policy    *fees.Policy
	Now       func() time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	state State
	seq   uint64

	escrowTTL time.Duration
	treasury  string
	nowFn     func() time.Time
	log       *zap.Logger
}

func New(opts Options, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		escrowTTL: opts.EscrowTTL,
		treasury:  opts.Treasury,
		nowFn:     opts.Now,
		log:       log,
	}
	if l.escrowTTL <= 0 {
		l.escrowTTL = DefaultEscrowTTL
	}
	if l.treasury == "" {
		l.treasury = DefaultTreasury
	}
	if l.nowFn == nil {
		l.nowFn = time.Now
	}
	policy := fees.DefaultPolicy()
	if opts.Policy != nil {
		policy = opts.Policy.Clone()
	}
	l.state = emptyState(policy)
	for _, a := range opts.Admins {
		l.addAdminLocked(a)
	}
	return l
}

// Treasury returns the identity that receives protocol fees.
func (l *Ledger) Treasury() string { return l.treasury }

func emptyState(policy fees.Policy) State {
	return State{
		SchemaVersion: SchemaVersion,
		Balances:      make(map[string]*Balance),
		Escrows:       make(map[string]*EscrowAccount),
		Receipts:      make(map[string]*Receipt),
		Settlements:   make(map[string]*SettlementEntry),
		Payments:      make(map[string]*PaymentTransaction),
		FeePolicy:     policy,
		Admins:        []string{},
	}
}

func (l *Ledger) now() time.Time { return l.nowFn().UTC() }

func (l *Ledger) checkHaltedLocked() error {
	if l.state.Halted {
		return fmt.Errorf("%w: %s", ErrLedgerHalted, l.state.HaltReason)
	}
	return nil
}

func (l *Ledger) touchLocked(now time.Time) {
	l.state.Metrics.LastActivity = now
}

// ── Identity normalisation ────────────────────────────────────────────────────

// NormalizeIdentity maps wallet addresses in any case to their checksummed
// form so one wallet has one account. Other identities pass through trimmed.
func NormalizeIdentity(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// ── Identifiers ───────────────────────────────────────────────────────────────

func hashID(prefix string, n int, parts ...[]byte) string {
	h := crypto.Keccak256(parts...)
	return prefix + base64.RawURLEncoding.EncodeToString(h[:n])
}

func be64(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

func (l *Ledger) nextSeqLocked() uint64 {
	l.seq++
	return l.seq
}

// IdempotencyKey binds a settlement entry to the receipt fields it settled.
func IdempotencyKey(receiptID, jobID, escrowID string, actualCost uint64) string {
	return hashID("", 16, []byte(receiptID), []byte{0}, []byte(jobID), []byte{0}, []byte(escrowID), []byte{0}, be64(actualCost))
}

// ── Copies ────────────────────────────────────────────────────────────────────

func copyEscrow(e *EscrowAccount) EscrowAccount {
	out := *e
	if e.Policy != nil {
		p := e.Policy.Clone()
		out.Policy = &p
	}
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func copyReceipt(r *Receipt) Receipt {
	out := *r
	if r.SettledAt != nil {
		t := *r.SettledAt
		out.SettledAt = &t
	}
	if r.Signature != nil {
		out.Signature = append([]byte(nil), r.Signature...)
	}
	return out
}

func copyPayment(p *PaymentTransaction) PaymentTransaction {
	out := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// cloneState deep-copies s, dropping nil map entries.
func cloneState(s *State) State {
	out := State{
		SchemaVersion: s.SchemaVersion,
		Balances:      make(map[string]*Balance, len(s.Balances)),
		Escrows:       make(map[string]*EscrowAccount, len(s.Escrows)),
		Receipts:      make(map[string]*Receipt, len(s.Receipts)),
		Settlements:   make(map[string]*SettlementEntry, len(s.Settlements)),
		Payments:      make(map[string]*PaymentTransaction, len(s.Payments)),
		FeePolicy:     s.FeePolicy.Clone(),
		Admins:        append([]string{}, s.Admins...),
		Metrics:       s.Metrics,
		Halted:        s.Halted,
		HaltReason:    s.HaltReason,
	}
	for k, v := range s.Balances {
		if v == nil {
			continue
		}
		b := *v
		out.Balances[k] = &b
	}
	for k, v := range s.Escrows {
		if v == nil {
			continue
		}
		e := copyEscrow(v)
		out.Escrows[k] = &e
	}
	for k, v := range s.Receipts {
		if v == nil {
			continue
		}
		r := copyReceipt(v)
		out.Receipts[k] = &r
	}
	for k, v := range s.Settlements {
		if v == nil {
			continue
		}
		e := *v
		out.Settlements[k] = &e
	}
	for k, v := range s.Payments {
		if v == nil {
			continue
		}
		p := copyPayment(v)
		out.Payments[k] = &p
	}
	return out
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
