// Package guard validates requests at the edge before they reach the ledger.
package guard

import (
	"fmt"

	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
)

// MaxAmount bounds any single amount accepted from a caller.
const MaxAmount uint64 = 1_000_000_000_000

func fail(field, format string, args ...any) error {
	return &ledger.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Amount accepts values in (0, MaxAmount].
func Amount(field string, v uint64) error {
	if v == 0 {
		return fail(field, "must be positive")
	}
	if v > MaxAmount {
		return fail(field, "must not exceed %d", MaxAmount)
	}
	return nil
}

// Job checks a job spec before it is priced.
func Job(j fees.JobSpec) error {
	switch {
	case j.JobID == "":
		return fail("job_id", "must not be empty")
	case j.ModelID == "":
		return fail("model_id", "must not be empty")
	case j.EstimatedTokens == 0:
		return fail("estimated_tokens", "must be positive")
	case j.Priority != "" && !j.Priority.Valid():
		return fail("priority", "unknown priority %q", j.Priority)
	}
	return nil
}

// Receipt checks a receipt's shape: identifiers present, cost in bounds and
// a fee breakdown over ActualCost whose total is the sum of its parts.
func Receipt(r ledger.Receipt) error {
	switch {
	case r.ReceiptID == "":
		return fail("receipt_id", "must not be empty")
	case r.JobID == "":
		return fail("job_id", "must not be empty")
	case r.EscrowID == "":
		return fail("escrow_id", "must not be empty")
	case r.Worker == "":
		return fail("worker", "must not be empty")
	}
	if err := Amount("actual_cost", r.ActualCost); err != nil {
		return err
	}
	if !r.Fees.Consistent() {
		return fail("fees", "total %d is not base+protocol_fee+worker_fee", r.Fees.Total)
	}
	if r.Fees.Base != r.ActualCost {
		return fmt.Errorf("%w: fee base %d is not the actual cost %d", ledger.ErrFeeMismatch, r.Fees.Base, r.ActualCost)
	}
	return nil
}
