package payout

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/counters"
	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
	"github.com/0gfoundation/0g-compute-ledger/internal/quota"
	"github.com/0gfoundation/0g-compute-ledger/internal/recorder"
)

// Rail moves value to an external destination.
type Rail interface {
	Transfer(ctx context.Context, destination string, amount uint64, memo string) (string, error)
}

// Reporter tells the subscription service a payment went through.
type Reporter interface {
	ReportPaymentStatus(ctx context.Context, identity, tier string, status quota.Status) error
}

// Ledger is the payment side of the ledger.
type Ledger interface {
	BeginPayment(id string) (ledger.PaymentTransaction, error)
	CompletePayment(id, reference string, transferErr error) (ledger.PaymentTransaction, error)
	FlagForReconciliation(id, reason string) (ledger.PaymentTransaction, error)
	NoteQuotaReport(id string, reportErr error)
	PaymentsByStatus(status ledger.PaymentStatus) []ledger.PaymentTransaction
	GetPayment(id string) (ledger.PaymentTransaction, error)
}

const (
	popTimeout    = 5 * time.Second
	haltedBackoff = 5 * time.Second
)

type Worker struct {
	rdb      *redis.Client
	ledger   Ledger
	rail     Rail
	quota    Reporter
	recorder recorder.Recorder
	counters *counters.Counters
	log      *zap.Logger
	nowFn    func() time.Time
}

// NewWorker builds a worker. quota, rec and ctrs may be nil.
func NewWorker(rdb *redis.Client, l Ledger, rail Rail, q Reporter, rec recorder.Recorder, ctrs *counters.Counters, log *zap.Logger) *Worker {
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Worker{
		rdb:      rdb,
		ledger:   l,
		rail:     rail,
		quota:    q,
		recorder: rec,
		counters: ctrs,
		log:      log,
		nowFn:    time.Now,
	}
}

// Run is the worker loop: BLPOP → process. It returns when ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("payout worker started", zap.String("queue", QueueKey))
	for {
		if ctx.Err() != nil {
			w.log.Info("payout worker stopped")
			return
		}

		results, err := w.rdb.BLPop(ctx, popTimeout, QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error("payout: BLPOP error", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		// results[0] = key, results[1] = tx id
		txID := results[1]
		if _, err := w.Process(ctx, txID); errors.Is(err, ledger.ErrLedgerHalted) {
			// Put it back at the head and wait for an operator to resume.
			_ = w.rdb.LPush(context.WithoutCancel(ctx), QueueKey, txID).Err()
			w.log.Warn("payout: ledger halted, payment deferred", zap.String("tx", txID))
			sleep(ctx, haltedBackoff)
		}
	}
}

// Process executes one payment end to end and returns its final record.
// ErrLedgerHalted means the payment was not started and should be retried.
func (w *Worker) Process(ctx context.Context, txID string) (ledger.PaymentTransaction, error) {
	// Bookkeeping after the transfer must not be lost to shutdown.
	bg := context.WithoutCancel(ctx)

	tx, err := w.ledger.BeginPayment(txID)
	switch {
	case errors.Is(err, ledger.ErrLedgerHalted):
		return tx, err
	case errors.Is(err, ledger.ErrInsufficientBalance):
		w.failed(bg, tx)
		return tx, err
	case err != nil:
		w.log.Warn("payout: skipping payment", zap.String("tx", txID), zap.Error(err))
		return tx, err
	}

	ref, transferErr := w.rail.Transfer(ctx, tx.Destination, tx.Amount, tx.Memo)
	if transferErr != nil && ctx.Err() != nil {
		// The transaction may or may not have been broadcast.
		flagged, err := w.ledger.FlagForReconciliation(txID, "transfer interrupted: "+transferErr.Error())
		if err != nil {
			return flagged, err
		}
		w.deadLetter(bg, flagged)
		return flagged, nil
	}

	done, err := w.ledger.CompletePayment(txID, ref, transferErr)
	switch done.Status {
	case ledger.PaymentCompleted:
		w.completed(bg, done)
		if cur, gerr := w.ledger.GetPayment(txID); gerr == nil {
			done = cur
		}
		return done, nil
	case ledger.PaymentFailed:
		w.failed(bg, done)
		return done, nil
	case ledger.PaymentNeedsReconciliation:
		w.log.Error("payout: payment needs reconciliation, ledger halted", zap.String("tx", txID), zap.String("error", done.Error))
		w.deadLetter(bg, done)
		w.record(done)
		return done, nil
	}
	return done, err
}

func (w *Worker) completed(ctx context.Context, tx ledger.PaymentTransaction) {
	w.counters.Incr(ctx, counters.PaymentsCompleted, 1)
	if tx.Tier != "" && w.quota != nil {
		err := w.quota.ReportPaymentStatus(ctx, tx.Identity, tx.Tier, quota.StatusActive)
		if err != nil {
			w.log.Warn("payout: quota report failed", zap.String("tx", tx.ID), zap.Error(err))
			w.ledger.NoteQuotaReport(tx.ID, err)
		}
	}
	w.record(tx)
}

func (w *Worker) failed(ctx context.Context, tx ledger.PaymentTransaction) {
	w.counters.Incr(ctx, counters.PaymentsFailed, 1)
	w.deadLetter(ctx, tx)
	w.record(tx)
}

func (w *Worker) deadLetter(ctx context.Context, tx ledger.PaymentTransaction) {
	if err := pushDeadLetter(ctx, w.rdb, tx, w.nowFn()); err != nil {
		w.log.Error("payout: DLQ push failed", zap.String("tx", tx.ID), zap.Error(err))
	}
}

func (w *Worker) record(tx ledger.PaymentTransaction) {
	err := w.recorder.RecordPayment(&recorder.PaymentEvent{
		TxID:      tx.ID,
		Identity:  tx.Identity,
		Amount:    tx.Amount,
		Status:    string(tx.Status),
		Reference: tx.Reference,
		Error:     tx.Error,
	})
	if err != nil {
		w.log.Error("payout: record payment", zap.String("tx", tx.ID), zap.Error(err))
	}
}

// Recover runs once at startup before Run. Payments left processing by a
// crash have an unknown transfer outcome and are flagged for reconciliation;
// pending payments missing from the queue are re-enqueued.
func (w *Worker) Recover(ctx context.Context) (flagged, requeued int, err error) {
	for _, tx := range w.ledger.PaymentsByStatus(ledger.PaymentProcessing) {
		out, ferr := w.ledger.FlagForReconciliation(tx.ID, "interrupted during transfer; outcome unknown")
		if ferr != nil {
			w.log.Warn("payout: recover flag failed", zap.String("tx", tx.ID), zap.Error(ferr))
			continue
		}
		w.deadLetter(ctx, out)
		flagged++
	}

	queued, err := w.rdb.LRange(ctx, QueueKey, 0, -1).Result()
	if err != nil {
		return flagged, 0, err
	}
	inQueue := make(map[string]bool, len(queued))
	for _, id := range queued {
		inQueue[id] = true
	}
	for _, tx := range w.ledger.PaymentsByStatus(ledger.PaymentPending) {
		if inQueue[tx.ID] {
			continue
		}
		if err := Enqueue(ctx, w.rdb, tx.ID); err != nil {
			return flagged, requeued, err
		}
		requeued++
	}
	if flagged > 0 || requeued > 0 {
		w.log.Warn("payout: recovered payments", zap.Int("flagged", flagged), zap.Int("requeued", requeued))
	}
	return flagged, requeued, nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
