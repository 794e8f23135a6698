// Package payout drains the payment queue: each queued payment transaction
// is begun on the ledger, transferred over the rail and completed with the
// outcome. Failed and unreconciled transactions land on a dead-letter list.
package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
)

// Redis keys
const (
	QueueKey = "payment:queue"
	DLQKey   = "payment:dlq"
)

// DeadLetter is the DLQ entry for a payment that needs an operator.
type DeadLetter struct {
	TxID     string               `json:"tx_id"`
	Identity string               `json:"identity"`
	Amount   uint64               `json:"amount"`
	Status   ledger.PaymentStatus `json:"status"`
	Error    string               `json:"error"`
	At       time.Time            `json:"at"`
}

// Enqueue schedules a pending payment for execution.
func Enqueue(ctx context.Context, rdb *redis.Client, txID string) error {
	if err := rdb.RPush(ctx, QueueKey, txID).Err(); err != nil {
		return fmt.Errorf("enqueue payment %s: %w", txID, err)
	}
	return nil
}

// Queue enqueues onto QueueKey.
type Queue struct{ rdb *redis.Client }

func NewQueue(rdb *redis.Client) *Queue { return &Queue{rdb: rdb} }

func (q *Queue) Enqueue(ctx context.Context, txID string) error {
	return Enqueue(ctx, q.rdb, txID)
}

func pushDeadLetter(ctx context.Context, rdb *redis.Client, tx ledger.PaymentTransaction, now time.Time) error {
	raw, err := json.Marshal(DeadLetter{
		TxID:     tx.ID,
		Identity: tx.Identity,
		Amount:   tx.Amount,
		Status:   tx.Status,
		Error:    tx.Error,
		At:       now.UTC(),
	})
	if err != nil {
		return err
	}
	return rdb.RPush(ctx, DLQKey, string(raw)).Err()
}

// DeadLetters returns every DLQ entry, oldest first. Malformed entries are
// skipped.
func DeadLetters(ctx context.Context, rdb *redis.Client) ([]DeadLetter, error) {
	raw, err := rdb.LRange(ctx, DLQKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var d DeadLetter
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
