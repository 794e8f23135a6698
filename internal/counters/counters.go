// Package counters keeps named monotonically increasing counters in a Redis
// hash. Increments are best effort: a Redis failure is logged and dropped.
package counters

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key is the Redis hash holding every counter.
const Key = "ledger:counters"

const (
	EstimatesRequested   = "estimates_requested_total"
	EscrowsCreated       = "escrows_created_total"
	EscrowsSwept         = "escrows_swept_total"
	SettlementsProcessed = "settlements_processed_total"
	SettlementsRejected  = "settlements_rejected_total"
	PaymentsRequested    = "payments_requested_total"
	PaymentsCompleted    = "payments_completed_total"
	PaymentsFailed       = "payments_failed_total"
)

type Counters struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Counters {
	return &Counters{rdb: rdb, log: log}
}

// Incr adds by to the named counter.
func (c *Counters) Incr(ctx context.Context, name string, by int64) {
	if c == nil || by == 0 {
		return
	}
	if err := c.rdb.HIncrBy(ctx, Key, name, by).Err(); err != nil {
		c.log.Warn("counters: increment failed", zap.String("counter", name), zap.Error(err))
	}
}

// All returns every counter.
func (c *Counters) All(ctx context.Context) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, Key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.log.Warn("counters: non-numeric value", zap.String("counter", k), zap.String("value", v))
			continue
		}
		out[k] = n
	}
	return out, nil
}
