// Package snapshot persists ledger state to Redis as deterministic CBOR.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/codec"
	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
)

// Redis keys
const (
	Key     = "ledger:snapshot"
	MetaKey = "ledger:snapshot:meta"
)

// Source is anything that can produce a state snapshot.
type Source interface {
	Snapshot() ledger.State
}

// Meta describes the last saved snapshot.
type Meta struct {
	SchemaVersion uint32
	SavedAt       time.Time
	Bytes         int
}

type Store struct {
	rdb   *redis.Client
	log   *zap.Logger
	nowFn func() time.Time
}

func NewStore(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log, nowFn: time.Now}
}

// Save encodes s and writes it together with its metadata in one
// transaction.
func (s *Store) Save(ctx context.Context, st ledger.State) error {
	data, err := codec.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	savedAt := s.nowFn().UTC()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key, data, 0)
		pipe.HSet(ctx, MetaKey,
			"schema_version", st.SchemaVersion,
			"saved_at", savedAt.Format(time.RFC3339Nano),
			"bytes", len(data),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.log.Debug("snapshot saved", zap.Int("bytes", len(data)), zap.Uint32("schema", st.SchemaVersion))
	return nil
}

// SaveFrom snapshots src and saves it.
func (s *Store) SaveFrom(ctx context.Context, src Source) error {
	return s.Save(ctx, src.Snapshot())
}

// Load reads the last saved state. found is false when nothing has been
// saved yet.
func (s *Store) Load(ctx context.Context) (st ledger.State, found bool, err error) {
	data, err := s.rdb.Get(ctx, Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.State{}, false, nil
	}
	if err != nil {
		return ledger.State{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := codec.Unmarshal(data, &st); err != nil {
		return ledger.State{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return st, true, nil
}

// Raw returns the encoded snapshot bytes.
func (s *Store) Raw(ctx context.Context) ([]byte, error) {
	return s.rdb.Get(ctx, Key).Bytes()
}

// LoadMeta reads the metadata of the last save.
func (s *Store) LoadMeta(ctx context.Context) (Meta, error) {
	raw, err := s.rdb.HGetAll(ctx, MetaKey).Result()
	if err != nil {
		return Meta{}, err
	}
	if len(raw) == 0 {
		return Meta{}, redis.Nil
	}
	var m Meta
	if v, err := strconv.ParseUint(raw["schema_version"], 10, 32); err == nil {
		m.SchemaVersion = uint32(v)
	}
	if t, err := time.Parse(time.RFC3339Nano, raw["saved_at"]); err == nil {
		m.SavedAt = t
	}
	m.Bytes, _ = strconv.Atoi(raw["bytes"])
	return m, nil
}
