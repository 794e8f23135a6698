package recorder

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder writes audit events to a SQLite database.
type SQLiteRecorder struct {
	db    *sql.DB
	mu    sync.Mutex
	nowFn func() time.Time
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string, log *zap.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL so operators can query while the service writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, nowFn: time.Now}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("sqlite recorder opened", zap.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS escrow_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  INTEGER NOT NULL,
			escrow_id  TEXT NOT NULL,
			job_id     TEXT,
			owner      TEXT,
			amount     INTEGER,
			action     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_events_escrow ON escrow_events(escrow_id)`,

		`CREATE TABLE IF NOT EXISTS settlements (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     INTEGER NOT NULL,
			receipt_id    TEXT NOT NULL UNIQUE,
			settlement_id TEXT,
			escrow_id     TEXT,
			job_id        TEXT,
			worker        TEXT,
			actual_cost   INTEGER,
			protocol_fee  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_ts ON settlements(timestamp)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  INTEGER NOT NULL,
			tx_id      TEXT NOT NULL,
			identity   TEXT,
			amount     INTEGER,
			status     TEXT,
			reference  TEXT,
			error      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_tx ON payments(tx_id)`,

		`CREATE TABLE IF NOT EXISTS sweeps (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  INTEGER NOT NULL,
			count      INTEGER,
			escrow_ids TEXT
		)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordEscrow(evt *EscrowEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`INSERT INTO escrow_events (timestamp, escrow_id, job_id, owner, amount, action) VALUES (?, ?, ?, ?, ?, ?)`,
		r.nowFn().Unix(), evt.EscrowID, evt.JobID, evt.Owner, int64(evt.Amount), evt.Action,
	)
	if err != nil {
		return fmt.Errorf("insert escrow event: %w", err)
	}
	return nil
}

// RecordSettlement ignores a second record for the same receipt.
func (r *SQLiteRecorder) RecordSettlement(evt *SettlementEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO settlements (timestamp, receipt_id, settlement_id, escrow_id, job_id, worker, actual_cost, protocol_fee)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.nowFn().Unix(), evt.ReceiptID, evt.SettlementID, evt.EscrowID, evt.JobID, evt.Worker,
		int64(evt.ActualCost), int64(evt.ProtocolFee),
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) RecordPayment(evt *PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`INSERT INTO payments (timestamp, tx_id, identity, amount, status, reference, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.nowFn().Unix(), evt.TxID, evt.Identity, int64(evt.Amount), evt.Status, evt.Reference, evt.Error,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) RecordSweep(evt *SweepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`INSERT INTO sweeps (timestamp, count, escrow_ids) VALUES (?, ?, ?)`,
		r.nowFn().Unix(), len(evt.EscrowIDs), strings.Join(evt.EscrowIDs, ","),
	)
	if err != nil {
		return fmt.Errorf("insert sweep: %w", err)
	}
	return nil
}

// SettledVolume returns the number of recorded settlements and the sum of
// their actual cost.
func (r *SQLiteRecorder) SettledVolume() (count int, volume uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	err = r.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(actual_cost), 0) FROM settlements`).Scan(&count, &sum)
	if err != nil {
		return 0, 0, fmt.Errorf("query settlements: %w", err)
	}
	return count, uint64(sum), nil
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
