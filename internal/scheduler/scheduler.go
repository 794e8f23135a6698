// Package scheduler runs the ledger's periodic housekeeping: refunding
// expired escrows, persisting snapshots and auditing settlements.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/counters"
	"github.com/0gfoundation/0g-compute-ledger/internal/recorder"
	"github.com/0gfoundation/0g-compute-ledger/internal/snapshot"
)

// Ledger is the part of the ledger the scheduled jobs touch.
type Ledger interface {
	snapshot.Source
	SweepExpired(now time.Time) ([]string, error)
	AuditAll() []string
}

// Saver persists a snapshot of src.
type Saver interface {
	SaveFrom(ctx context.Context, src snapshot.Source) error
}

// Specs holds the cron expressions (with seconds) for each job. An empty
// expression disables the job.
type Specs struct {
	Sweep    string
	Snapshot string
	Audit    string
}

type Scheduler struct {
	cron     *cron.Cron
	ledger   Ledger
	store    Saver
	recorder recorder.Recorder
	counters *counters.Counters
	log      *zap.Logger
	ctx      context.Context
	nowFn    func() time.Time
}

func New(ctx context.Context, l Ledger, store Saver, rec recorder.Recorder, ctrs *counters.Counters, log *zap.Logger) *Scheduler {
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		ledger:   l,
		store:    store,
		recorder: rec,
		counters: ctrs,
		log:      log,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// RegisterAll adds every enabled job to the cron table.
func (s *Scheduler) RegisterAll(specs Specs) error {
	if specs.Sweep != "" {
		if _, err := s.cron.AddFunc(specs.Sweep, s.sweepTask); err != nil {
			return fmt.Errorf("register sweep task: %w", err)
		}
	}
	if specs.Snapshot != "" && s.store != nil {
		if _, err := s.cron.AddFunc(specs.Snapshot, s.snapshotTask); err != nil {
			return fmt.Errorf("register snapshot task: %w", err)
		}
	}
	if specs.Audit != "" {
		if _, err := s.cron.AddFunc(specs.Audit, s.auditTask); err != nil {
			return fmt.Errorf("register audit task: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunSweepNow runs the expiry sweep immediately and returns the refunded
// escrow ids.
func (s *Scheduler) RunSweepNow() ([]string, error) {
	swept, err := s.ledger.SweepExpired(s.nowFn())
	if err != nil {
		return nil, err
	}
	if len(swept) == 0 {
		return swept, nil
	}
	s.counters.Incr(s.ctx, counters.EscrowsSwept, int64(len(swept)))
	if err := s.recorder.RecordSweep(&recorder.SweepEvent{EscrowIDs: swept}); err != nil {
		s.log.Error("record sweep", zap.Error(err))
	}
	return swept, nil
}

// RunSnapshotNow persists the current ledger state immediately.
func (s *Scheduler) RunSnapshotNow() error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	return s.store.SaveFrom(ctx, s.ledger)
}

func (s *Scheduler) sweepTask() {
	swept, err := s.RunSweepNow()
	if err != nil {
		s.log.Warn("sweep skipped", zap.Error(err))
		return
	}
	if len(swept) > 0 {
		s.log.Info("sweep done", zap.Int("refunded", len(swept)))
	}
}

func (s *Scheduler) snapshotTask() {
	if err := s.RunSnapshotNow(); err != nil {
		s.log.Error("snapshot save failed", zap.Error(err))
	}
}

func (s *Scheduler) auditTask() {
	if bad := s.ledger.AuditAll(); len(bad) > 0 {
		s.log.Error("settlement audit found inconsistent receipts", zap.Strings("receipts", bad))
	}
}
