package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/0gfoundation/0g-compute-ledger/internal/api"
	"github.com/0gfoundation/0g-compute-ledger/internal/auth"
	"github.com/0gfoundation/0g-compute-ledger/internal/chain"
	"github.com/0gfoundation/0g-compute-ledger/internal/config"
	"github.com/0gfoundation/0g-compute-ledger/internal/counters"
	"github.com/0gfoundation/0g-compute-ledger/internal/healthsrv"
	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
	"github.com/0gfoundation/0g-compute-ledger/internal/payout"
	"github.com/0gfoundation/0g-compute-ledger/internal/quota"
	"github.com/0gfoundation/0g-compute-ledger/internal/receipt"
	"github.com/0gfoundation/0g-compute-ledger/internal/recorder"
	"github.com/0gfoundation/0g-compute-ledger/internal/scheduler"
	"github.com/0gfoundation/0g-compute-ledger/internal/snapshot"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(parseFlags())
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Ledger (restored from the last snapshot) ──────────────────────────────
	policy, err := cfg.Policy()
	if err != nil {
		log.Fatal("invalid fee policy", zap.Error(err))
	}
	l := ledger.New(ledger.Options{
		EscrowTTL: cfg.Ledger.EscrowTTL,
		Treasury:  cfg.Ledger.Treasury,
		Admins:    cfg.Ledger.Admins,
		Policy:    &policy,
	}, log)
	store := snapshot.NewStore(rdb, log)
	if err := restoreLedger(ctx, store, l, cfg.Ledger.Admins, log); err != nil {
		log.Fatal("ledger restore failed", zap.Error(err))
	}

	// ── Audit trail ───────────────────────────────────────────────────────────
	var rec recorder.Recorder = recorder.NewNoopRecorder()
	if cfg.Recorder.DBPath != "" {
		sqlRec, err := recorder.NewSQLiteRecorder(cfg.Recorder.DBPath, log)
		if err != nil {
			log.Fatal("audit db open failed", zap.Error(err))
		}
		rec = sqlRec
	}
	defer rec.Close() //nolint:errcheck

	ctrs := counters.New(rdb, log)

	// ── Scheduler ─────────────────────────────────────────────────────────────
	sched := scheduler.New(ctx, l, store, rec, ctrs, log)
	if err := sched.RegisterAll(scheduler.Specs{
		Sweep:    cfg.Scheduler.SweepCron,
		Snapshot: cfg.Scheduler.SnapshotCron,
		Audit:    cfg.Scheduler.AuditCron,
	}); err != nil {
		log.Fatal("scheduler init failed", zap.Error(err))
	}
	sched.Start()

	// ── Payout worker (optional) ──────────────────────────────────────────────
	var wg sync.WaitGroup
	var queue api.PaymentQueue
	if cfg.PayoutsEnabled() {
		rail, err := chain.NewRail(cfg, log)
		if err != nil {
			log.Fatal("payout rail init failed", zap.Error(err))
		}
		var reporter payout.Reporter
		if cfg.Quota.APIURL != "" {
			reporter = quota.NewClient(cfg.Quota.APIURL, cfg.Quota.AdminKey)
		}
		worker := payout.NewWorker(rdb, l, rail, reporter, rec, ctrs, log)
		if _, _, err := worker.Recover(ctx); err != nil {
			log.Fatal("payout recovery failed", zap.Error(err))
		}
		queue = payout.NewQueue(rdb)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
		log.Info("payouts enabled", zap.String("payer", rail.From().Hex()))
	} else {
		log.Warn("payouts disabled: no RPC_URL / PAYER_PRIVATE_KEY")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())

	h := api.NewHandler(l, api.Options{
		Queue:         queue,
		Sweeper:       sched,
		Counters:      ctrs,
		Recorder:      rec,
		ReceiptDomain: receiptDomain(cfg),
	}, log)
	h.RegisterPublic(r)
	h.Register(r.Group("/api", auth.Middleware(rdb, log)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── gRPC health ───────────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal("gRPC listen failed", zap.Error(err))
	}
	gs := grpc.NewServer()
	healthsrv.Register(gs, healthsrv.New(l))
	go func() {
		log.Info("gRPC health server starting", zap.Int("port", cfg.GRPC.Port))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	gs.GracefulStop()
	sched.Stop()
	wg.Wait()

	if err := store.SaveFrom(shutdownCtx, l); err != nil {
		log.Error("final snapshot failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func parseFlags() *pflag.FlagSet {
	fs := config.Flags("ledgerd")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return fs
}

// restoreLedger loads the last snapshot into l. Configured admins are
// re-granted afterwards so a snapshot cannot lock operators out.
func restoreLedger(ctx context.Context, store *snapshot.Store, l *ledger.Ledger, admins []string, log *zap.Logger) error {
	st, found, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		log.Info("no snapshot found, starting empty")
		return nil
	}
	if err := l.Restore(st); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	for _, a := range admins {
		if err := l.AddAdmin(a); err != nil {
			return err
		}
	}
	if halted, reason := l.Halted(); halted {
		log.Warn("ledger restored in halted state", zap.String("reason", reason))
	}
	return nil
}

// receiptDomain returns the signing domain settlements are checked against,
// or nil when unsigned receipts are accepted.
func receiptDomain(cfg *config.Config) *receipt.Domain {
	if !cfg.Ledger.RequireSignedReceipts {
		return nil
	}
	return &receipt.Domain{
		ChainID:  big.NewInt(cfg.Chain.ChainID),
		Verifier: common.HexToAddress(cfg.Ledger.ReceiptVerifier),
	}
}
