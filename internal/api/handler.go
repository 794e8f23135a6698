// Package api is the HTTP surface of the ledger.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/auth"
	"github.com/0gfoundation/0g-compute-ledger/internal/counters"
	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
	"github.com/0gfoundation/0g-compute-ledger/internal/receipt"
	"github.com/0gfoundation/0g-compute-ledger/internal/recorder"
)

// PaymentQueue schedules a pending payment for the payout worker.
type PaymentQueue interface {
	Enqueue(ctx context.Context, txID string) error
}

// Sweeper refunds expired escrows on demand.
type Sweeper interface {
	RunSweepNow() ([]string, error)
}

// Options configures optional collaborators. Nil fields are skipped.
type Options struct {
	Queue    PaymentQueue
	Sweeper  Sweeper
	Counters *counters.Counters
	Recorder recorder.Recorder

	// When set, settlements must carry a worker signature over this domain.
	ReceiptDomain *receipt.Domain
}

// Handler wires up all ledger routes onto a Gin engine.
type Handler struct {
	ledger   *ledger.Ledger
	queue    PaymentQueue
	sweeper  Sweeper
	counters *counters.Counters
	recorder recorder.Recorder
	domain   *receipt.Domain
	log      *zap.Logger
}

func NewHandler(l *ledger.Ledger, opts Options, log *zap.Logger) *Handler {
	rec := opts.Recorder
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Handler{
		ledger:   l,
		queue:    opts.Queue,
		sweeper:  opts.Sweeper,
		counters: opts.Counters,
		recorder: rec,
		domain:   opts.ReceiptDomain,
		log:      log,
	}
}

// RegisterPublic mounts the unauthenticated health routes.
func (h *Handler) RegisterPublic(r gin.IRoutes) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/health", h.handleHealth)
}

// Register mounts all ledger routes. auth.Middleware should already be
// applied to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Estimation ─────────────────────────────────────────────────────────
	rg.POST("/estimate", h.handleEstimate)
	rg.POST("/quotes/validate", h.handleValidateQuote)
	rg.GET("/policy", h.handleGetPolicy)

	// ── Balances ───────────────────────────────────────────────────────────
	rg.GET("/balance", h.handleBalance)
	rg.POST("/deposit", h.handleDeposit)
	rg.POST("/withdraw", h.handleWithdraw)

	// ── Escrows ────────────────────────────────────────────────────────────
	rg.POST("/escrows", h.handleCreateEscrow)
	rg.GET("/escrows", h.handleListEscrows)
	rg.GET("/escrows/:id", h.handleGetEscrow)
	rg.POST("/escrows/:id/refund", h.handleRefundEscrow)

	// ── Settlement ─────────────────────────────────────────────────────────
	rg.POST("/settlements", h.handleSettle)
	rg.GET("/receipts", h.handleListReceipts)
	rg.GET("/receipts/:id", h.handleGetReceipt)
	rg.GET("/receipts/:id/integrity", h.handleIntegrity)

	// ── Payments ───────────────────────────────────────────────────────────
	rg.POST("/payments", h.handleRequestPayment)
	rg.GET("/payments", h.handleListPayments)
	rg.GET("/payments/:id", h.handleGetPayment)

	// ── Administration ─────────────────────────────────────────────────────
	admin := rg.Group("", auth.RequireAdmin(h.ledger))
	admin.PUT("/policy", h.handleUpdatePolicy)
	admin.GET("/admins", h.handleListAdmins)
	admin.POST("/admins", h.handleAddAdmin)
	admin.DELETE("/admins/:identity", h.handleRemoveAdmin)
	admin.GET("/payments/stats", h.handlePaymentStats)
	admin.POST("/payments/:id/resolve", h.handleResolvePayment)
	admin.POST("/ledger/resume", h.handleResume)
	admin.POST("/escrows/sweep", h.handleSweep)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// allowed reports whether the caller is one of ids or an admin.
func (h *Handler) allowed(c *gin.Context, ids ...string) bool {
	caller := auth.Identity(c)
	for _, id := range ids {
		if id != "" && ledger.NormalizeIdentity(id) == caller {
			return true
		}
	}
	return h.ledger.IsAdmin(caller)
}

func forbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// fail maps a ledger error onto an HTTP response.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	case http.StatusBadGateway:
		h.log.Error("upstream failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) handleHealth(c *gin.Context) {
	health := h.ledger.Health()
	status := http.StatusOK
	if health.Halted {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}
