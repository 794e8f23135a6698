package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/auth"
	"github.com/0gfoundation/0g-compute-ledger/internal/counters"
	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
	"github.com/0gfoundation/0g-compute-ledger/internal/guard"
	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
	"github.com/0gfoundation/0g-compute-ledger/internal/receipt"
	"github.com/0gfoundation/0g-compute-ledger/internal/recorder"
)

// ── Estimation ──────────────────────────────────────────────────────────────

func (h *Handler) handleEstimate(c *gin.Context) {
	var job fees.JobSpec
	if err := c.ShouldBindJSON(&job); err != nil {
		badRequest(c, "invalid job spec")
		return
	}
	if err := guard.Job(job); err != nil {
		h.fail(c, err)
		return
	}
	quote, err := h.ledger.Estimate(job)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.counters.Incr(c.Request.Context(), counters.EstimatesRequested, 1)
	c.JSON(http.StatusOK, quote)
}

func (h *Handler) handleValidateQuote(c *gin.Context) {
	var q fees.CostQuote
	if err := c.ShouldBindJSON(&q); err != nil {
		badRequest(c, "invalid quote")
		return
	}
	if err := h.ledger.ValidateQuote(q); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *Handler) handleGetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Policy())
}

// ── Balances ────────────────────────────────────────────────────────────────

type amountRequest struct {
	Identity string `json:"identity"`
	Amount   uint64 `json:"amount"`
}

func (h *Handler) handleBalance(c *gin.Context) {
	id := auth.Identity(c)
	if q := c.Query("identity"); q != "" {
		if !h.allowed(c, q) {
			forbidden(c)
			return
		}
		id = q
	}
	c.JSON(http.StatusOK, h.ledger.GetBalance(id))
}

// handleDeposit credits the caller. Admins may credit any identity.
func (h *Handler) handleDeposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	id := auth.Identity(c)
	if req.Identity != "" {
		if !h.allowed(c, req.Identity) {
			forbidden(c)
			return
		}
		id = req.Identity
	}
	if err := guard.Amount("amount", req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	bal, err := h.ledger.Deposit(id, req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h *Handler) handleWithdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := guard.Amount("amount", req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	bal, err := h.ledger.Withdraw(auth.Identity(c), req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// ── Escrows ─────────────────────────────────────────────────────────────────

type createEscrowRequest struct {
	JobID  string `json:"job_id"`
	Amount uint64 `json:"amount"`
}

func (h *Handler) handleCreateEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.JobID == "" {
		badRequest(c, "job_id is required")
		return
	}
	if err := guard.Amount("amount", req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	esc, err := h.ledger.CreateEscrow(req.JobID, auth.Identity(c), req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.counters.Incr(c.Request.Context(), counters.EscrowsCreated, 1)
	h.recordEscrow(esc, "created")
	c.JSON(http.StatusCreated, esc)
}

func (h *Handler) handleListEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, h.ledger.ListEscrows(auth.Identity(c), limit))
}

func (h *Handler) handleGetEscrow(c *gin.Context) {
	esc, err := h.ledger.GetEscrow(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.allowed(c, esc.Owner) {
		forbidden(c)
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (h *Handler) handleRefundEscrow(c *gin.Context) {
	esc, err := h.ledger.GetEscrow(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.allowed(c, esc.Owner) {
		forbidden(c)
		return
	}
	esc, err = h.ledger.RefundEscrow(esc.EscrowID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.recordEscrow(esc, "refunded")
	c.JSON(http.StatusOK, esc)
}

func (h *Handler) recordEscrow(esc ledger.EscrowAccount, action string) {
	err := h.recorder.RecordEscrow(&recorder.EscrowEvent{
		EscrowID: esc.EscrowID,
		JobID:    esc.JobID,
		Owner:    esc.Owner,
		Amount:   esc.Amount,
		Action:   action,
	})
	if err != nil {
		h.log.Error("record escrow", zap.String("escrow", esc.EscrowID), zap.Error(err))
	}
}

// ── Settlement ──────────────────────────────────────────────────────────────

type settleRequest struct {
	ReceiptID  string         `json:"receipt_id"`
	JobID      string         `json:"job_id"`
	EscrowID   string         `json:"escrow_id"`
	Worker     string         `json:"worker"`
	ActualCost uint64         `json:"actual_cost"`
	Fees       fees.Breakdown `json:"fees"`
	Signature  string         `json:"signature"` // 0x-prefixed hex
}

func (req settleRequest) receipt() (ledger.Receipt, error) {
	r := ledger.Receipt{
		ReceiptID:  req.ReceiptID,
		JobID:      req.JobID,
		EscrowID:   req.EscrowID,
		Worker:     req.Worker,
		ActualCost: req.ActualCost,
		Fees:       req.Fees,
	}
	if req.Signature != "" {
		sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
		if err != nil {
			return r, receipt.ErrBadSignature
		}
		r.Signature = sig
	}
	return r, nil
}

// handleSettle accepts a receipt from its worker (or an admin).
func (h *Handler) handleSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid receipt")
		return
	}
	r, err := req.receipt()
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := guard.Receipt(r); err != nil {
		h.fail(c, err)
		return
	}
	if !h.allowed(c, r.Worker) {
		forbidden(c)
		return
	}
	if h.domain != nil {
		if err := receipt.Verify(r, *h.domain); err != nil {
			h.counters.Incr(c.Request.Context(), counters.SettlementsRejected, 1)
			h.fail(c, err)
			return
		}
	}

	entry, err := h.ledger.Settle(r)
	if err != nil {
		h.counters.Incr(c.Request.Context(), counters.SettlementsRejected, 1)
		h.fail(c, err)
		return
	}
	h.counters.Incr(c.Request.Context(), counters.SettlementsProcessed, 1)
	if err := h.recorder.RecordSettlement(&recorder.SettlementEvent{
		ReceiptID:    r.ReceiptID,
		SettlementID: entry.SettlementID,
		EscrowID:     r.EscrowID,
		JobID:        r.JobID,
		Worker:       ledger.NormalizeIdentity(r.Worker),
		ActualCost:   r.ActualCost,
		ProtocolFee:  r.Fees.ProtocolFee,
	}); err != nil {
		h.log.Error("record settlement", zap.String("receipt", r.ReceiptID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, entry)
}

// receiptVisible reports whether the caller is the receipt's worker, the
// escrow owner or an admin.
func (h *Handler) receiptVisible(c *gin.Context, r ledger.Receipt) bool {
	owner := ""
	if esc, err := h.ledger.GetEscrow(r.EscrowID); err == nil {
		owner = esc.Owner
	}
	return h.allowed(c, r.Worker, owner)
}

func (h *Handler) handleGetReceipt(c *gin.Context) {
	r, err := h.ledger.GetReceipt(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.receiptVisible(c, r) {
		forbidden(c)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) handleListReceipts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, h.ledger.ListReceipts(auth.Identity(c), limit))
}

func (h *Handler) handleIntegrity(c *gin.Context) {
	r, err := h.ledger.GetReceipt(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.receiptVisible(c, r) {
		forbidden(c)
		return
	}
	ok, err := h.ledger.VerifySettlementIntegrity(r.ReceiptID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt_id": r.ReceiptID, "consistent": ok})
}

// ── Payments ────────────────────────────────────────────────────────────────

type paymentRequest struct {
	Tier        string `json:"tier"`
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
	Memo        string `json:"memo"`
}

// handleRequestPayment records a pending payment for the caller and hands
// it to the payout worker.
func (h *Handler) handleRequestPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := guard.Amount("amount", req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	tx, err := h.ledger.RequestPayment(ledger.PaymentRequest{
		Identity:    auth.Identity(c),
		Tier:        req.Tier,
		Destination: req.Destination,
		Amount:      req.Amount,
		Memo:        req.Memo,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.counters.Incr(c.Request.Context(), counters.PaymentsRequested, 1)
	if h.queue != nil {
		// A pending payment missing from the queue is re-enqueued at startup.
		if err := h.queue.Enqueue(c.Request.Context(), tx.ID); err != nil {
			h.log.Error("enqueue payment", zap.String("tx", tx.ID), zap.Error(err))
		}
	}
	c.JSON(http.StatusAccepted, tx)
}

func (h *Handler) handleGetPayment(c *gin.Context) {
	tx, err := h.ledger.GetPayment(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.allowed(c, tx.Identity) {
		forbidden(c)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// handleListPayments lists the caller's payments; admins may pass all=true.
func (h *Handler) handleListPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	id := auth.Identity(c)
	if c.Query("all") == "true" {
		if !h.ledger.IsAdmin(id) {
			forbidden(c)
			return
		}
		id = ""
	}
	c.JSON(http.StatusOK, h.ledger.ListPayments(id, limit))
}
