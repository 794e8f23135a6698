package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/auth"
	"github.com/0gfoundation/0g-compute-ledger/internal/fees"
	"github.com/0gfoundation/0g-compute-ledger/internal/recorder"
)

// handleUpdatePolicy replaces the fee policy. Open escrows keep the policy
// they were created under.
func (h *Handler) handleUpdatePolicy(c *gin.Context) {
	var p fees.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid policy")
		return
	}
	updated, err := h.ledger.UpdatePolicy(p)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("fee policy updated",
		zap.String("by", auth.Identity(c)),
		zap.Uint64("version", updated.Version),
	)
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) handleListAdmins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"admins": h.ledger.ListAdmins()})
}

func (h *Handler) handleAddAdmin(c *gin.Context) {
	var req struct {
		Identity string `json:"identity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Identity == "" {
		badRequest(c, "identity is required")
		return
	}
	if err := h.ledger.AddAdmin(req.Identity); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admins": h.ledger.ListAdmins()})
}

func (h *Handler) handleRemoveAdmin(c *gin.Context) {
	if err := h.ledger.RemoveAdmin(c.Param("identity")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admins": h.ledger.ListAdmins()})
}

func (h *Handler) handlePaymentStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.PaymentStats())
}

// handleResolvePayment settles a payment flagged for reconciliation once an
// operator has checked the rail.
func (h *Handler) handleResolvePayment(c *gin.Context) {
	var req struct {
		Transferred *bool  `json:"transferred"`
		Reference   string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Transferred == nil {
		badRequest(c, "transferred is required")
		return
	}
	tx, err := h.ledger.ResolvePayment(c.Param("id"), *req.Transferred, req.Reference, auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.recorder.RecordPayment(&recorder.PaymentEvent{
		TxID:      tx.ID,
		Identity:  tx.Identity,
		Amount:    tx.Amount,
		Status:    string(tx.Status),
		Reference: tx.Reference,
		Error:     tx.Error,
	}); err != nil {
		h.log.Error("record payment", zap.String("tx", tx.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, tx)
}

// handleResume clears a reconciliation halt.
func (h *Handler) handleResume(c *gin.Context) {
	_, reason := h.ledger.Halted()
	resumed := h.ledger.Resume(auth.Identity(c))
	c.JSON(http.StatusOK, gin.H{"resumed": resumed, "reason": reason})
}

func (h *Handler) handleSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper not configured"})
		return
	}
	ids, err := h.sweeper.RunSweepNow()
	if err != nil {
		h.fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"swept": ids})
}
