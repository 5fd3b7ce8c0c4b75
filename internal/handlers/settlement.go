package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"launchpad/internal/queue"
	"launchpad/internal/settlement"
)

// settleTimeout bounds a synchronous admin or cron trigger. Settlement keeps its lease
// when cut short and the next sweep resumes it.
const settleTimeout = 10 * time.Minute

// GetEscrowStatus reports the team's token deposit for a presale and activates it once
// custody holds enough tokens. Frontends poll this.
func (h *Handler) GetEscrowStatus(c *gin.Context) {
	status, err := h.settlement.CheckDeposit(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) GetDepositInstructions(c *gin.Context) {
	instructions, err := h.settlement.DepositInstructions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instructions)
}

// ListEscrowTransactions returns the audit trail of custody movements for a presale.
func (h *Handler) ListEscrowTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.GetPresale(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	txs, err := h.store.ListEscrowTransactions(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presale_id": id, "transactions": txs})
}

// SettleRequest is the body of the manual admin triggers.
type SettleRequest struct {
	PresaleID string `json:"presale_id" binding:"required"`
	// Async queues the run for the settlement worker instead of running it in the request.
	Async bool `json:"async"`
}

// ExecuteSuccess manually runs the success path for a presale.
func (h *Handler) ExecuteSuccess(c *gin.Context) {
	h.settle(c, queue.ActionSettleSuccess, func(ctx context.Context, id string) (interface{}, error) {
		return h.settlement.SettleSuccess(ctx, id)
	})
}

// ExecuteRefund manually runs the failure path for a presale.
func (h *Handler) ExecuteRefund(c *gin.Context) {
	h.settle(c, queue.ActionSettleFailure, func(ctx context.Context, id string) (interface{}, error) {
		return h.settlement.SettleFailure(ctx, id)
	})
}

func (h *Handler) settle(c *gin.Context, action queue.Action, run func(context.Context, string) (interface{}, error)) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "presale_id required"})
		return
	}

	if req.Async {
		if h.enqueue == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement queue not configured"})
			return
		}
		cmd := queue.Command{Action: action, PresaleID: req.PresaleID, RequestedBy: "admin-api"}
		if err := h.enqueue(c.Request.Context(), cmd); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "action": action, "presale_id": req.PresaleID})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), settleTimeout)
	defer cancel()
	result, err := run(ctx, req.PresaleID)
	if err != nil {
		log.WithFields(log.Fields{"presale_id": req.PresaleID, "action": action}).Warnf("Manual settlement refused: %v", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetEscrowOverview lists open presales with their expected custody balance, or the
// deposit status of one presale when presale_id is given.
func (h *Handler) GetEscrowOverview(c *gin.Context) {
	if id := c.Query("presale_id"); id != "" {
		status, err := h.settlement.CheckDeposit(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
		return
	}
	overview, err := h.store.EscrowOverview(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow_info": overview})
}

// GetDistributions reports how far token distribution of a presale has progressed.
func (h *Handler) GetDistributions(c *gin.Context) {
	id := c.Query("presale_id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "presale_id required"})
		return
	}
	progress, err := h.store.DistributionProgress(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// CheckPresales runs one settlement sweep over every presale past its deadline.
func (h *Handler) CheckPresales(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), settleTimeout)
	defer cancel()

	result, err := h.sweeper.CheckAndSettleDuePresales(ctx)
	if err != nil {
		log.Errorf("Settlement sweep failed: %v", err)
		code := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		c.JSON(code, gin.H{
			"error":     err.Error(),
			"checked":   0,
			"succeeded": 0,
			"failed":    0,
			"skipped":   0,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": time.Now().UTC(),
		"results":   result,
	})
}

var _ Sweeper = (*settlement.Scheduler)(nil)
var _ Settlement = (*settlement.Engine)(nil)
