package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"launchpad/internal/payments"
)

// Invest runs both halves of the 402 flow on one route: a request without
// transaction_hash reserves the investment and answers 402 with payment instructions,
// a request carrying one confirms the payment.
func (h *Handler) Invest(c *gin.Context) {
	var peek struct {
		TransactionHash string `json:"transaction_hash"`
	}
	if err := c.ShouldBindBodyWith(&peek, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	presaleID := c.Param("id")

	if peek.TransactionHash == "" {
		var req payments.InvestRequest
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		required, err := h.payments.Initiate(c.Request.Context(), presaleID, req)
		if err != nil {
			respondError(c, err)
			return
		}
		paymentRequired(c, required)
		return
	}

	var req payments.ConfirmRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.payments.Confirm(c.Request.Context(), presaleID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	message := "Investment confirmed"
	if result.Duplicate {
		message = "Payment already applied"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"message":        message,
		"investment":     result.Investment,
		"duplicate":      result.Duplicate,
		"presale_status": result.Presale.Status,
		"current_raised": result.Presale.CurrentRaised,
	})
}
