package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"launchpad/internal/models"
	"launchpad/internal/payments"
	"launchpad/internal/store"
)

// PresaleResp adds derived progress fields to a presale.
type PresaleResp struct {
	models.Presale
	EffectiveSoftCap int64   `json:"effective_soft_cap"`
	Progress         float64 `json:"progress"` // percent of hard cap raised
}

func presaleResp(p models.Presale) PresaleResp {
	resp := PresaleResp{Presale: p, EffectiveSoftCap: p.EffectiveSoftCap()}
	if p.HardCap > 0 {
		resp.Progress = float64(p.CurrentRaised) * 100 / float64(p.HardCap)
	}
	return resp
}

// ListPresales returns presales filtered by status.
// Query parameters: status (comma-separated), page (default 1), limit (default 12, max 100)
func (h *Handler) ListPresales(c *gin.Context) {
	filter := store.PresaleFilter{Page: 1, Limit: 12}
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	for _, s := range strings.Split(c.Query("status"), ",") {
		if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
			filter.Statuses = append(filter.Statuses, models.PresaleStatus(s))
		}
	}

	presales, total, err := h.store.ListPresales(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]PresaleResp, len(presales))
	for i := range presales {
		items[i] = presaleResp(presales[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"presales": items,
		"pagination": gin.H{
			"page":        filter.Page,
			"limit":       filter.Limit,
			"total":       total,
			"total_pages": (total + int64(filter.Limit) - 1) / int64(filter.Limit),
		},
	})
}

func (h *Handler) GetPresale(c *gin.Context) {
	presale, err := h.store.GetPresale(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, presaleResp(*presale))
}

// CreatePresale lists a new presale. Without a transaction_hash it answers 402 with
// the creation fee instructions; with one it verifies the fee and stores the presale.
func (h *Handler) CreatePresale(c *gin.Context) {
	var draft payments.PresaleDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if draft.TransactionHash == "" {
		required, err := h.payments.InitiateCreation(c.Request.Context(), draft)
		if err != nil {
			respondError(c, err)
			return
		}
		paymentRequired(c, required)
		return
	}

	presale, err := h.payments.CompleteCreation(c.Request.Context(), draft)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"presale": presaleResp(*presale),
		"message": "Presale created. Deposit tokens to activate it.",
	})
}

// GetStats returns platform-wide totals.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
