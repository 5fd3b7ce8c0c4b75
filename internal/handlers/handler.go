package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"launchpad/internal/models"
	"launchpad/internal/payments"
	"launchpad/internal/queue"
	"launchpad/internal/settlement"
	"launchpad/internal/store"
)

// PresaleStore is the read side of the ledger the API serves.
type PresaleStore interface {
	GetPresale(ctx context.Context, id string) (*models.Presale, error)
	ListPresales(ctx context.Context, filter store.PresaleFilter) ([]models.Presale, int64, error)
	ListEscrowTransactions(ctx context.Context, presaleID string) ([]models.EscrowTransaction, error)
	Stats(ctx context.Context) (*store.PlatformStats, error)
	EscrowOverview(ctx context.Context) ([]store.EscrowSummary, error)
	DistributionProgress(ctx context.Context, presaleID string) (*store.DistributionProgress, error)
}

// PaymentFlow is implemented by *payments.Service.
type PaymentFlow interface {
	Initiate(ctx context.Context, presaleID string, req payments.InvestRequest) (*payments.PaymentRequired, error)
	Confirm(ctx context.Context, presaleID string, req payments.ConfirmRequest) (*payments.ConfirmResult, error)
	InitiateCreation(ctx context.Context, d payments.PresaleDraft) (*payments.PaymentRequired, error)
	CompleteCreation(ctx context.Context, d payments.PresaleDraft) (*models.Presale, error)
}

// Settlement is implemented by *settlement.Engine.
type Settlement interface {
	CheckDeposit(ctx context.Context, presaleID string) (*settlement.DepositStatus, error)
	DepositInstructions(ctx context.Context, presaleID string) (*settlement.DepositInstructions, error)
	SettleSuccess(ctx context.Context, presaleID string) (*settlement.SuccessResult, error)
	SettleFailure(ctx context.Context, presaleID string) (*settlement.FailureResult, error)
}

// Sweeper is implemented by *settlement.Scheduler.
type Sweeper interface {
	CheckAndSettleDuePresales(ctx context.Context) (*settlement.SweepResult, error)
}

// Enqueuer hands a command to the settlement worker.
type Enqueuer func(ctx context.Context, cmd queue.Command) error

type Handler struct {
	store      PresaleStore
	payments   PaymentFlow
	settlement Settlement
	sweeper    Sweeper
	enqueue    Enqueuer
}

func New(store PresaleStore, payments PaymentFlow, settlement Settlement, sweeper Sweeper) *Handler {
	return &Handler{
		store:      store,
		payments:   payments,
		settlement: settlement,
		sweeper:    sweeper,
	}
}

// SetEnqueuer enables asynchronous admin triggers through the worker queue.
func (h *Handler) SetEnqueuer(fn Enqueuer) {
	h.enqueue = fn
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrInvalidState),
		errors.Is(err, settlement.ErrSettlementInProgress),
		errors.Is(err, payments.ErrNothingPending),
		errors.Is(err, payments.ErrHardCapExceeded),
		errors.Is(err, payments.ErrPresaleClosed):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrSignerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, payments.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrPaymentNotVerified):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.WithField("path", c.FullPath()).Errorf("Request failed: %v", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func paymentRequired(c *gin.Context, p *payments.PaymentRequired) {
	for k, v := range p.Headers() {
		c.Header(k, v)
	}
	c.JSON(http.StatusPaymentRequired, p)
}
