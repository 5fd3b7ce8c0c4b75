package settlement

import (
	"context"
	"errors"
	"fmt"

	"launchpad/internal/metrics"
	"launchpad/internal/models"
)

// DepositStatus reports whether the team pre-funded custody with enough presale tokens.
// Token amounts are raw units of the presale mint.
type DepositStatus struct {
	PresaleID       string               `json:"presale_id"`
	TokensDeposited bool                 `json:"tokens_deposited"`
	TokenBalance    uint64               `json:"token_balance"`
	RequiredTokens  uint64               `json:"required_tokens"`
	TokenDecimals   uint8                `json:"token_decimals"`
	USDCRaised      int64                `json:"usdc_raised"`
	ReadyToLaunch   bool                 `json:"ready_to_launch"`
	Status          models.PresaleStatus `json:"status"`
	BalanceError    string               `json:"balance_error,omitempty"`
}

// CheckDeposit verifies the team's token deposit and activates a pending presale once
// custody holds enough tokens. A balance that cannot be read counts as not deposited;
// callers poll again later. Repeated calls are safe.
func (e *Engine) CheckDeposit(ctx context.Context, presaleID string) (*DepositStatus, error) {
	presale, err := e.store.GetPresale(ctx, presaleID)
	if err != nil {
		return nil, err
	}

	status := &DepositStatus{
		PresaleID:     presale.ID,
		TokenDecimals: presale.TokenDecimals,
		USDCRaised:    presale.CurrentRaised,
		Status:        presale.Status,
	}
	if presale.TokenMint == "" {
		status.BalanceError = "presale has no token mint"
		metrics.DepositChecks.WithLabelValues("unavailable").Inc()
		return status, nil
	}
	status.RequiredTokens = RequiredTokenUnits(presale.HardCap, presale.TokenPrice, presale.TokenDecimals)

	custody := e.CustodyAddress()
	if custody == "" {
		status.BalanceError = "custody account not configured"
		metrics.DepositChecks.WithLabelValues("unavailable").Inc()
		return status, nil
	}

	balance, err := e.balances.TokenBalance(ctx, presale.TokenMint, custody)
	if err != nil {
		if errors.Is(err, ErrTokenAccountNotFound) {
			status.BalanceError = "custody token account not found"
		} else {
			status.BalanceError = err.Error()
		}
		e.logger.WithField("presale_id", presale.ID).Warnf("Token deposit check inconclusive: %v", err)
		metrics.DepositChecks.WithLabelValues("unavailable").Inc()
		return status, nil
	}
	status.TokenBalance = balance
	status.TokensDeposited = status.RequiredTokens > 0 && balance >= status.RequiredTokens
	status.ReadyToLaunch = status.TokensDeposited

	if !status.TokensDeposited {
		metrics.DepositChecks.WithLabelValues("short").Inc()
		return status, nil
	}
	metrics.DepositChecks.WithLabelValues("deposited").Inc()

	if presale.Status == models.PresaleStatusPending {
		ok, err := e.store.UpdatePresaleStatus(ctx, presale.ID,
			[]models.PresaleStatus{models.PresaleStatusPending}, models.PresaleStatusActive)
		if err != nil {
			return nil, fmt.Errorf("activate presale %s: %w", presale.ID, err)
		}
		if ok {
			status.Status = models.PresaleStatusActive
			e.logger.WithField("presale_id", presale.ID).Infof("Token deposit verified (%d/%d), presale activated",
				balance, status.RequiredTokens)
			e.publish(Event{
				Type:      EventDepositVerified,
				PresaleID: presale.ID,
				Status:    models.PresaleStatusActive,
				Payload:   status,
				At:        e.cfg.Now(),
			})
		} else if current, err := e.store.GetPresale(ctx, presale.ID); err == nil {
			// Another poller activated it first.
			status.Status = current.Status
		}
	}
	return status, nil
}

// DepositInstructions tells a project team where to send its presale tokens.
type DepositInstructions struct {
	PresaleID      string `json:"presale_id"`
	Address        string `json:"address"`
	TokenMint      string `json:"token_mint"`
	RequiredTokens uint64 `json:"required_tokens"`
	TokenDecimals  uint8  `json:"token_decimals"`
}

func (e *Engine) DepositInstructions(ctx context.Context, presaleID string) (*DepositInstructions, error) {
	presale, err := e.store.GetPresale(ctx, presaleID)
	if err != nil {
		return nil, err
	}
	custody := e.CustodyAddress()
	if custody == "" {
		return nil, ErrSignerUnavailable
	}
	return &DepositInstructions{
		PresaleID:      presale.ID,
		Address:        custody,
		TokenMint:      presale.TokenMint,
		RequiredTokens: RequiredTokenUnits(presale.HardCap, presale.TokenPrice, presale.TokenDecimals),
		TokenDecimals:  presale.TokenDecimals,
	}, nil
}
