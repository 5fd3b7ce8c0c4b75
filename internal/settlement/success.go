package settlement

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"launchpad/internal/models"
)

// SuccessResult summarises one success-path run. Amounts are raw units of their asset.
type SuccessResult struct {
	PresaleID          string               `json:"presale_id"`
	USDCReleased       bool                 `json:"usdc_released"`
	ReleaseReceipt     string               `json:"release_receipt,omitempty"`
	FeeAmount          int64                `json:"fee_amount"`
	PayoutAmount       int64                `json:"payout_amount"`
	TokensDistributed  int                  `json:"tokens_distributed"`
	AlreadyDistributed int                  `json:"already_distributed"`
	Failed             int                  `json:"failed"`
	Completed          bool                 `json:"completed"`
	Status             models.PresaleStatus `json:"status"`
	Failures           []ItemResult         `json:"failures,omitempty"`
}

// SettleSuccess releases the raised USDC (minus the platform fee) to the team and
// distributes presale tokens to every confirmed investor. It is resumable: the team
// release and each distribution happen at most once across runs.
func (e *Engine) SettleSuccess(ctx context.Context, presaleID string) (*SuccessResult, error) {
	run, err := e.claim(ctx, presaleID, PathSuccess)
	if err != nil {
		return nil, err
	}
	presale := run.presale

	fee, payout := PlatformFee(presale.CurrentRaised, e.cfg.FeeBps)
	result := &SuccessResult{
		PresaleID:    presale.ID,
		FeeAmount:    fee,
		PayoutAmount: payout,
	}
	run.logger.Infof("Settling success: raised=%d fee=%d payout=%d investors=%d",
		presale.CurrentRaised, fee, payout, len(presale.Investments))

	receipt, err := e.releaseToTeam(ctx, run, payout)
	if err != nil {
		run.logger.Errorf("Team release failed: %v", err)
	} else {
		result.USDCReleased = true
		result.ReleaseReceipt = receipt
	}

	report := runBatch(ctx, presale.Investments, run.renew, func(ctx context.Context, inv *models.Investment) ItemResult {
		return e.distribute(ctx, run, inv)
	})
	result.TokensDistributed = report.Succeeded
	result.AlreadyDistributed = report.Skipped
	result.Failed = report.Failed
	result.Failures = report.Failures()

	done := result.USDCReleased && report.Failed == 0
	result.Status = run.finish(done, result)
	result.Completed = result.Status == models.PresaleStatusCompleted

	run.logger.WithFields(log.Fields{
		"distributed": result.TokensDistributed,
		"skipped":     result.AlreadyDistributed,
		"failed":      result.Failed,
	}).Infof("Success settlement finished with status %s", result.Status)
	return result, nil
}

// releaseToTeam pays the team once. An existing RELEASE record short-circuits the transfer.
func (e *Engine) releaseToTeam(ctx context.Context, run *settlementRun, payout int64) (string, error) {
	presale := run.presale
	existing, err := e.store.FindEscrowTransaction(ctx, presale.ID, models.EscrowTxRelease)
	if err == nil {
		return existing.TransactionHash, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	// A zero payout is still recorded so the run can complete.
	var receipt string
	if payout > 0 {
		if err := run.renew(ctx); err != nil {
			return "", err
		}
		receipt, err = e.transfer(ctx, "release", TransferRequest{
			Asset:       e.settlementAsset(),
			Amount:      uint64(payout),
			Destination: presale.TeamWallet,
		})
		if err != nil {
			return "", err
		}
	}

	record := &models.EscrowTransaction{
		PresaleID:       presale.ID,
		Type:            models.EscrowTxRelease,
		Mint:            e.cfg.SettlementMint,
		Amount:          uint64(payout),
		FromWallet:      e.CustodyAddress(),
		ToWallet:        presale.TeamWallet,
		TransactionHash: receipt,
	}
	if err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.CreateEscrowTransaction(ctx, record)
	}); err != nil {
		run.logger.Errorf("Team release %s sent but not recorded: %v", receipt, err)
		return "", err
	}
	run.logger.Infof("Released %d to team wallet %s: %s", payout, presale.TeamWallet, receipt)
	return receipt, nil
}

func (e *Engine) distribute(ctx context.Context, run *settlementRun, inv *models.Investment) ItemResult {
	presale := run.presale
	item := ItemResult{InvestmentID: inv.ID, Wallet: inv.InvestorWallet}
	logger := run.logger.WithField("investment_id", inv.ID)

	if inv.Status == models.InvestmentStatusRefunded {
		item.Error = "investment was refunded"
		return item
	}

	dist, err := e.store.FindTokenDistribution(ctx, inv.ID)
	switch {
	case err == nil:
		item.Skipped = true
		item.Amount = dist.TokenAmount
		item.Receipt = dist.TransactionHash
		if inv.Status != models.InvestmentStatusClaimed {
			// Distribution recorded but the status write was lost.
			at := e.cfg.Now()
			if err := e.store.UpdateInvestment(ctx, inv.ID, InvestmentUpdate{
				Status:      models.InvestmentStatusClaimed,
				ClaimTxHash: dist.TransactionHash,
				ClaimedAt:   &at,
			}); err != nil {
				logger.Warnf("Failed to reconcile claimed status: %v", err)
			}
		}
		return item
	case !errors.Is(err, ErrNotFound):
		item.Error = err.Error()
		return item
	}

	amount, err := TokenAllocation(inv.Amount, presale.TokenPrice, presale.TokenDecimals)
	if err != nil {
		item.Error = err.Error()
		e.recordInvestmentError(ctx, logger, inv.ID, err)
		return item
	}
	item.Amount = amount
	if amount == 0 {
		item.Error = "token allocation is zero"
		e.recordInvestmentError(ctx, logger, inv.ID, errors.New(item.Error))
		return item
	}

	receipt, err := e.transfer(ctx, "distribution", TransferRequest{
		Asset:       Asset{Mint: presale.TokenMint, Decimals: presale.TokenDecimals},
		Amount:      amount,
		Destination: inv.InvestorWallet,
	})
	if err != nil {
		item.Error = err.Error()
		e.recordInvestmentError(ctx, logger, inv.ID, err)
		return item
	}
	item.Receipt = receipt

	record := &models.TokenDistribution{
		InvestmentID:    inv.ID,
		TokenAmount:     amount,
		TransactionHash: receipt,
	}
	if err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.RecordClaim(ctx, inv.ID, record, e.cfg.Now())
	}); err != nil {
		logger.Errorf("Distribution %s sent but not recorded: %v", receipt, err)
		item.Error = err.Error()
		return item
	}
	logger.Debugf("Distributed %d tokens to %s: %s", amount, inv.InvestorWallet, receipt)
	return item
}

func (e *Engine) recordInvestmentError(ctx context.Context, logger *log.Entry, investmentID string, cause error) {
	msg := cause.Error()
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := e.store.UpdateInvestment(ctx, investmentID, InvestmentUpdate{LastError: &msg}); err != nil {
		logger.Warnf("Failed to record investment error: %v", err)
	}
}
