package settlement

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"launchpad/internal/models"
)

// FailureResult summarises one failure-path run.
type FailureResult struct {
	PresaleID           string               `json:"presale_id"`
	InvestorsRefunded   int                  `json:"investors_refunded"`
	AlreadyRefunded     int                  `json:"already_refunded"`
	Failed              int                  `json:"failed"`
	TokensReturnedToDev bool                 `json:"tokens_returned_to_dev"`
	TokensReturned      uint64               `json:"tokens_returned"`
	ReturnReceipt       string               `json:"return_receipt,omitempty"`
	Completed           bool                 `json:"completed"`
	Status              models.PresaleStatus `json:"status"`
	Failures            []ItemResult         `json:"failures,omitempty"`
}

// SettleFailure refunds every confirmed investor their contribution and returns the
// remaining presale token balance to the team in one transfer. Re-running it skips
// investments that were already refunded.
func (e *Engine) SettleFailure(ctx context.Context, presaleID string) (*FailureResult, error) {
	run, err := e.claim(ctx, presaleID, PathFailure)
	if err != nil {
		return nil, err
	}
	presale := run.presale
	result := &FailureResult{PresaleID: presale.ID}
	run.logger.Infof("Settling failure: raised=%d investors=%d", presale.CurrentRaised, len(presale.Investments))

	report := runBatch(ctx, presale.Investments, run.renew, func(ctx context.Context, inv *models.Investment) ItemResult {
		return e.refund(ctx, run, inv)
	})
	result.InvestorsRefunded = report.Succeeded
	result.AlreadyRefunded = report.Skipped
	result.Failed = report.Failed
	result.Failures = report.Failures()

	returned, receipt, err := e.returnTokens(ctx, run)
	if err != nil {
		run.logger.Errorf("Token return to team failed: %v", err)
	} else {
		result.TokensReturnedToDev = true
		result.TokensReturned = returned
		result.ReturnReceipt = receipt
	}

	done := result.TokensReturnedToDev && report.Failed == 0
	result.Status = run.finish(done, result)
	result.Completed = result.Status == models.PresaleStatusFailed

	run.logger.WithFields(log.Fields{
		"refunded": result.InvestorsRefunded,
		"skipped":  result.AlreadyRefunded,
		"failed":   result.Failed,
		"returned": result.TokensReturned,
	}).Infof("Failure settlement finished with status %s", result.Status)
	return result, nil
}

func (e *Engine) refund(ctx context.Context, run *settlementRun, inv *models.Investment) ItemResult {
	item := ItemResult{InvestmentID: inv.ID, Wallet: inv.InvestorWallet}
	logger := run.logger.WithField("investment_id", inv.ID)

	switch inv.Status {
	case models.InvestmentStatusRefunded:
		item.Skipped = true
		item.Receipt = inv.RefundTxHash
		return item
	case models.InvestmentStatusClaimed:
		item.Error = "investment already received tokens"
		return item
	}
	if inv.Amount <= 0 {
		item.Error = "nothing to refund"
		e.recordInvestmentError(ctx, logger, inv.ID, errors.New(item.Error))
		return item
	}
	item.Amount = uint64(inv.Amount)

	receipt, err := e.transfer(ctx, "refund", TransferRequest{
		Asset:       e.settlementAsset(),
		Amount:      item.Amount,
		Destination: inv.InvestorWallet,
	})
	if err != nil {
		item.Error = err.Error()
		e.recordInvestmentError(ctx, logger, inv.ID, err)
		return item
	}
	item.Receipt = receipt

	record := &models.EscrowTransaction{
		PresaleID:       run.presale.ID,
		InvestmentID:    inv.ID,
		Type:            models.EscrowTxRefund,
		Mint:            e.cfg.SettlementMint,
		Amount:          item.Amount,
		FromWallet:      e.CustodyAddress(),
		ToWallet:        inv.InvestorWallet,
		TransactionHash: receipt,
	}
	if err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.RecordRefund(ctx, inv.ID, record, e.cfg.Now())
	}); err != nil {
		logger.Errorf("Refund %s sent but not recorded: %v", receipt, err)
		item.Error = err.Error()
		return item
	}
	logger.Debugf("Refunded %d to %s: %s", item.Amount, inv.InvestorWallet, receipt)
	return item
}

// returnTokens sends whatever presale token balance custody still holds back to the team.
// A recorded TOKEN_RETURN, a missing mint or an empty balance all count as done.
func (e *Engine) returnTokens(ctx context.Context, run *settlementRun) (uint64, string, error) {
	presale := run.presale
	if presale.TokenMint == "" {
		return 0, "", nil
	}
	existing, err := e.store.FindEscrowTransaction(ctx, presale.ID, models.EscrowTxTokenReturn)
	if err == nil {
		return existing.Amount, existing.TransactionHash, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, "", err
	}

	balance, err := e.balances.TokenBalance(ctx, presale.TokenMint, e.CustodyAddress())
	if errors.Is(err, ErrTokenAccountNotFound) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	if balance == 0 {
		return 0, "", nil
	}
	if err := run.renew(ctx); err != nil {
		return 0, "", err
	}

	receipt, err := e.transfer(ctx, "token_return", TransferRequest{
		Asset:       Asset{Mint: presale.TokenMint, Decimals: presale.TokenDecimals},
		Amount:      balance,
		Destination: presale.TeamWallet,
	})
	if err != nil {
		return 0, "", err
	}

	record := &models.EscrowTransaction{
		PresaleID:       presale.ID,
		Type:            models.EscrowTxTokenReturn,
		Mint:            presale.TokenMint,
		Amount:          balance,
		FromWallet:      e.CustodyAddress(),
		ToWallet:        presale.TeamWallet,
		TransactionHash: receipt,
	}
	if err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.CreateEscrowTransaction(ctx, record)
	}); err != nil {
		run.logger.Errorf("Token return %s sent but not recorded: %v", receipt, err)
		return 0, "", err
	}
	run.logger.Infof("Returned %d tokens to team wallet %s: %s", balance, presale.TeamWallet, receipt)
	return balance, receipt, nil
}
