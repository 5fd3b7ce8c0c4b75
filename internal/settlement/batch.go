package settlement

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"launchpad/internal/metrics"
	"launchpad/internal/models"
)

// ItemResult is the outcome of one investor-level transfer inside a batch.
type ItemResult struct {
	InvestmentID string `json:"investment_id"`
	Wallet       string `json:"wallet"`
	Amount       uint64 `json:"amount"`
	Receipt      string `json:"receipt,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (r ItemResult) failed() bool { return r.Error != "" }

// BatchReport aggregates per-investment results. Skipped items were already settled
// by an earlier run.
type BatchReport struct {
	Succeeded int          `json:"succeeded"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

// Failures returns only the failed items.
func (b BatchReport) Failures() []ItemResult {
	var out []ItemResult
	for _, item := range b.Items {
		if item.failed() {
			out = append(out, item)
		}
	}
	return out
}

// runBatch applies fn to every investment and never stops on an item failure.
// guard runs before each item; once it fails, or ctx is done, the remaining items are
// reported as failed without being attempted.
func runBatch(ctx context.Context, investments []models.Investment, guard func(context.Context) error, fn func(context.Context, *models.Investment) ItemResult) BatchReport {
	var report BatchReport
	var stop error
	for i := range investments {
		inv := &investments[i]
		if stop == nil {
			if stop = ctx.Err(); stop == nil {
				stop = guard(ctx)
			}
		}
		var res ItemResult
		if stop != nil {
			res = ItemResult{InvestmentID: inv.ID, Wallet: inv.InvestorWallet, Error: stop.Error()}
		} else {
			res = fn(ctx, inv)
		}
		switch {
		case res.failed():
			report.Failed++
		case res.Skipped:
			report.Skipped++
		default:
			report.Succeeded++
		}
		report.Items = append(report.Items, res)
	}
	return report
}

// transfer moves funds out of custody with bounded attempts and linear backoff.
// Exhausting the attempts yields a *TransferError; the caller decides what to surface.
func (e *Engine) transfer(ctx context.Context, kind string, req TransferRequest) (string, error) {
	start := time.Now()
	defer func() {
		metrics.TransferDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= e.cfg.TransferAttempts; attempt++ {
		attempts = attempt
		receipt, err := e.transfers.Transfer(ctx, e.signer, req)
		if err == nil {
			metrics.Transfers.WithLabelValues(kind, "ok").Inc()
			return receipt, nil
		}
		lastErr = err
		e.logger.WithFields(log.Fields{
			"kind":        kind,
			"destination": req.Destination,
			"amount":      req.Amount,
			"attempt":     attempt,
		}).Warnf("Transfer attempt failed: %v", err)

		if attempt == e.cfg.TransferAttempts || !sleepCtx(ctx, time.Duration(attempt)*e.cfg.RetryBackoff) {
			break
		}
	}
	metrics.Transfers.WithLabelValues(kind, "failed").Inc()
	return "", &TransferError{
		Destination: req.Destination,
		Mint:        req.Asset.Mint,
		Amount:      req.Amount,
		Attempts:    attempts,
		Err:         lastErr,
	}
}

// persist retries a ledger write. A transfer that already happened must be recorded,
// otherwise a resumed run would pay it again.
func (e *Engine) persist(ctx context.Context, write func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.TransferAttempts; attempt++ {
		if err = write(ctx); err == nil {
			return nil
		}
		if attempt == e.cfg.TransferAttempts || !sleepCtx(ctx, time.Duration(attempt)*e.cfg.RetryBackoff) {
			break
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
