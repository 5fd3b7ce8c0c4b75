package store

import (
	"context"
	"time"

	"launchpad/internal/models"
)

// PlatformStats is the public landing-page summary.
type PlatformStats struct {
	TotalRaised       int64 `json:"total_raised"`
	Investors         int64 `json:"investors"`
	ActivePresales    int64 `json:"active_presales"`
	CompletedPresales int64 `json:"completed_presales"`
	FailedPresales    int64 `json:"failed_presales"`
	TotalPresales     int64 `json:"total_presales"`
	SuccessRate       int   `json:"success_rate"` // percent of finished presales that completed
}

func (s *Store) Stats(ctx context.Context) (*PlatformStats, error) {
	db := s.db.WithContext(ctx)
	var stats PlatformStats

	if err := db.Model(&models.Presale{}).Select("COALESCE(SUM(current_raised), 0)").Scan(&stats.TotalRaised).Error; err != nil {
		return nil, err
	}
	err := db.Model(&models.Investment{}).
		Where("status IN ?", []models.InvestmentStatus{models.InvestmentStatusConfirmed, models.InvestmentStatusClaimed}).
		Distinct("investor_wallet").
		Count(&stats.Investors).Error
	if err != nil {
		return nil, err
	}

	type statusCount struct {
		Status models.PresaleStatus
		Total  int64
	}
	var counts []statusCount
	if err := db.Model(&models.Presale{}).Select("status, COUNT(*) AS total").Group("status").Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.TotalPresales += c.Total
		switch c.Status {
		case models.PresaleStatusActive:
			stats.ActivePresales = c.Total
		case models.PresaleStatusCompleted:
			stats.CompletedPresales = c.Total
		case models.PresaleStatusFailed:
			stats.FailedPresales = c.Total
		}
	}
	if finished := stats.CompletedPresales + stats.FailedPresales; finished > 0 {
		stats.SuccessRate = int((stats.CompletedPresales*100 + finished/2) / finished)
	}
	return &stats, nil
}

// EscrowSummary compares what custody should hold for an open presale with its ledger.
type EscrowSummary struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Status          models.PresaleStatus `json:"status"`
	ExpectedBalance int64                `json:"expected_balance"`
	CurrentRaised   int64                `json:"current_raised"`
	InvestorCount   int                  `json:"investor_count"`
}

// EscrowOverview lists open presales with the sum of their confirmed investments.
func (s *Store) EscrowOverview(ctx context.Context) ([]EscrowSummary, error) {
	db := s.db.WithContext(ctx)

	var presales []models.Presale
	err := db.Where("status IN ?", []models.PresaleStatus{
		models.PresaleStatusActive,
		models.PresaleStatusFunded,
		models.PresaleStatusSettlingSuccess,
		models.PresaleStatusSettlingFailure,
	}).Order("end_date ASC").Find(&presales).Error
	if err != nil || len(presales) == 0 {
		return []EscrowSummary{}, err
	}

	ids := make([]string, len(presales))
	for i, p := range presales {
		ids[i] = p.ID
	}
	type sumRow struct {
		PresaleID string
		Total     int64
	}
	var sums []sumRow
	err = db.Model(&models.Investment{}).
		Select("presale_id, COALESCE(SUM(amount), 0) AS total").
		Where("presale_id IN ? AND status = ?", ids, models.InvestmentStatusConfirmed).
		Group("presale_id").
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}
	expected := make(map[string]int64, len(sums))
	for _, row := range sums {
		expected[row.PresaleID] = row.Total
	}

	out := make([]EscrowSummary, len(presales))
	for i, p := range presales {
		out[i] = EscrowSummary{
			ID:              p.ID,
			Name:            p.Name,
			Status:          p.Status,
			ExpectedBalance: expected[p.ID],
			CurrentRaised:   p.CurrentRaised,
			InvestorCount:   p.InvestorCount,
		}
	}
	return out, nil
}

// DistributionRecord is one investor's token delivery.
type DistributionRecord struct {
	InvestmentID    string    `json:"investment_id"`
	InvestorWallet  string    `json:"investor_wallet"`
	InvestedAmount  int64     `json:"invested_amount"`
	TokensReceived  uint64    `json:"tokens_received"`
	TransactionHash string    `json:"transaction_hash"`
	DistributedAt   time.Time `json:"distributed_at"`
}

// DistributionProgress reports how many paid investors of a presale received tokens.
type DistributionProgress struct {
	PresaleID      string               `json:"presale_id"`
	TotalInvestors int64                `json:"total_investors"`
	Distributed    int64                `json:"distributed"`
	Pending        int64                `json:"pending"`
	Distributions  []DistributionRecord `json:"distributions"`
}

func (s *Store) DistributionProgress(ctx context.Context, presaleID string) (*DistributionProgress, error) {
	if err := s.ensurePresale(ctx, presaleID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var dists []models.TokenDistribution
	err := db.Model(&models.TokenDistribution{}).
		Select("token_distributions.*").
		Joins("JOIN investments ON investments.id = token_distributions.investment_id").
		Where("investments.presale_id = ?", presaleID).
		Order("token_distributions.id ASC").
		Find(&dists).Error
	if err != nil {
		return nil, err
	}

	var investments []models.Investment
	err = db.Where("presale_id = ? AND status IN ?", presaleID, []models.InvestmentStatus{
		models.InvestmentStatusConfirmed,
		models.InvestmentStatusClaimed,
	}).Find(&investments).Error
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Investment, len(investments))
	for _, inv := range investments {
		byID[inv.ID] = inv
	}

	progress := &DistributionProgress{
		PresaleID:      presaleID,
		TotalInvestors: int64(len(investments)),
		Distributed:    int64(len(dists)),
		Distributions:  make([]DistributionRecord, 0, len(dists)),
	}
	for _, d := range dists {
		inv := byID[d.InvestmentID]
		progress.Distributions = append(progress.Distributions, DistributionRecord{
			InvestmentID:    d.InvestmentID,
			InvestorWallet:  inv.InvestorWallet,
			InvestedAmount:  inv.Amount,
			TokensReceived:  d.TokenAmount,
			TransactionHash: d.TransactionHash,
			DistributedAt:   d.CreatedAt,
		})
	}
	if pending := progress.TotalInvestors - progress.Distributed; pending > 0 {
		progress.Pending = pending
	}
	return progress, nil
}
