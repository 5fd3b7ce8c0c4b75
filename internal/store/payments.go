package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"launchpad/internal/models"
	"launchpad/internal/payments"
)

// PresaleFilter selects presales for listing. Empty Statuses means every status.
type PresaleFilter struct {
	Statuses []models.PresaleStatus
	Page     int
	Limit    int
}

func (s *Store) CreatePresale(ctx context.Context, presale *models.Presale) error {
	return s.db.WithContext(ctx).Create(presale).Error
}

// CreatePresaleWithFee stores a new presale together with its creation fee record.
func (s *Store) CreatePresaleWithFee(ctx context.Context, presale *models.Presale, fee *models.EscrowTransaction) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(presale).Error; err != nil {
			return err
		}
		fee.PresaleID = presale.ID
		return tx.Create(fee).Error
	})
}

func (s *Store) ListPresales(ctx context.Context, filter PresaleFilter) ([]models.Presale, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 || filter.Limit > 100 {
		filter.Limit = 12
	}

	query := s.db.WithContext(ctx).Model(&models.Presale{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var presales []models.Presale
	err := query.Order("created_at DESC").
		Offset((filter.Page - 1) * filter.Limit).
		Limit(filter.Limit).
		Find(&presales).Error
	return presales, total, err
}

func (s *Store) FindInvestment(ctx context.Context, presaleID, wallet string) (*models.Investment, error) {
	var inv models.Investment
	err := s.db.WithContext(ctx).
		Where("presale_id = ? AND investor_wallet = ?", presaleID, wallet).
		First(&inv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

// ReserveInvestment records amount as the wallet's pending top-up. A wallet keeps one
// investment row per presale; a new reservation replaces an unpaid one.
func (s *Store) ReserveInvestment(ctx context.Context, presaleID, wallet string, amount int64) (*models.Investment, error) {
	inv := &models.Investment{
		PresaleID:      presaleID,
		InvestorWallet: wallet,
		PendingAmount:  amount,
		Status:         models.InvestmentStatusPending,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "presale_id"}, {Name: "investor_wallet"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"pending_amount": amount}),
	}).Create(inv).Error
	if err != nil {
		return nil, err
	}
	return s.FindInvestment(ctx, presaleID, wallet)
}

// ConfirmInvestment applies a verified payment: the pending amount moves into Amount,
// the presale's raise grows and a DEPOSIT record is written, all in one transaction.
// Payments reaching a closed presale or a settled investment are refused with
// payments.ErrPresaleClosed.
func (s *Store) ConfirmInvestment(ctx context.Context, c payments.Confirmation) (*payments.ConfirmResult, error) {
	var result payments.ConfirmResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var presale models.Presale
		if err := lockForUpdate(tx).First(&presale, "id = ?", c.PresaleID).Error; err != nil {
			return notFound(err)
		}
		var inv models.Investment
		err := lockForUpdate(tx).
			Where("presale_id = ? AND investor_wallet = ?", c.PresaleID, c.Wallet).
			First(&inv).Error
		if err != nil {
			return notFound(err)
		}

		if inv.PaymentTxHash == c.TransactionHash {
			result = payments.ConfirmResult{Investment: inv, Presale: presale, Duplicate: true}
			return nil
		}
		if err := payments.CheckOpen(&presale, &inv, c.Now); err != nil {
			return err
		}
		if inv.PendingAmount <= 0 || inv.PendingAmount != c.Amount {
			return payments.ErrNothingPending
		}
		if presale.CurrentRaised+c.Amount > presale.HardCap {
			return fmt.Errorf("%w: %d raised of %d", payments.ErrHardCapExceeded, presale.CurrentRaised, presale.HardCap)
		}

		newInvestor := inv.Amount == 0
		if err := tx.Model(&inv).Updates(map[string]interface{}{
			"amount":          gorm.Expr("amount + ?", c.Amount),
			"pending_amount":  0,
			"status":          models.InvestmentStatusConfirmed,
			"payment_tx_hash": c.TransactionHash,
			"payment_id":      c.PaymentID,
		}).Error; err != nil {
			return err
		}

		presaleUpdates := map[string]interface{}{
			"current_raised": gorm.Expr("current_raised + ?", c.Amount),
		}
		if newInvestor {
			presaleUpdates["investor_count"] = gorm.Expr("investor_count + 1")
		}
		if err := tx.Model(&presale).Updates(presaleUpdates).Error; err != nil {
			return err
		}

		deposit := &models.EscrowTransaction{
			PresaleID:       c.PresaleID,
			InvestmentID:    inv.ID,
			Type:            models.EscrowTxDeposit,
			Mint:            c.Mint,
			Amount:          uint64(c.Amount),
			FromWallet:      c.Wallet,
			ToWallet:        c.Custody,
			TransactionHash: c.TransactionHash,
		}
		if err := tx.Create(deposit).Error; err != nil {
			return err
		}

		if err := tx.First(&inv, "id = ?", inv.ID).Error; err != nil {
			return err
		}
		if err := tx.First(&presale, "id = ?", presale.ID).Error; err != nil {
			return err
		}
		result = payments.ConfirmResult{Investment: inv, Presale: presale}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
