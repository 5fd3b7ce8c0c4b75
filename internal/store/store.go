package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"launchpad/internal/models"
	"launchpad/internal/settlement"
)

// paidStatuses are the investment states that carry settled or settleable money.
var paidStatuses = []models.InvestmentStatus{
	models.InvestmentStatusConfirmed,
	models.InvestmentStatusClaimed,
	models.InvestmentStatusRefunded,
}

// Store is the gorm-backed ledger.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for callers that need raw queries (health checks, tests).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AutoMigrate creates or updates the ledger tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(models.All()...)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settlement.ErrNotFound
	}
	return err
}

func (s *Store) GetPresale(ctx context.Context, id string) (*models.Presale, error) {
	var presale models.Presale
	err := s.db.WithContext(ctx).
		Preload("Investments", func(db *gorm.DB) *gorm.DB {
			return db.Where("status IN ?", paidStatuses).Order("created_at ASC, id ASC")
		}).
		First(&presale, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &presale, nil
}

func (s *Store) ListDuePresales(ctx context.Context, now time.Time, statuses []models.PresaleStatus) ([]models.Presale, error) {
	var presales []models.Presale
	err := s.db.WithContext(ctx).
		Where("end_date <= ? AND status IN ?", now, statuses).
		Order("end_date ASC").
		Find(&presales).Error
	return presales, err
}

func (s *Store) UpdatePresaleStatus(ctx context.Context, id string, from []models.PresaleStatus, to models.PresaleStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Presale{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, s.ensurePresale(ctx, id)
	}
	return true, nil
}

func (s *Store) ClaimSettlement(ctx context.Context, claim settlement.SettlementClaim) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Presale{}).
		Where("id = ? AND status IN ?", claim.PresaleID, claim.From).
		Where("settlement_lease_until IS NULL OR settlement_lease_until < ?", claim.Now).
		Updates(map[string]interface{}{
			"status":                 claim.To,
			"settlement_owner":       claim.Owner,
			"settlement_lease_until": claim.LeaseUntil,
			"settlement_runs":        gorm.Expr("settlement_runs + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, s.ensurePresale(ctx, claim.PresaleID)
	}
	return true, nil
}

// ExtendSettlement renews the lease; it reports false once owner no longer holds it.
func (s *Store) ExtendSettlement(ctx context.Context, ext settlement.SettlementExtension) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Presale{}).
		Where("id = ? AND settlement_owner = ?", ext.PresaleID, ext.Owner).
		Update("settlement_lease_until", ext.LeaseUntil)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ReleaseSettlement(ctx context.Context, release settlement.SettlementRelease) error {
	updates := map[string]interface{}{
		"status":                 release.Status,
		"settlement_owner":       "",
		"settlement_lease_until": nil,
	}
	if release.SettledAt != nil {
		updates["settled_at"] = *release.SettledAt
	}
	res := s.db.WithContext(ctx).Model(&models.Presale{}).
		Where("id = ? AND settlement_owner = ?", release.PresaleID, release.Owner).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("settlement lease for presale %s is no longer held by %s", release.PresaleID, release.Owner)
	}
	return nil
}

func (s *Store) ensurePresale(ctx context.Context, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Presale{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return settlement.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateInvestment(ctx context.Context, id string, update settlement.InvestmentUpdate) error {
	updates := map[string]interface{}{}
	if update.Status != "" {
		updates["status"] = update.Status
	}
	if update.ClaimTxHash != "" {
		updates["claim_tx_hash"] = update.ClaimTxHash
	}
	if update.ClaimedAt != nil {
		updates["claimed_at"] = *update.ClaimedAt
	}
	if update.RefundTxHash != "" {
		updates["refund_tx_hash"] = update.RefundTxHash
	}
	if update.RefundedAt != nil {
		updates["refunded_at"] = *update.RefundedAt
	}
	if update.LastError != nil {
		updates["last_error"] = truncate(*update.LastError, 512)
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&models.Investment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return settlement.ErrNotFound
	}
	return nil
}

func (s *Store) CreateEscrowTransaction(ctx context.Context, tx *models.EscrowTransaction) error {
	return s.db.WithContext(ctx).Create(tx).Error
}

func (s *Store) FindEscrowTransaction(ctx context.Context, presaleID string, txType models.EscrowTransactionType) (*models.EscrowTransaction, error) {
	var tx models.EscrowTransaction
	err := s.db.WithContext(ctx).
		Where("presale_id = ? AND type = ?", presaleID, txType).
		Order("id ASC").
		First(&tx).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

// ListEscrowTransactions returns the audit trail of a presale in insertion order.
func (s *Store) ListEscrowTransactions(ctx context.Context, presaleID string) ([]models.EscrowTransaction, error) {
	var txs []models.EscrowTransaction
	err := s.db.WithContext(ctx).Where("presale_id = ?", presaleID).Order("id ASC").Find(&txs).Error
	return txs, err
}

func (s *Store) CreateTokenDistribution(ctx context.Context, dist *models.TokenDistribution) error {
	return s.db.WithContext(ctx).Create(dist).Error
}

func (s *Store) FindTokenDistribution(ctx context.Context, investmentID string) (*models.TokenDistribution, error) {
	var dist models.TokenDistribution
	if err := s.db.WithContext(ctx).Where("investment_id = ?", investmentID).First(&dist).Error; err != nil {
		return nil, notFound(err)
	}
	return &dist, nil
}

func (s *Store) RecordClaim(ctx context.Context, investmentID string, dist *models.TokenDistribution, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(dist).Error; err != nil {
			return err
		}
		return tx.Model(&models.Investment{}).Where("id = ?", investmentID).Updates(map[string]interface{}{
			"status":        models.InvestmentStatusClaimed,
			"claim_tx_hash": dist.TransactionHash,
			"claimed_at":    at,
			"last_error":    "",
		}).Error
	})
}

func (s *Store) RecordRefund(ctx context.Context, investmentID string, refund *models.EscrowTransaction, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(refund).Error; err != nil {
			return err
		}
		return tx.Model(&models.Investment{}).Where("id = ?", investmentID).Updates(map[string]interface{}{
			"status":         models.InvestmentStatusRefunded,
			"refund_tx_hash": refund.TransactionHash,
			"refunded_at":    at,
			"last_error":     "",
		}).Error
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// lockForUpdate adds a row lock on databases that support it.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
