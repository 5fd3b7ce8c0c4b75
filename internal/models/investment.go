package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type InvestmentStatus string

const (
	InvestmentStatusPending   InvestmentStatus = "pending"
	InvestmentStatusConfirmed InvestmentStatus = "confirmed"
	InvestmentStatusClaimed   InvestmentStatus = "claimed"
	InvestmentStatusRefunded  InvestmentStatus = "refunded"
)

// Investment is the position of record for one investor in one presale.
type Investment struct {
	ID             string           `gorm:"primarykey;size:36" json:"id"`
	PresaleID      string           `gorm:"size:36;not null;uniqueIndex:idx_investment_presale_wallet" json:"presale_id"`
	InvestorWallet string           `gorm:"size:44;not null;uniqueIndex:idx_investment_presale_wallet" json:"investor_wallet"`
	Amount         int64            `gorm:"default:0" json:"amount"`
	PendingAmount  int64            `gorm:"default:0" json:"pending_amount"`
	Status         InvestmentStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	PaymentTxHash  string           `gorm:"size:100" json:"payment_tx_hash,omitempty"`
	PaymentID      string           `gorm:"size:100" json:"payment_id,omitempty"`
	ClaimTxHash    string           `gorm:"size:100" json:"claim_tx_hash,omitempty"`
	ClaimedAt      *time.Time       `json:"claimed_at,omitempty"`
	RefundTxHash   string           `gorm:"size:100" json:"refund_tx_hash,omitempty"`
	RefundedAt     *time.Time       `json:"refunded_at,omitempty"`
	LastError      string           `gorm:"size:512" json:"last_error,omitempty"`
	CreatedAt      time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time        `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Investment) TableName() string {
	return "investments"
}

func (i *Investment) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// TokenDistribution records that an investment received its token allocation.
type TokenDistribution struct {
	ID              uint      `gorm:"primarykey" json:"id"`
	InvestmentID    string    `gorm:"size:36;not null;uniqueIndex" json:"investment_id"`
	TokenAmount     uint64    `gorm:"not null" json:"token_amount"`
	TransactionHash string    `gorm:"size:100" json:"transaction_hash"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (TokenDistribution) TableName() string {
	return "token_distributions"
}
