package models

import "time"

type EscrowTransactionType string

const (
	EscrowTxDeposit     EscrowTransactionType = "DEPOSIT"
	EscrowTxRelease     EscrowTransactionType = "RELEASE"
	EscrowTxRefund      EscrowTransactionType = "REFUND"
	EscrowTxCreationFee EscrowTransactionType = "CREATION_FEE"
	EscrowTxTokenReturn EscrowTransactionType = "TOKEN_RETURN"
)

// EscrowTransaction is an append-only audit record of a custodial fund movement.
// Amount is in raw units of Mint.
type EscrowTransaction struct {
	ID              uint                  `gorm:"primarykey" json:"id"`
	PresaleID       string                `gorm:"size:36;not null;index" json:"presale_id"`
	InvestmentID    string                `gorm:"size:36" json:"investment_id,omitempty"`
	Type            EscrowTransactionType `gorm:"size:20;not null;index" json:"type"`
	Mint            string                `gorm:"size:44" json:"mint"`
	Amount          uint64                `gorm:"not null" json:"amount"`
	FromWallet      string                `gorm:"size:44" json:"from_wallet"`
	ToWallet        string                `gorm:"size:44" json:"to_wallet"`
	TransactionHash string                `gorm:"size:100" json:"transaction_hash"`
	CreatedAt       time.Time             `json:"created_at" gorm:"autoCreateTime"`
}

func (EscrowTransaction) TableName() string {
	return "escrow_transactions"
}
