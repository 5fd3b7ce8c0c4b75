package settlement

import (
	"context"
	"time"

	"launchpad/internal/models"
)

// Store is the ledger the engine reads presales from and records fund movements in.
// Lookups return ErrNotFound when the record does not exist.
type Store interface {
	// GetPresale returns the presale with its paid investments (confirmed, claimed or
	// refunded) preloaded. Pending investments are never settled.
	GetPresale(ctx context.Context, id string) (*models.Presale, error)
	// ListDuePresales returns presales whose deadline passed and whose status is one of statuses.
	ListDuePresales(ctx context.Context, now time.Time, statuses []models.PresaleStatus) ([]models.Presale, error)
	// UpdatePresaleStatus moves a presale to status `to` only if its current status is in `from`.
	UpdatePresaleStatus(ctx context.Context, id string, from []models.PresaleStatus, to models.PresaleStatus) (bool, error)
	// ClaimSettlement atomically takes the settlement lease for a presale.
	ClaimSettlement(ctx context.Context, claim SettlementClaim) (bool, error)
	// ExtendSettlement pushes the lease forward only while owner still holds it.
	ExtendSettlement(ctx context.Context, ext SettlementExtension) (bool, error)
	// ReleaseSettlement drops the lease held by owner and stores the resulting status.
	ReleaseSettlement(ctx context.Context, release SettlementRelease) error

	UpdateInvestment(ctx context.Context, id string, update InvestmentUpdate) error
	CreateEscrowTransaction(ctx context.Context, tx *models.EscrowTransaction) error
	FindEscrowTransaction(ctx context.Context, presaleID string, txType models.EscrowTransactionType) (*models.EscrowTransaction, error)
	CreateTokenDistribution(ctx context.Context, dist *models.TokenDistribution) error
	FindTokenDistribution(ctx context.Context, investmentID string) (*models.TokenDistribution, error)

	// RecordClaim stores the distribution and marks the investment claimed in one transaction.
	RecordClaim(ctx context.Context, investmentID string, dist *models.TokenDistribution, at time.Time) error
	// RecordRefund stores the refund record and marks the investment refunded in one transaction.
	RecordRefund(ctx context.Context, investmentID string, refund *models.EscrowTransaction, at time.Time) error
}

// SettlementClaim is a compare-and-swap on presale status guarded by a lease.
type SettlementClaim struct {
	PresaleID  string
	From       []models.PresaleStatus
	To         models.PresaleStatus
	Owner      string
	Now        time.Time
	LeaseUntil time.Time
}

type SettlementExtension struct {
	PresaleID  string
	Owner      string
	LeaseUntil time.Time
}

type SettlementRelease struct {
	PresaleID string
	Owner     string
	Status    models.PresaleStatus
	SettledAt *time.Time
}

// InvestmentUpdate carries the fields to change; zero values are left untouched.
type InvestmentUpdate struct {
	Status       models.InvestmentStatus
	ClaimTxHash  string
	ClaimedAt    *time.Time
	RefundTxHash string
	RefundedAt   *time.Time
	LastError    *string
}

// Signer is the custody credential handle. It signs every outgoing transfer.
type Signer interface {
	Address() string
	Sign(message []byte) ([]byte, error)
}

// Asset identifies a fungible token and its precision.
type Asset struct {
	Mint     string
	Decimals uint8
}

type TransferRequest struct {
	Asset       Asset
	Amount      uint64
	Destination string
}

// TransferExecutor moves Amount of an asset out of the signer's custody account and
// returns the transfer receipt (transaction signature).
type TransferExecutor interface {
	Transfer(ctx context.Context, signer Signer, req TransferRequest) (string, error)
}

// BalanceOracle reports custody holdings in raw units. A missing token account is
// reported as ErrTokenAccountNotFound, distinguishable from transient query errors.
type BalanceOracle interface {
	TokenBalance(ctx context.Context, mint, owner string) (uint64, error)
}

// EventPublisher receives settlement lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

const (
	EventDepositVerified    = "presale.deposit_verified"
	EventSettlementFinished = "presale.settlement_finished"
	EventSettlementParked   = "presale.settlement_parked"
)

type Event struct {
	Type      string               `json:"type"`
	PresaleID string               `json:"presale_id"`
	Status    models.PresaleStatus `json:"status"`
	Path      string               `json:"path,omitempty"`
	Payload   interface{}          `json:"payload,omitempty"`
	At        time.Time            `json:"at"`
}
