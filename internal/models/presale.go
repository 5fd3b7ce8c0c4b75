package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PresaleStatus is the settlement lifecycle state of a presale.
type PresaleStatus string

const (
	PresaleStatusPending         PresaleStatus = "pending"
	PresaleStatusActive          PresaleStatus = "active"
	PresaleStatusFunded          PresaleStatus = "funded"
	PresaleStatusSettlingSuccess PresaleStatus = "settling_success"
	PresaleStatusSettlingFailure PresaleStatus = "settling_failure"
	PresaleStatusCompleted       PresaleStatus = "completed"
	PresaleStatusFailed          PresaleStatus = "failed"
)

// Presale is a fundraising campaign for one project token.
// Money fields are in the settlement currency's smallest unit (USDC micro units).
type Presale struct {
	ID            string        `gorm:"primarykey;size:36" json:"id"`
	Name          string        `gorm:"size:64;not null" json:"name"`
	Ticker        string        `gorm:"size:16" json:"ticker"`
	HardCap       int64         `gorm:"not null" json:"hard_cap"`
	SoftCap       int64         `gorm:"default:0" json:"soft_cap"`      // 0 means "half of target"
	TargetAmount  int64         `gorm:"default:0" json:"target_amount"` // 0 means hard cap
	CurrentRaised int64         `gorm:"default:0" json:"current_raised"`
	MinInvestment int64         `gorm:"default:0" json:"min_investment"`
	MaxInvestment int64         `gorm:"default:0" json:"max_investment"`
	TokenMint     string        `gorm:"size:44" json:"token_mint"`
	TokenDecimals uint8         `gorm:"default:9" json:"token_decimals"`
	TokenPrice    int64         `gorm:"not null" json:"token_price"` // settlement units per whole token
	TeamWallet    string        `gorm:"size:44;not null" json:"team_wallet"`
	StartDate     time.Time     `json:"start_date"`
	EndDate       time.Time     `gorm:"index" json:"end_date"`
	Status        PresaleStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	InvestorCount int           `gorm:"default:0" json:"investor_count"`

	SettlementOwner      string     `gorm:"size:36" json:"-"`
	SettlementLeaseUntil *time.Time `json:"-"`
	SettlementRuns       int        `gorm:"default:0" json:"settlement_runs"`
	SettledAt            *time.Time `json:"settled_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Investments []Investment `gorm:"foreignKey:PresaleID" json:"investments,omitempty"`
}

func (Presale) TableName() string {
	return "presales"
}

func (p *Presale) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// EffectiveSoftCap returns the configured soft cap, or half of the target when unset.
func (p *Presale) EffectiveSoftCap() int64 {
	if p.SoftCap > 0 {
		return p.SoftCap
	}
	target := p.TargetAmount
	if target <= 0 {
		target = p.HardCap
	}
	return target / 2
}

// All lists the ledger tables in dependency order.
func All() []interface{} {
	return []interface{}{
		&Presale{},
		&Investment{},
		&EscrowTransaction{},
		&TokenDistribution{},
	}
}
