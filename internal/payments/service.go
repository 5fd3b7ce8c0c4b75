package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"launchpad/internal/models"
	"launchpad/internal/settlement"
	"launchpad/pkg/x402"
)

var (
	// ErrInvalidRequest wraps every client-side validation failure.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPaymentNotVerified is returned when the facilitator rejects a payment proof.
	ErrPaymentNotVerified = errors.New("payment verification failed")
	// ErrNothingPending is returned when a payment arrives for an investment with no pending amount.
	ErrNothingPending = errors.New("no pending investment")
	// ErrHardCapExceeded is returned when a confirmation would push the raise past the hard cap.
	ErrHardCapExceeded = errors.New("hard cap exceeded")
	// ErrPresaleClosed is returned when a payment arrives after the presale stopped taking money.
	ErrPresaleClosed = errors.New("presale closed to payments")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Store is the part of the ledger the payment flow writes to.
type Store interface {
	GetPresale(ctx context.Context, id string) (*models.Presale, error)
	FindInvestment(ctx context.Context, presaleID, wallet string) (*models.Investment, error)
	ReserveInvestment(ctx context.Context, presaleID, wallet string, amount int64) (*models.Investment, error)
	ConfirmInvestment(ctx context.Context, c Confirmation) (*ConfirmResult, error)
	CreatePresaleWithFee(ctx context.Context, presale *models.Presale, fee *models.EscrowTransaction) error
}

// Verifier checks payment proofs with the x402 facilitator.
type Verifier interface {
	Verify(ctx context.Context, payload x402.PaymentPayload) (*x402.VerifyResponse, error)
}

// Instructor builds payment instructions.
type Instructor interface {
	NewInstructions(memo string, amount decimal.Decimal, recipient, network, token string) x402.Instructions
}

// Funder promotes a presale that reached its hard cap.
type Funder interface {
	MarkFunded(ctx context.Context, presaleID string) error
}

// Confirmation folds a verified pending amount into an investment.
type Confirmation struct {
	PresaleID       string
	Wallet          string
	Amount          int64
	PaymentID       string
	TransactionHash string
	Custody         string
	Mint            string
	Now             time.Time
}

// CheckOpen reports ErrPresaleClosed when a payment can no longer be applied to inv.
// Claimed and refunded investments never take money again.
func CheckOpen(presale *models.Presale, inv *models.Investment, now time.Time) error {
	switch inv.Status {
	case models.InvestmentStatusClaimed, models.InvestmentStatusRefunded:
		return fmt.Errorf("%w: investment is %s", ErrPresaleClosed, inv.Status)
	}
	switch presale.Status {
	case models.PresaleStatusActive, models.PresaleStatusFunded:
	default:
		return fmt.Errorf("%w: presale is %s", ErrPresaleClosed, presale.Status)
	}
	if now.After(presale.EndDate) {
		return fmt.Errorf("%w: presale ended at %s", ErrPresaleClosed, presale.EndDate.Format(time.RFC3339))
	}
	return nil
}

type ConfirmResult struct {
	Investment models.Investment `json:"investment"`
	Presale    models.Presale    `json:"-"`
	// Duplicate is true when the same payment was already applied.
	Duplicate bool `json:"duplicate"`
}

type Config struct {
	Network            string
	Token              string
	SettlementMint     string
	SettlementDecimals uint8
	Custody            string
	// CreationFee is charged for listing a presale, in settlement units.
	CreationFee int64
	// MinInvestment applies when the presale does not set its own.
	MinInvestment int64
	Now           func() time.Time
}

// Service runs the 402 investment and listing payment flows.
type Service struct {
	store      Store
	verifier   Verifier
	instructor Instructor
	funder     Funder
	cfg        Config
	logger     *log.Entry
}

func NewService(store Store, verifier Verifier, instructor Instructor, funder Funder, cfg Config) *Service {
	if cfg.Network == "" {
		cfg.Network = "solana"
	}
	if cfg.Token == "" {
		cfg.Token = "USDC"
	}
	if cfg.SettlementMint == "" {
		cfg.SettlementMint = settlement.USDCMainnetMint
		cfg.SettlementDecimals = 6
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:      store,
		verifier:   verifier,
		instructor: instructor,
		funder:     funder,
		cfg:        cfg,
		logger:     log.WithField("component", "payments"),
	}
}

// ToUnits converts a decimal amount of the settlement currency into its smallest unit.
func (s *Service) ToUnits(amount decimal.Decimal) (int64, error) {
	scaled := amount.Shift(int32(s.cfg.SettlementDecimals))
	if !scaled.IsInteger() {
		return 0, invalid("amount %s has more than %d decimals", amount, s.cfg.SettlementDecimals)
	}
	if !scaled.IsPositive() {
		return 0, invalid("amount must be positive")
	}
	return scaled.IntPart(), nil
}

// FromUnits converts settlement units back to a decimal amount.
func (s *Service) FromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -int32(s.cfg.SettlementDecimals))
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	Error        string            `json:"error"`
	Message      string            `json:"message"`
	InvestmentID string            `json:"investment_id,omitempty"`
	CreationFee  string            `json:"creation_fee,omitempty"`
	Instructions x402.Instructions `json:"payment_instructions"`
}

// Headers returns the x402 headers for the response.
func (p *PaymentRequired) Headers() map[string]string {
	return x402.PaymentRequiredHeaders(p.Instructions)
}

type InvestRequest struct {
	Wallet string          `json:"investor_wallet" binding:"required,min=32"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// Initiate validates an investment against the presale's limits, reserves it as pending
// and returns the payment instructions.
func (s *Service) Initiate(ctx context.Context, presaleID string, req InvestRequest) (*PaymentRequired, error) {
	amount, err := s.ToUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	presale, err := s.store.GetPresale(ctx, presaleID)
	if err != nil {
		return nil, err
	}
	if err := s.checkInvestable(presale, req.Wallet, amount); err != nil {
		return nil, err
	}
	if existing, err := s.store.FindInvestment(ctx, presaleID, req.Wallet); err == nil {
		if presale.MaxInvestment > 0 && existing.Amount+amount > presale.MaxInvestment {
			return nil, invalid("total investment would exceed maximum of %s", s.FromUnits(presale.MaxInvestment))
		}
	} else if !errors.Is(err, settlement.ErrNotFound) {
		return nil, err
	}

	investment, err := s.store.ReserveInvestment(ctx, presaleID, req.Wallet, amount)
	if err != nil {
		return nil, err
	}

	instructions := s.instructor.NewInstructions("presale:"+presale.ID, s.FromUnits(amount), s.cfg.Custody, s.cfg.Network, s.cfg.Token)
	s.logger.WithFields(log.Fields{
		"presale_id":    presale.ID,
		"investment_id": investment.ID,
		"amount":        amount,
	}).Info("Investment reserved, awaiting payment")

	return &PaymentRequired{
		Error:        "Payment Required",
		Message:      "Please complete payment to invest in this presale",
		InvestmentID: investment.ID,
		Instructions: instructions,
	}, nil
}

func (s *Service) checkInvestable(presale *models.Presale, wallet string, amount int64) error {
	if presale.Status != models.PresaleStatusActive {
		return invalid("presale is not active")
	}
	now := s.cfg.Now()
	if now.Before(presale.StartDate) {
		return invalid("presale has not started yet")
	}
	if now.After(presale.EndDate) {
		return invalid("presale has ended")
	}
	minimum := presale.MinInvestment
	if minimum == 0 {
		minimum = s.cfg.MinInvestment
	}
	if amount < minimum {
		return invalid("minimum investment is %s", s.FromUnits(minimum))
	}
	if presale.MaxInvestment > 0 && amount > presale.MaxInvestment {
		return invalid("maximum investment is %s", s.FromUnits(presale.MaxInvestment))
	}
	if presale.CurrentRaised+amount > presale.HardCap {
		return invalid("only %s remaining in presale", s.FromUnits(presale.HardCap-presale.CurrentRaised))
	}
	if wallet == "" {
		return invalid("investor wallet required")
	}
	return nil
}

type ConfirmRequest struct {
	Wallet          string          `json:"investor_wallet" binding:"required"`
	TransactionHash string          `json:"transaction_hash" binding:"required"`
	Amount          decimal.Decimal `json:"amount" binding:"required"`
	Network         string          `json:"network"`
	Token           string          `json:"token"`
	Timestamp       int64           `json:"timestamp"`
}

// Confirm verifies a payment with the facilitator and applies it to the pending
// investment. Reaching the hard cap promotes the presale to funded.
func (s *Service) Confirm(ctx context.Context, presaleID string, req ConfirmRequest) (*ConfirmResult, error) {
	amount, err := s.ToUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	presale, err := s.store.GetPresale(ctx, presaleID)
	if err != nil {
		return nil, err
	}
	investment, err := s.store.FindInvestment(ctx, presaleID, req.Wallet)
	if err != nil {
		return nil, err
	}
	if investment.PaymentTxHash == req.TransactionHash {
		return &ConfirmResult{Investment: *investment, Presale: *presale, Duplicate: true}, nil
	}
	if err := CheckOpen(presale, investment, s.cfg.Now()); err != nil {
		return nil, err
	}
	if investment.PendingAmount <= 0 {
		return nil, ErrNothingPending
	}
	if amount != investment.PendingAmount {
		return nil, invalid("paid amount %s does not match pending amount %s", req.Amount, s.FromUnits(investment.PendingAmount))
	}

	network, token := req.Network, req.Token
	if network == "" {
		network = s.cfg.Network
	}
	if token == "" {
		token = s.cfg.Token
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = s.cfg.Now().UnixMilli()
	}
	verification, err := s.verifier.Verify(ctx, x402.PaymentPayload{
		TransactionHash: req.TransactionHash,
		From:            req.Wallet,
		To:              s.cfg.Custody,
		Amount:          req.Amount.String(),
		Network:         network,
		Token:           token,
		Timestamp:       timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	if !verification.OK() {
		return nil, ErrPaymentNotVerified
	}

	result, err := s.store.ConfirmInvestment(ctx, Confirmation{
		PresaleID:       presaleID,
		Wallet:          req.Wallet,
		Amount:          amount,
		PaymentID:       verification.PaymentID,
		TransactionHash: req.TransactionHash,
		Custody:         s.cfg.Custody,
		Mint:            s.cfg.SettlementMint,
		Now:             s.cfg.Now(),
	})
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithFields(log.Fields{"presale_id": presaleID, "investment_id": result.Investment.ID})
	logger.Infof("Payment %s confirmed for %d", req.TransactionHash, amount)

	if !result.Duplicate && result.Presale.CurrentRaised >= result.Presale.HardCap {
		if err := s.funder.MarkFunded(ctx, presaleID); err != nil {
			// The deadline sweep promotes it later.
			logger.Warnf("Failed to mark presale funded: %v", err)
		} else {
			result.Presale.Status = models.PresaleStatusFunded
		}
	}
	return result, nil
}

// PresaleDraft is a listing request; it becomes a presale once the creation fee is paid.
type PresaleDraft struct {
	Name          string          `json:"name" binding:"required,min=3"`
	Ticker        string          `json:"ticker" binding:"required,min=2,max=10"`
	TeamWallet    string          `json:"team_wallet" binding:"required,min=32"`
	CreatorWallet string          `json:"creator_wallet"`
	HardCap       decimal.Decimal `json:"hard_cap" binding:"required"`
	SoftCap       decimal.Decimal `json:"soft_cap"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	MinInvestment decimal.Decimal `json:"min_investment"`
	MaxInvestment decimal.Decimal `json:"max_investment"`
	TokenPrice    decimal.Decimal `json:"token_price" binding:"required"`
	TokenMint     string          `json:"token_mint"`
	TokenDecimals *uint8          `json:"token_decimals"`
	StartDate     time.Time       `json:"start_date" binding:"required"`
	EndDate       time.Time       `json:"end_date" binding:"required"`
	// TransactionHash carries the creation fee payment proof.
	TransactionHash string `json:"transaction_hash"`
}

// Presale validates the draft and converts it to a pending presale.
func (s *Service) Presale(d PresaleDraft) (*models.Presale, error) {
	if !d.StartDate.Before(d.EndDate) {
		return nil, invalid("end date must be after start date")
	}
	hardCap, err := s.ToUnits(d.HardCap)
	if err != nil {
		return nil, invalid("hard cap: %v", err)
	}
	price, err := s.ToUnits(d.TokenPrice)
	if err != nil {
		return nil, invalid("token price: %v", err)
	}
	optional := func(field string, v decimal.Decimal) (int64, error) {
		if v.IsZero() {
			return 0, nil
		}
		units, err := s.ToUnits(v)
		if err != nil {
			return 0, invalid("%s: %v", field, err)
		}
		return units, nil
	}
	p := &models.Presale{
		Name:          d.Name,
		Ticker:        d.Ticker,
		HardCap:       hardCap,
		TokenPrice:    price,
		TokenMint:     d.TokenMint,
		TokenDecimals: 9,
		TeamWallet:    d.TeamWallet,
		StartDate:     d.StartDate,
		EndDate:       d.EndDate,
		Status:        models.PresaleStatusPending,
	}
	if d.TokenDecimals != nil {
		p.TokenDecimals = *d.TokenDecimals
	}
	if p.SoftCap, err = optional("soft cap", d.SoftCap); err != nil {
		return nil, err
	}
	if p.TargetAmount, err = optional("target amount", d.TargetAmount); err != nil {
		return nil, err
	}
	if p.MinInvestment, err = optional("min investment", d.MinInvestment); err != nil {
		return nil, err
	}
	if p.MaxInvestment, err = optional("max investment", d.MaxInvestment); err != nil {
		return nil, err
	}
	if p.SoftCap > hardCap {
		return nil, invalid("soft cap exceeds hard cap")
	}
	if p.MaxInvestment > 0 && p.MaxInvestment < p.MinInvestment {
		return nil, invalid("max investment below min investment")
	}
	return p, nil
}

// InitiateCreation validates a listing and returns the creation fee instructions.
func (s *Service) InitiateCreation(ctx context.Context, d PresaleDraft) (*PaymentRequired, error) {
	if _, err := s.Presale(d); err != nil {
		return nil, err
	}
	if d.CreatorWallet == "" {
		return nil, invalid("creator wallet address required")
	}
	fee := s.FromUnits(s.cfg.CreationFee)
	memo := fmt.Sprintf("presale-creation-%d", s.cfg.Now().UnixMilli())
	return &PaymentRequired{
		Error:        "Payment Required",
		Message:      fmt.Sprintf("Pay %s %s to create presale", fee, s.cfg.Token),
		CreationFee:  fee.String(),
		Instructions: s.instructor.NewInstructions(memo, fee, s.cfg.Custody, s.cfg.Network, s.cfg.Token),
	}, nil
}

// CompleteCreation verifies the creation fee and stores the presale as pending. The
// team then deposits tokens, which activates it.
func (s *Service) CompleteCreation(ctx context.Context, d PresaleDraft) (*models.Presale, error) {
	presale, err := s.Presale(d)
	if err != nil {
		return nil, err
	}
	if d.CreatorWallet == "" || d.TransactionHash == "" {
		return nil, invalid("creator wallet and transaction hash required")
	}
	if s.cfg.CreationFee > 0 {
		verification, err := s.verifier.Verify(ctx, x402.PaymentPayload{
			TransactionHash: d.TransactionHash,
			From:            d.CreatorWallet,
			To:              s.cfg.Custody,
			Amount:          s.FromUnits(s.cfg.CreationFee).String(),
			Network:         s.cfg.Network,
			Token:           s.cfg.Token,
			Timestamp:       s.cfg.Now().UnixMilli(),
		})
		if err != nil {
			return nil, fmt.Errorf("verify creation fee: %w", err)
		}
		if !verification.OK() {
			return nil, ErrPaymentNotVerified
		}
	}

	fee := &models.EscrowTransaction{
		Type:            models.EscrowTxCreationFee,
		Mint:            s.cfg.SettlementMint,
		Amount:          uint64(s.cfg.CreationFee),
		FromWallet:      d.CreatorWallet,
		ToWallet:        s.cfg.Custody,
		TransactionHash: d.TransactionHash,
	}
	if err := s.store.CreatePresaleWithFee(ctx, presale, fee); err != nil {
		return nil, err
	}
	s.logger.WithField("presale_id", presale.ID).Infof("Presale %s created, awaiting token deposit", presale.Name)
	return presale, nil
}
