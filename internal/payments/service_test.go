package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpad/internal/models"
	"launchpad/internal/settlement"
	"launchpad/pkg/x402"
)

const wallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

type memStore struct {
	presale     models.Presale
	investments map[string]*models.Investment
	created     *models.Presale
	fee         *models.EscrowTransaction
}

func (m *memStore) GetPresale(ctx context.Context, id string) (*models.Presale, error) {
	if id != m.presale.ID {
		return nil, fmt.Errorf("presale %s: %w", id, settlement.ErrNotFound)
	}
	p := m.presale
	return &p, nil
}

func (m *memStore) FindInvestment(ctx context.Context, presaleID, w string) (*models.Investment, error) {
	inv, ok := m.investments[w]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *memStore) ReserveInvestment(ctx context.Context, presaleID, w string, amount int64) (*models.Investment, error) {
	inv, ok := m.investments[w]
	if !ok {
		inv = &models.Investment{ID: "inv-" + w[:4], PresaleID: presaleID, InvestorWallet: w}
		m.investments[w] = inv
	}
	inv.PendingAmount = amount
	cp := *inv
	return &cp, nil
}

func (m *memStore) ConfirmInvestment(ctx context.Context, c Confirmation) (*ConfirmResult, error) {
	inv := m.investments[c.Wallet]
	inv.Amount += c.Amount
	inv.PendingAmount = 0
	inv.PaymentTxHash = c.TransactionHash
	inv.PaymentID = c.PaymentID
	m.presale.CurrentRaised += c.Amount
	return &ConfirmResult{Investment: *inv, Presale: m.presale}, nil
}

func (m *memStore) CreatePresaleWithFee(ctx context.Context, presale *models.Presale, fee *models.EscrowTransaction) error {
	m.created = presale
	m.fee = fee
	return nil
}

type fakeVerifier struct {
	resp     *x402.VerifyResponse
	err      error
	payloads []x402.PaymentPayload
}

func (f *fakeVerifier) Verify(ctx context.Context, payload x402.PaymentPayload) (*x402.VerifyResponse, error) {
	f.payloads = append(f.payloads, payload)
	return f.resp, f.err
}

type fakeFunder struct {
	funded []string
	err    error
}

func (f *fakeFunder) MarkFunded(ctx context.Context, presaleID string) error {
	f.funded = append(f.funded, presaleID)
	return f.err
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memStore, *fakeVerifier, *fakeFunder) {
	store := &memStore{
		presale: models.Presale{
			ID:            "p1",
			HardCap:       100_000_000,
			MaxInvestment: 60_000_000,
			Status:        models.PresaleStatusActive,
			StartDate:     now.Add(-time.Hour),
			EndDate:       now.Add(time.Hour),
		},
		investments: map[string]*models.Investment{},
	}
	verifier := &fakeVerifier{resp: &x402.VerifyResponse{Success: true, Verified: true, PaymentID: "pay-1"}}
	funder := &fakeFunder{}
	svc := NewService(store, verifier, x402.NewClient("https://facilitator.test"), funder, Config{
		Custody:       "custody",
		CreationFee:   1_000_000,
		MinInvestment: 10_000_000,
		Now:           func() time.Time { return now },
	})
	return svc, store, verifier, funder
}

func TestUnits(t *testing.T) {
	svc, _, _, _ := newTestService()

	units, err := svc.ToUnits(decimal.RequireFromString("12.345678"))
	require.NoError(t, err)
	assert.Equal(t, int64(12_345_678), units)
	assert.Equal(t, "12.345678", svc.FromUnits(units).String())

	_, err = svc.ToUnits(decimal.RequireFromString("0.0000001"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.ToUnits(decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInitiateReservesPending(t *testing.T) {
	svc, store, _, _ := newTestService()

	required, err := svc.Initiate(context.Background(), "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)
	assert.Equal(t, "inv-7xKX", required.InvestmentID)
	assert.Equal(t, "25", required.Instructions.Amount)
	assert.Equal(t, "custody", required.Instructions.Recipient)
	assert.Equal(t, "true", required.Headers()["X-Payment-Required"])
	assert.Equal(t, int64(25_000_000), store.investments[wallet].PendingAmount)
}

func TestInitiateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*memStore)
		amount int64
	}{
		{"below minimum", nil, 5},
		{"above maximum", nil, 61},
		{"not active", func(m *memStore) { m.presale.Status = models.PresaleStatusFunded }, 20},
		{"not started", func(m *memStore) { m.presale.StartDate = now.Add(time.Minute) }, 20},
		{"ended", func(m *memStore) { m.presale.EndDate = now.Add(-time.Minute) }, 20},
		{"over hard cap", func(m *memStore) { m.presale.CurrentRaised = 90_000_000 }, 20},
		{"cumulative maximum", func(m *memStore) {
			m.investments[wallet] = &models.Investment{ID: "inv", Amount: 50_000_000}
		}, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, _, _ := newTestService()
			if tc.mutate != nil {
				tc.mutate(store)
			}
			_, err := svc.Initiate(context.Background(), "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(tc.amount)})
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestConfirmAppliesPayment(t *testing.T) {
	svc, store, verifier, funder := newTestService()
	ctx := context.Background()
	_, err := svc.Initiate(ctx, "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)

	result, err := svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig-1", Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(25_000_000), result.Investment.Amount)
	assert.Equal(t, "pay-1", result.Investment.PaymentID)
	assert.Empty(t, funder.funded)

	require.Len(t, verifier.payloads, 1)
	assert.Equal(t, "custody", verifier.payloads[0].To)
	assert.Equal(t, "solana", verifier.payloads[0].Network)
	assert.Equal(t, now.UnixMilli(), verifier.payloads[0].Timestamp)

	// replaying the same proof is answered from the ledger
	again, err := svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig-1", Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Len(t, verifier.payloads, 1)
	assert.Equal(t, int64(25_000_000), store.presale.CurrentRaised)
}

func TestConfirmMarksFundedAtHardCap(t *testing.T) {
	svc, store, _, funder := newTestService()
	ctx := context.Background()
	store.presale.CurrentRaised = 50_000_000
	_, err := svc.Initiate(ctx, "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)

	result, err := svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig-2", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, funder.funded)
	assert.Equal(t, models.PresaleStatusFunded, result.Presale.Status)
}

func TestConfirmFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing pending", func(t *testing.T) {
		svc, store, _, _ := newTestService()
		store.investments[wallet] = &models.Investment{ID: "inv", Amount: 10_000_000}
		_, err := svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig", Amount: decimal.NewFromInt(10)})
		assert.ErrorIs(t, err, ErrNothingPending)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		_, err := svc.Initiate(ctx, "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(20)})
		require.NoError(t, err)
		_, err = svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig", Amount: decimal.NewFromInt(21)})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("facilitator rejects", func(t *testing.T) {
		svc, store, verifier, _ := newTestService()
		verifier.resp = &x402.VerifyResponse{Success: true}
		_, err := svc.Initiate(ctx, "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(20)})
		require.NoError(t, err)
		_, err = svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig", Amount: decimal.NewFromInt(20)})
		assert.ErrorIs(t, err, ErrPaymentNotVerified)
		assert.Equal(t, int64(20_000_000), store.investments[wallet].PendingAmount)
	})

	t.Run("facilitator unreachable", func(t *testing.T) {
		svc, _, verifier, _ := newTestService()
		verifier.err = errors.New("connection refused")
		_, err := svc.Initiate(ctx, "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(20)})
		require.NoError(t, err)
		_, err = svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig", Amount: decimal.NewFromInt(20)})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPaymentNotVerified)
	})

	t.Run("presale settled", func(t *testing.T) {
		svc, store, verifier, _ := newTestService()
		_, err := svc.Initiate(ctx, "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(20)})
		require.NoError(t, err)
		store.presale.Status = models.PresaleStatusCompleted
		_, err = svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig", Amount: decimal.NewFromInt(20)})
		assert.ErrorIs(t, err, ErrPresaleClosed)
		assert.Empty(t, verifier.payloads)
		assert.Zero(t, store.presale.CurrentRaised)
	})

	t.Run("deadline passed", func(t *testing.T) {
		svc, store, _, _ := newTestService()
		_, err := svc.Initiate(ctx, "p1", InvestRequest{Wallet: wallet, Amount: decimal.NewFromInt(20)})
		require.NoError(t, err)
		store.presale.EndDate = now.Add(-time.Minute)
		_, err = svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig", Amount: decimal.NewFromInt(20)})
		assert.ErrorIs(t, err, ErrPresaleClosed)
	})

	t.Run("investment already claimed", func(t *testing.T) {
		svc, store, _, _ := newTestService()
		store.investments[wallet] = &models.Investment{ID: "inv", Amount: 10_000_000, PendingAmount: 10_000_000, Status: models.InvestmentStatusClaimed}
		_, err := svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig", Amount: decimal.NewFromInt(10)})
		assert.ErrorIs(t, err, ErrPresaleClosed)
	})

	t.Run("unknown investor", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		_, err := svc.Confirm(ctx, "p1", ConfirmRequest{Wallet: wallet, TransactionHash: "sig", Amount: decimal.NewFromInt(20)})
		assert.ErrorIs(t, err, settlement.ErrNotFound)
	})
}

func draft() PresaleDraft {
	decimals := uint8(6)
	return PresaleDraft{
		Name:          "Alpha",
		Ticker:        "ALP",
		TeamWallet:    wallet,
		CreatorWallet: wallet,
		HardCap:       decimal.NewFromInt(1000),
		SoftCap:       decimal.NewFromInt(300),
		TokenPrice:    decimal.RequireFromString("0.01"),
		TokenMint:     "mint",
		TokenDecimals: &decimals,
		StartDate:     now,
		EndDate:       now.Add(24 * time.Hour),
	}
}

func TestPresaleDraft(t *testing.T) {
	svc, _, _, _ := newTestService()

	p, err := svc.Presale(draft())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), p.HardCap)
	assert.Equal(t, int64(300_000_000), p.SoftCap)
	assert.Equal(t, int64(10_000), p.TokenPrice)
	assert.Equal(t, uint8(6), p.TokenDecimals)
	assert.Equal(t, models.PresaleStatusPending, p.Status)

	d := draft()
	d.EndDate = d.StartDate
	_, err = svc.Presale(d)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	d = draft()
	d.SoftCap = decimal.NewFromInt(2000)
	_, err = svc.Presale(d)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreationFlow(t *testing.T) {
	svc, store, verifier, _ := newTestService()
	ctx := context.Background()

	required, err := svc.InitiateCreation(ctx, draft())
	require.NoError(t, err)
	assert.Equal(t, "1", required.CreationFee)
	assert.Equal(t, "custody", required.Instructions.Recipient)

	d := draft()
	d.TransactionHash = "fee-sig"
	presale, err := svc.CompleteCreation(ctx, d)
	require.NoError(t, err)
	assert.Same(t, store.created, presale)
	require.NotNil(t, store.fee)
	assert.Equal(t, models.EscrowTxCreationFee, store.fee.Type)
	assert.Equal(t, uint64(1_000_000), store.fee.Amount)
	assert.Equal(t, "fee-sig", store.fee.TransactionHash)
	require.Len(t, verifier.payloads, 1)
	assert.Equal(t, "1", verifier.payloads[0].Amount)

	verifier.resp = &x402.VerifyResponse{}
	_, err = svc.CompleteCreation(ctx, d)
	assert.ErrorIs(t, err, ErrPaymentNotVerified)
}
