package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpad/internal/models"
	"launchpad/internal/payments"
	"launchpad/internal/queue"
	"launchpad/internal/settlement"
	"launchpad/internal/store"
	"launchpad/pkg/x402"
)

type fakeStore struct {
	presales map[string]models.Presale
	txs      []models.EscrowTransaction
	filter   store.PresaleFilter
}

func (f *fakeStore) GetPresale(ctx context.Context, id string) (*models.Presale, error) {
	p, ok := f.presales[id]
	if !ok {
		return nil, fmt.Errorf("presale %s: %w", id, settlement.ErrNotFound)
	}
	return &p, nil
}

func (f *fakeStore) ListPresales(ctx context.Context, filter store.PresaleFilter) ([]models.Presale, int64, error) {
	f.filter = filter
	var out []models.Presale
	for _, p := range f.presales {
		out = append(out, p)
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) ListEscrowTransactions(ctx context.Context, presaleID string) ([]models.EscrowTransaction, error) {
	return f.txs, nil
}

func (f *fakeStore) Stats(ctx context.Context) (*store.PlatformStats, error) {
	return &store.PlatformStats{}, nil
}

func (f *fakeStore) EscrowOverview(ctx context.Context) ([]store.EscrowSummary, error) {
	return []store.EscrowSummary{}, nil
}

func (f *fakeStore) DistributionProgress(ctx context.Context, presaleID string) (*store.DistributionProgress, error) {
	if _, ok := f.presales[presaleID]; !ok {
		return nil, settlement.ErrNotFound
	}
	return &store.DistributionProgress{
		PresaleID:      presaleID,
		TotalInvestors: 3,
		Distributed:    2,
		Pending:        1,
		Distributions: []store.DistributionRecord{
			{InvestorWallet: "InvA", InvestedAmount: 100, TokensReceived: 1000, TransactionHash: "sig-a"},
			{InvestorWallet: "InvB", InvestedAmount: 50, TokensReceived: 500, TransactionHash: "sig-b"},
		},
	}, nil
}

type fakePayments struct {
	initiated *payments.InvestRequest
	confirmed *payments.ConfirmRequest
	confirm   *payments.ConfirmResult
	err       error
}

func (f *fakePayments) Initiate(ctx context.Context, presaleID string, req payments.InvestRequest) (*payments.PaymentRequired, error) {
	f.initiated = &req
	if f.err != nil {
		return nil, f.err
	}
	return &payments.PaymentRequired{
		Error:        "Payment Required",
		InvestmentID: "inv-1",
		Instructions: x402.Instructions{Network: "solana", Token: "USDC", Amount: req.Amount.String(), Recipient: "custody"},
	}, nil
}

func (f *fakePayments) Confirm(ctx context.Context, presaleID string, req payments.ConfirmRequest) (*payments.ConfirmResult, error) {
	f.confirmed = &req
	if f.err != nil {
		return nil, f.err
	}
	return f.confirm, nil
}

func (f *fakePayments) InitiateCreation(ctx context.Context, d payments.PresaleDraft) (*payments.PaymentRequired, error) {
	return &payments.PaymentRequired{Error: "Payment Required", CreationFee: "1"}, nil
}

func (f *fakePayments) CompleteCreation(ctx context.Context, d payments.PresaleDraft) (*models.Presale, error) {
	return &models.Presale{ID: "new", Name: d.Name, Status: models.PresaleStatusPending}, nil
}

type fakeSettlement struct {
	err     error
	success *settlement.SuccessResult
	calls   []string
}

func (f *fakeSettlement) CheckDeposit(ctx context.Context, presaleID string) (*settlement.DepositStatus, error) {
	f.calls = append(f.calls, "deposit:"+presaleID)
	if f.err != nil {
		return nil, f.err
	}
	return &settlement.DepositStatus{PresaleID: presaleID, TokensDeposited: true}, nil
}

func (f *fakeSettlement) DepositInstructions(ctx context.Context, presaleID string) (*settlement.DepositInstructions, error) {
	return &settlement.DepositInstructions{PresaleID: presaleID, Address: "custody"}, nil
}

func (f *fakeSettlement) SettleSuccess(ctx context.Context, presaleID string) (*settlement.SuccessResult, error) {
	f.calls = append(f.calls, "success:"+presaleID)
	if f.err != nil {
		return nil, f.err
	}
	return f.success, nil
}

func (f *fakeSettlement) SettleFailure(ctx context.Context, presaleID string) (*settlement.FailureResult, error) {
	f.calls = append(f.calls, "failure:"+presaleID)
	if f.err != nil {
		return nil, f.err
	}
	return &settlement.FailureResult{PresaleID: presaleID, Completed: true}, nil
}

type fakeSweeper struct {
	result *settlement.SweepResult
	err    error
}

func (f *fakeSweeper) CheckAndSettleDuePresales(ctx context.Context) (*settlement.SweepResult, error) {
	return f.result, f.err
}

type harness struct {
	store      *fakeStore
	payments   *fakePayments
	settlement *fakeSettlement
	sweeper    *fakeSweeper
	handler    *Handler
	router     *gin.Engine
}

func newHarness() *harness {
	gin.SetMode(gin.TestMode)
	h := &harness{
		store: &fakeStore{presales: map[string]models.Presale{
			"p1": {ID: "p1", Name: "Alpha", HardCap: 1000, CurrentRaised: 250, Status: models.PresaleStatusActive},
		}},
		payments:   &fakePayments{},
		settlement: &fakeSettlement{},
		sweeper:    &fakeSweeper{result: &settlement.SweepResult{Checked: 2, Succeeded: 1, Failed: 1}},
	}
	h.handler = New(h.store, h.payments, h.settlement, h.sweeper)

	r := gin.New()
	r.GET("/presales", h.handler.ListPresales)
	r.POST("/presales", h.handler.CreatePresale)
	r.GET("/presales/:id", h.handler.GetPresale)
	r.POST("/presales/:id/invest", h.handler.Invest)
	r.GET("/presales/:id/escrow", h.handler.GetEscrowStatus)
	r.GET("/presales/:id/escrow/transactions", h.handler.ListEscrowTransactions)
	r.POST("/admin/execute-success", h.handler.ExecuteSuccess)
	r.POST("/admin/execute-refund", h.handler.ExecuteRefund)
	r.GET("/admin/escrow", h.handler.GetEscrowOverview)
	r.GET("/admin/distributions", h.handler.GetDistributions)
	r.POST("/cron/check-presales", h.handler.CheckPresales)
	h.router = r
	return h
}

func (h *harness) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", settlement.ErrNotFound), http.StatusNotFound},
		{settlement.ErrInvalidState, http.StatusConflict},
		{settlement.ErrSettlementInProgress, http.StatusConflict},
		{payments.ErrHardCapExceeded, http.StatusConflict},
		{fmt.Errorf("confirm: %w", payments.ErrPresaleClosed), http.StatusConflict},
		{payments.ErrNothingPending, http.StatusConflict},
		{settlement.ErrSignerUnavailable, http.StatusServiceUnavailable},
		{payments.ErrInvalidRequest, http.StatusBadRequest},
		{payments.ErrPaymentNotVerified, http.StatusPaymentRequired},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, statusFor(tc.err), tc.err.Error())
	}
}

func TestGetPresale(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/presales/p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "p1", body["id"])
	assert.Equal(t, 25.0, body["progress"])

	w = h.do(http.MethodGet, "/presales/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPresalesParsesFilter(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/presales?status=Active,%20funded&page=2&limit=500", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, h.store.filter.Page)
	assert.Equal(t, 12, h.store.filter.Limit)
	assert.Equal(t, []models.PresaleStatus{"active", "funded"}, h.store.filter.Statuses)

	body := decode(t, w)
	pagination := body["pagination"].(map[string]interface{})
	assert.Equal(t, 1.0, pagination["total"])
	assert.Equal(t, 1.0, pagination["total_pages"])
}

func TestInvestWithoutHashReturns402(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/presales/p1/invest", map[string]interface{}{
		"investor_wallet": "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		"amount":          "12.5",
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))
	assert.Contains(t, w.Header().Get("X-Payment-Instructions"), `"amount":"12.5"`)
	require.NotNil(t, h.payments.initiated)
	assert.Nil(t, h.payments.confirmed)
	assert.Equal(t, "inv-1", decode(t, w)["investment_id"])
}

func TestInvestWithHashConfirms(t *testing.T) {
	h := newHarness()
	h.payments.confirm = &payments.ConfirmResult{
		Investment: models.Investment{ID: "inv-1", Amount: 12_500_000},
		Presale:    models.Presale{Status: models.PresaleStatusFunded, CurrentRaised: 1000},
		Duplicate:  true,
	}

	w := h.do(http.MethodPost, "/presales/p1/invest", map[string]interface{}{
		"investor_wallet":  "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		"amount":           "12.5",
		"transaction_hash": "sig",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, h.payments.confirmed)
	assert.Equal(t, "sig", h.payments.confirmed.TransactionHash)

	body := decode(t, w)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, "Payment already applied", body["message"])
	assert.Equal(t, "funded", body["presale_status"])
}

func TestInvestErrorsMapToStatus(t *testing.T) {
	h := newHarness()
	h.payments.err = fmt.Errorf("would exceed: %w", payments.ErrHardCapExceeded)

	w := h.do(http.MethodPost, "/presales/p1/invest", map[string]interface{}{
		"investor_wallet":  "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		"amount":           "12.5",
		"transaction_hash": "sig",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodPost, "/presales/p1/invest", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreatePresale(t *testing.T) {
	h := newHarness()
	draft := map[string]interface{}{
		"name":        "Alpha",
		"ticker":      "ALP",
		"team_wallet": "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		"hard_cap":    "1000",
		"token_price": "0.01",
		"start_date":  "2026-01-01T00:00:00Z",
		"end_date":    "2026-02-01T00:00:00Z",
	}

	w := h.do(http.MethodPost, "/presales", draft)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	draft["transaction_hash"] = "fee-sig"
	w = h.do(http.MethodPost, "/presales", draft)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Alpha", body["presale"].(map[string]interface{})["name"])

	w = h.do(http.MethodPost, "/presales", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEscrowStatus(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/presales/p1/escrow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["tokens_deposited"])

	h.settlement.err = fmt.Errorf("presale x: %w", settlement.ErrNotFound)
	w = h.do(http.MethodGet, "/presales/x/escrow", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEscrowTransactions(t *testing.T) {
	h := newHarness()
	h.store.txs = []models.EscrowTransaction{{ID: 1, PresaleID: "p1"}}

	w := h.do(http.MethodGet, "/presales/p1/escrow/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["transactions"], 1)

	w = h.do(http.MethodGet, "/presales/nope/escrow/transactions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteSuccessSync(t *testing.T) {
	h := newHarness()
	h.settlement.success = &settlement.SuccessResult{PresaleID: "p1", Completed: true}

	w := h.do(http.MethodPost, "/admin/execute-success", map[string]interface{}{"presale_id": "p1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"success:p1"}, h.settlement.calls)
	assert.Equal(t, true, decode(t, w)["completed"])

	h.settlement.err = settlement.ErrSettlementInProgress
	w = h.do(http.MethodPost, "/admin/execute-success", map[string]interface{}{"presale_id": "p1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodPost, "/admin/execute-success", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteRefundAsync(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/admin/execute-refund", map[string]interface{}{"presale_id": "p1", "async": true})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var queued []queue.Command
	h.handler.SetEnqueuer(func(ctx context.Context, cmd queue.Command) error {
		queued = append(queued, cmd)
		return nil
	})
	w = h.do(http.MethodPost, "/admin/execute-refund", map[string]interface{}{"presale_id": "p1", "async": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, queued, 1)
	assert.Equal(t, queue.ActionSettleFailure, queued[0].Action)
	assert.Equal(t, "p1", queued[0].PresaleID)
	assert.Empty(t, h.settlement.calls)
}

func TestEscrowOverview(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/admin/escrow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "escrow_info")

	w = h.do(http.MethodGet, "/admin/escrow?presale_id=p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"deposit:p1"}, h.settlement.calls)
}

func TestDistributions(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/admin/distributions?presale_id=p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, 3.0, body["total_investors"])
	assert.Equal(t, 2.0, body["distributed"])
	assert.Equal(t, 1.0, body["pending"])
	assert.Len(t, body["distributions"], 2)

	w = h.do(http.MethodGet, "/admin/distributions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/admin/distributions?presale_id=missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckPresales(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/cron/check-presales", nil)
	require.Equal(t, http.StatusOK, w.Code)
	results := decode(t, w)["results"].(map[string]interface{})
	assert.Equal(t, 2.0, results["checked"])

	h.sweeper.err = context.DeadlineExceeded
	h.sweeper.result = nil
	w = h.do(http.MethodPost, "/cron/check-presales", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, 0.0, decode(t, w)["checked"])
}
