package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"launchpad/internal/models"
)

type memStore struct {
	mu            sync.Mutex
	presales      map[string]*models.Presale
	investments   []*models.Investment
	escrow        []models.EscrowTransaction
	distributions map[string]models.TokenDistribution
	failClaims    bool
	// releaseLost applies a release but reports it as failed, like a lost commit ack.
	releaseLost bool

	// beforeExtend runs once, outside the lock, on the next ExtendSettlement call.
	beforeExtend func()
	extensions   int
}

func newMemStore() *memStore {
	return &memStore{
		presales:      make(map[string]*models.Presale),
		distributions: make(map[string]models.TokenDistribution),
	}
}

func (s *memStore) addPresale(p models.Presale, investments ...models.Investment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.presales[p.ID] = &cp
	for i := range investments {
		inv := investments[i]
		inv.PresaleID = p.ID
		if inv.Status == "" {
			inv.Status = models.InvestmentStatusConfirmed
		}
		s.investments = append(s.investments, &inv)
	}
}

func (s *memStore) presale(id string) models.Presale {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.presales[id]
}

func (s *memStore) investment(id string) models.Investment {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.investments {
		if inv.ID == id {
			return *inv
		}
	}
	return models.Investment{}
}

func (s *memStore) escrowOfType(t models.EscrowTransactionType) []models.EscrowTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EscrowTransaction
	for _, tx := range s.escrow {
		if tx.Type == t {
			out = append(out, tx)
		}
	}
	return out
}

func (s *memStore) distributionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.distributions)
}

func (s *memStore) GetPresale(ctx context.Context, id string) (*models.Presale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presales[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Investments = nil
	for _, inv := range s.investments {
		if inv.PresaleID == id && inv.Status != models.InvestmentStatusPending {
			cp.Investments = append(cp.Investments, *inv)
		}
	}
	return &cp, nil
}

func (s *memStore) ListDuePresales(ctx context.Context, now time.Time, statuses []models.PresaleStatus) ([]models.Presale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Presale
	for _, p := range s.presales {
		if p.EndDate.After(now) || !containsStatus(statuses, p.Status) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *memStore) UpdatePresaleStatus(ctx context.Context, id string, from []models.PresaleStatus, to models.PresaleStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presales[id]
	if !ok {
		return false, ErrNotFound
	}
	if !containsStatus(from, p.Status) {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (s *memStore) ClaimSettlement(ctx context.Context, claim SettlementClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failClaims {
		return false, errors.New("database unavailable")
	}
	p, ok := s.presales[claim.PresaleID]
	if !ok {
		return false, ErrNotFound
	}
	if !containsStatus(claim.From, p.Status) {
		return false, nil
	}
	if p.SettlementLeaseUntil != nil && p.SettlementLeaseUntil.After(claim.Now) {
		return false, nil
	}
	lease := claim.LeaseUntil
	p.Status = claim.To
	p.SettlementOwner = claim.Owner
	p.SettlementLeaseUntil = &lease
	p.SettlementRuns++
	return true, nil
}

func (s *memStore) ExtendSettlement(ctx context.Context, ext SettlementExtension) (bool, error) {
	s.mu.Lock()
	hook := s.beforeExtend
	s.beforeExtend = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presales[ext.PresaleID]
	if !ok {
		return false, ErrNotFound
	}
	if ext.Owner == "" || p.SettlementOwner != ext.Owner {
		return false, nil
	}
	lease := ext.LeaseUntil
	p.SettlementLeaseUntil = &lease
	s.extensions++
	return true, nil
}

func (s *memStore) extensionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extensions
}

func (s *memStore) ReleaseSettlement(ctx context.Context, release SettlementRelease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presales[release.PresaleID]
	if !ok {
		return ErrNotFound
	}
	if p.SettlementOwner != release.Owner {
		return fmt.Errorf("lease for %s not held by %s", release.PresaleID, release.Owner)
	}
	p.Status = release.Status
	p.SettlementOwner = ""
	p.SettlementLeaseUntil = nil
	p.SettledAt = release.SettledAt
	if s.releaseLost {
		return errors.New("connection reset after commit")
	}
	return nil
}

func (s *memStore) UpdateInvestment(ctx context.Context, id string, update InvestmentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.investments {
		if inv.ID != id {
			continue
		}
		if update.Status != "" {
			inv.Status = update.Status
		}
		if update.ClaimTxHash != "" {
			inv.ClaimTxHash = update.ClaimTxHash
		}
		if update.ClaimedAt != nil {
			inv.ClaimedAt = update.ClaimedAt
		}
		if update.RefundTxHash != "" {
			inv.RefundTxHash = update.RefundTxHash
		}
		if update.RefundedAt != nil {
			inv.RefundedAt = update.RefundedAt
		}
		if update.LastError != nil {
			inv.LastError = *update.LastError
		}
		return nil
	}
	return ErrNotFound
}

func (s *memStore) CreateEscrowTransaction(ctx context.Context, tx *models.EscrowTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.ID = uint(len(s.escrow) + 1)
	s.escrow = append(s.escrow, *tx)
	return nil
}

func (s *memStore) FindEscrowTransaction(ctx context.Context, presaleID string, txType models.EscrowTransactionType) (*models.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.escrow {
		if tx.PresaleID == presaleID && tx.Type == txType {
			found := tx
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) CreateTokenDistribution(ctx context.Context, dist *models.TokenDistribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createDistributionLocked(dist)
}

func (s *memStore) createDistributionLocked(dist *models.TokenDistribution) error {
	if _, ok := s.distributions[dist.InvestmentID]; ok {
		return fmt.Errorf("duplicate distribution for %s", dist.InvestmentID)
	}
	dist.ID = uint(len(s.distributions) + 1)
	s.distributions[dist.InvestmentID] = *dist
	return nil
}

func (s *memStore) FindTokenDistribution(ctx context.Context, investmentID string) (*models.TokenDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dist, ok := s.distributions[investmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &dist, nil
}

func (s *memStore) RecordClaim(ctx context.Context, investmentID string, dist *models.TokenDistribution, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createDistributionLocked(dist); err != nil {
		return err
	}
	for _, inv := range s.investments {
		if inv.ID == investmentID {
			inv.Status = models.InvestmentStatusClaimed
			inv.ClaimTxHash = dist.TransactionHash
			inv.ClaimedAt = &at
			inv.LastError = ""
		}
	}
	return nil
}

func (s *memStore) RecordRefund(ctx context.Context, investmentID string, refund *models.EscrowTransaction, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	refund.ID = uint(len(s.escrow) + 1)
	s.escrow = append(s.escrow, *refund)
	for _, inv := range s.investments {
		if inv.ID == investmentID {
			inv.Status = models.InvestmentStatusRefunded
			inv.RefundTxHash = refund.TransactionHash
			inv.RefundedAt = &at
			inv.LastError = ""
		}
	}
	return nil
}

func containsStatus(list []models.PresaleStatus, status models.PresaleStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

type fakeSigner struct{ address string }

func (f fakeSigner) Address() string                     { return f.address }
func (f fakeSigner) Sign(message []byte) ([]byte, error) { return make([]byte, 64), nil }

// fakeExecutor records transfers. Destinations in failFor fail on every attempt.
type fakeExecutor struct {
	mu        sync.Mutex
	transfers []TransferRequest
	attempts  map[string]int
	failFor   map[string]bool
	// gate, when set, blocks every transfer until it is closed; entered is signalled first.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{attempts: make(map[string]int), failFor: make(map[string]bool)}
}

func (f *fakeExecutor) Transfer(ctx context.Context, signer Signer, req TransferRequest) (string, error) {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[req.Destination]++
	if f.failFor[req.Destination] {
		return "", errors.New("blockhash not found")
	}
	f.transfers = append(f.transfers, req)
	return fmt.Sprintf("sig-%d", len(f.transfers)), nil
}

func (f *fakeExecutor) sent() []TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TransferRequest(nil), f.transfers...)
}

func (f *fakeExecutor) sentTo(destination string) []TransferRequest {
	var out []TransferRequest
	for _, t := range f.sent() {
		if t.Destination == destination {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeExecutor) setFail(destination string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[destination] = fail
}

type fakeOracle struct {
	mu       sync.Mutex
	balances map[string]uint64
	err      error
}

func (f *fakeOracle) TokenBalance(ctx context.Context, mint, owner string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	balance, ok := f.balances[mint]
	if !ok {
		return 0, ErrTokenAccountNotFound
	}
	return balance, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
