package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"launchpad/internal/metrics"
	"launchpad/internal/models"
)

const (
	PathSuccess = "success"
	PathFailure = "failure"
)

// Config holds the engine's tunables. Zero values are replaced by defaults in NewEngine.
type Config struct {
	// SettlementMint is the stablecoin investors pay in (USDC).
	SettlementMint     string
	SettlementDecimals uint8
	// FeeBps is the platform fee on successful raises, in basis points.
	FeeBps int64
	// CustodyAddress is used for deposit checks when no signer is configured.
	CustodyAddress string

	TransferAttempts int
	RetryBackoff     time.Duration
	LeaseTTL         time.Duration
	Now              func() time.Time
}

const (
	DefaultFeeBps           = 250
	DefaultTransferAttempts = 3
	DefaultRetryBackoff     = 500 * time.Millisecond
	DefaultLeaseTTL         = 30 * time.Minute
	USDCMainnetMint         = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// Engine settles presales: it verifies token deposits, decides outcomes and moves
// custody funds along the success or failure path.
type Engine struct {
	store     Store
	transfers TransferExecutor
	balances  BalanceOracle
	signer    Signer
	events    EventPublisher
	cfg       Config
	locks     *presaleLocks
	logger    *log.Entry
}

// NewEngine builds an engine. signer may be nil; deposit checks still work but every
// settlement is refused with ErrSignerUnavailable.
func NewEngine(store Store, transfers TransferExecutor, balances BalanceOracle, signer Signer, cfg Config) *Engine {
	if cfg.SettlementMint == "" {
		cfg.SettlementMint = USDCMainnetMint
		cfg.SettlementDecimals = 6
	}
	if cfg.FeeBps <= 0 {
		cfg.FeeBps = DefaultFeeBps
	}
	if cfg.TransferAttempts <= 0 {
		cfg.TransferAttempts = DefaultTransferAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:     store,
		transfers: transfers,
		balances:  balances,
		signer:    signer,
		cfg:       cfg,
		locks:     newPresaleLocks(),
		logger:    log.WithField("component", "settlement"),
	}
}

// SetEventPublisher configures where lifecycle events are sent. Publishing is best effort.
func (e *Engine) SetEventPublisher(p EventPublisher) { e.events = p }

// SetLogger replaces the engine's base log entry.
func (e *Engine) SetLogger(entry *log.Entry) { e.logger = entry }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// CustodyAddress is the account holding escrowed funds.
func (e *Engine) CustodyAddress() string {
	if e.signer != nil {
		return e.signer.Address()
	}
	return e.cfg.CustodyAddress
}

func (e *Engine) settlementAsset() Asset {
	return Asset{Mint: e.cfg.SettlementMint, Decimals: e.cfg.SettlementDecimals}
}

// MarkFunded promotes an active presale to funded. Calling it on a funded presale is a no-op.
func (e *Engine) MarkFunded(ctx context.Context, presaleID string) error {
	presale, err := e.store.GetPresale(ctx, presaleID)
	if err != nil {
		return err
	}
	if presale.Status == models.PresaleStatusFunded {
		return nil
	}
	if err := Transition(presale.Status, models.PresaleStatusFunded); err != nil {
		return err
	}
	ok, err := e.store.UpdatePresaleStatus(ctx, presaleID, sourcesOf(models.PresaleStatusFunded), models.PresaleStatusFunded)
	if err != nil {
		return fmt.Errorf("mark presale %s funded: %w", presaleID, err)
	}
	if !ok {
		return fmt.Errorf("%w: presale %s changed state concurrently", ErrSettlementInProgress, presaleID)
	}
	return nil
}

// settlementRun is a claimed settlement. finish must be called exactly once.
type settlementRun struct {
	engine  *Engine
	presale *models.Presale
	path    string
	owner   string
	logger  *log.Entry
	lost    bool
}

// renew pushes the lease forward before a transfer. Once another owner holds the
// presale every later call fails with ErrLeaseLost.
func (r *settlementRun) renew(ctx context.Context) error {
	if r.lost {
		return fmt.Errorf("%w: presale %s", ErrLeaseLost, r.presale.ID)
	}
	e := r.engine
	ok, err := e.store.ExtendSettlement(ctx, SettlementExtension{
		PresaleID:  r.presale.ID,
		Owner:      r.owner,
		LeaseUntil: e.cfg.Now().Add(e.cfg.LeaseTTL),
	})
	if err != nil {
		return fmt.Errorf("renew settlement lease: %w", err)
	}
	if !ok {
		r.lost = true
		r.logger.Error("Settlement lease taken over by another run, stopping before next transfer")
		return fmt.Errorf("%w: presale %s", ErrLeaseLost, r.presale.ID)
	}
	return nil
}

// claim takes the in-process lock and the store lease for one settlement path.
// The returned presale snapshot is re-read after the lease was taken.
func (e *Engine) claim(ctx context.Context, presaleID, path string) (*settlementRun, error) {
	if e.signer == nil {
		return nil, ErrSignerUnavailable
	}
	if !e.locks.tryLock(presaleID) {
		metrics.SettlementRuns.WithLabelValues(path, "in_progress").Inc()
		return nil, fmt.Errorf("%w: presale %s", ErrSettlementInProgress, presaleID)
	}

	run, err := e.claimLocked(ctx, presaleID, path)
	if err != nil {
		e.locks.unlock(presaleID)
		result := "rejected"
		if errors.Is(err, ErrSettlementInProgress) {
			result = "in_progress"
		}
		metrics.SettlementRuns.WithLabelValues(path, result).Inc()
		return nil, err
	}
	return run, nil
}

func (e *Engine) claimLocked(ctx context.Context, presaleID, path string) (*settlementRun, error) {
	target := models.PresaleStatusSettlingSuccess
	if path == PathFailure {
		target = models.PresaleStatusSettlingFailure
	}

	presale, err := e.store.GetPresale(ctx, presaleID)
	if err != nil {
		return nil, err
	}
	if err := Transition(presale.Status, target); err != nil {
		return nil, err
	}
	if path == PathSuccess && presale.TokenMint == "" {
		return nil, fmt.Errorf("%w: presale %s has no token mint to distribute", ErrInvalidState, presaleID)
	}

	now := e.cfg.Now()
	owner := uuid.NewString()
	ok, err := e.store.ClaimSettlement(ctx, SettlementClaim{
		PresaleID:  presaleID,
		From:       sourcesOf(target),
		To:         target,
		Owner:      owner,
		Now:        now,
		LeaseUntil: now.Add(e.cfg.LeaseTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("claim settlement for presale %s: %w", presaleID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: presale %s is leased by another settlement", ErrSettlementInProgress, presaleID)
	}

	// Fresh snapshot: investments may have been settled by the previous lease holder.
	presale, err = e.store.GetPresale(ctx, presaleID)
	if err != nil {
		e.releaseLease(presaleID, owner, target, nil)
		return nil, err
	}

	return &settlementRun{
		engine:  e,
		presale: presale,
		path:    path,
		owner:   owner,
		logger: e.logger.WithFields(log.Fields{
			"presale_id": presaleID,
			"path":       path,
		}),
	}, nil
}

// finish drops the lease. When done is true the presale moves to its terminal state,
// otherwise it stays parked in its settling state for a later resume.
func (r *settlementRun) finish(done bool, payload interface{}) models.PresaleStatus {
	e := r.engine
	defer e.locks.unlock(r.presale.ID)

	parked := models.PresaleStatusSettlingSuccess
	terminal := models.PresaleStatusCompleted
	if r.path == PathFailure {
		parked = models.PresaleStatusSettlingFailure
		terminal = models.PresaleStatusFailed
	}

	if r.lost {
		// The new owner finishes the presale and reports it.
		status := e.currentStatus(r.presale.ID, parked)
		metrics.SettlementRuns.WithLabelValues(r.path, "lease_lost").Inc()
		r.logger.Warnf("Settlement run abandoned, presale is %s", status)
		return status
	}

	status := parked
	var settledAt *time.Time
	if done {
		status = terminal
		now := e.cfg.Now()
		settledAt = &now
	}

	if err := e.releaseLease(r.presale.ID, r.owner, status, settledAt); err != nil {
		r.logger.Errorf("Failed to release settlement lease: %v", err)
		status = e.currentStatus(r.presale.ID, parked)
	}

	eventType := EventSettlementParked
	result := "parked"
	if status == terminal {
		eventType = EventSettlementFinished
		result = "completed"
	}
	metrics.SettlementRuns.WithLabelValues(r.path, result).Inc()
	e.publish(Event{
		Type:      eventType,
		PresaleID: r.presale.ID,
		Status:    status,
		Path:      r.path,
		Payload:   payload,
		At:        e.cfg.Now(),
	})
	return status
}

// currentStatus re-reads the stored status, falling back when the read fails.
func (e *Engine) currentStatus(presaleID string, fallback models.PresaleStatus) models.PresaleStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	presale, err := e.store.GetPresale(ctx, presaleID)
	if err != nil {
		e.logger.WithField("presale_id", presaleID).Warnf("Failed to re-read presale status: %v", err)
		return fallback
	}
	return presale.Status
}

func (e *Engine) releaseLease(presaleID, owner string, status models.PresaleStatus, settledAt *time.Time) error {
	// The lease must be released even if the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.persist(ctx, func(ctx context.Context) error {
		return e.store.ReleaseSettlement(ctx, SettlementRelease{
			PresaleID: presaleID,
			Owner:     owner,
			Status:    status,
			SettledAt: settledAt,
		})
	})
}

func (e *Engine) publish(event Event) {
	if e.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.WithField("presale_id", event.PresaleID).Warnf("Failed to publish %s event: %v", event.Type, err)
	}
}

// presaleLocks is a per-presale try-lock. Holders of different presales never block each other.
type presaleLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newPresaleLocks() *presaleLocks {
	return &presaleLocks{held: make(map[string]struct{})}
}

func (l *presaleLocks) tryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *presaleLocks) unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
