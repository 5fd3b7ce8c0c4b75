// Package app assembles the settlement stack from Settings. Every binary builds the
// same graph; they differ only in which parts they run.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"launchpad/internal/handlers"
	"launchpad/internal/payments"
	"launchpad/internal/queue"
	"launchpad/internal/settlement"
	"launchpad/internal/store"
	"launchpad/pkg/config"
	"launchpad/pkg/solana"
	"launchpad/pkg/x402"
)

const rpcHealthTimeout = 5 * time.Second

type App struct {
	Settings  *config.Settings
	Store     *store.Store
	Engine    *settlement.Engine
	Scheduler *settlement.Scheduler
	Payments  *payments.Service
	Custodian *solana.Custodian
	// Publisher is nil when no broker is configured.
	Publisher *config.Publisher
}

// Build wires the ledger, chain client, custody signer and settlement engine on top of
// an open database.
func Build(ctx context.Context, s *config.Settings, db *gorm.DB) (*App, error) {
	endpoint, err := pickEndpoint(ctx, s.SolanaRPC)
	if err != nil {
		return nil, err
	}
	client := rpc.New(endpoint)
	log.Infof("> Using Solana RPC %s", endpoint)

	custodian, err := solana.LoadCustodian(s.PlatformWalletSecret, solana.NewKeyManager(s.KeystoreDir), s.KeystoreAddress, s.KeystorePassword)
	if err != nil {
		return nil, fmt.Errorf("load custody key: %w", err)
	}
	var signer settlement.Signer
	if custodian != nil {
		signer = custodian
		log.Infof("> Custody wallet %s", custodian.Address())
	} else {
		log.Warn("No custody key configured, settlements will be refused")
	}

	commitment := rpc.CommitmentType(s.Commitment)
	confirmer := solana.NewConfirmer(client, s.SolanaWS, 0)
	transfers := solana.NewTokenTransferer(client, confirmer, solana.TransferConfig{RequestsPerSecond: s.SolanaRPS})
	balances := solana.NewBalanceReader(client, commitment)

	ledger := store.New(db)
	engine := settlement.NewEngine(ledger, transfers, balances, signer, settlement.Config{
		SettlementMint:     s.SettlementMint,
		SettlementDecimals: s.SettlementDecimals,
		FeeBps:             s.PlatformFeeBps,
		TransferAttempts:   s.TransferAttempts,
		RetryBackoff:       s.RetryBackoff,
		LeaseTTL:           s.LeaseTTL,
	})
	scheduler := settlement.NewScheduler(engine, settlement.SchedulerConfig{
		Schedule:    s.SettlementCron,
		Concurrency: s.SettlementConcurrency,
		MaxAutoRuns: s.MaxAutoRuns,
	})

	cfg := engine.Config()
	creationFee, err := toUnits(s.CreationFee, cfg.SettlementDecimals)
	if err != nil {
		return nil, fmt.Errorf("CREATION_FEE: %w", err)
	}
	minInvestment, err := toUnits(s.MinInvestment, cfg.SettlementDecimals)
	if err != nil {
		return nil, fmt.Errorf("MIN_INVESTMENT: %w", err)
	}
	facilitator := x402.NewClient(s.X402FacilitatorURL)
	pay := payments.NewService(ledger, facilitator, facilitator, engine, payments.Config{
		Network:            s.PaymentNetwork,
		Token:              s.PaymentToken,
		SettlementMint:     cfg.SettlementMint,
		SettlementDecimals: cfg.SettlementDecimals,
		Custody:            engine.CustodyAddress(),
		CreationFee:        creationFee,
		MinInvestment:      minInvestment,
	})

	return &App{
		Settings:  s,
		Store:     ledger,
		Engine:    engine,
		Scheduler: scheduler,
		Payments:  pay,
		Custodian: custodian,
	}, nil
}

// ConnectQueue attaches the broker: engine events go to the event queue and the
// returned publisher can enqueue worker commands. Without a configured broker it
// returns nil and changes nothing.
func (a *App) ConnectQueue() (*config.Publisher, error) {
	if !a.Settings.RabbitMQEnabled() {
		log.Info("RabbitMQ not configured, skipping initialization")
		return nil, nil
	}
	if err := config.InitRabbitMQ(a.Settings.RabbitMQURL); err != nil {
		return nil, err
	}
	pub, err := config.NewPublisher()
	if err != nil {
		return nil, err
	}
	a.Engine.SetEventPublisher(queue.NewEvents(pub))
	a.Publisher = pub
	return pub, nil
}

// Handler builds the HTTP handler, with async admin triggers when a publisher is attached.
func (a *App) Handler() *handlers.Handler {
	h := handlers.New(a.Store, a.Payments, a.Engine, a.Scheduler)
	if a.Publisher != nil {
		pub := a.Publisher
		h.SetEnqueuer(func(ctx context.Context, cmd queue.Command) error {
			return queue.Enqueue(ctx, pub, cmd)
		})
	}
	return h
}

// Close releases the broker connection.
func (a *App) Close() {
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	config.CloseRabbitMQ()
}

func pickEndpoint(ctx context.Context, endpoints []string) (string, error) {
	switch len(endpoints) {
	case 0:
		return "", errors.New("no Solana RPC endpoint configured (SOLANA_RPC)")
	case 1:
		return endpoints[0], nil
	}
	endpoint, err := solana.PickFastestRPC(ctx, endpoints, rpcHealthTimeout)
	if err != nil {
		log.Warnf("RPC health check failed, falling back to %s: %v", endpoints[0], err)
		return endpoints[0], nil
	}
	return endpoint, nil
}

// toUnits converts a decimal setting to the settlement currency's smallest unit.
func toUnits(raw string, decimals uint8) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	scaled := d.Shift(int32(decimals))
	if scaled.IsNegative() || !scaled.IsInteger() {
		return 0, fmt.Errorf("%s is not a valid amount with %d decimals", raw, decimals)
	}
	return scaled.IntPart(), nil
}
