package solana

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"launchpad/internal/settlement"
)

// RPC is the subset of the Solana JSON-RPC client used by the custody layer.
// *rpc.Client satisfies it.
type RPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

type TransferConfig struct {
	// RequestsPerSecond caps outgoing transactions across every caller of the transferer.
	RequestsPerSecond int
	SkipPreflight     bool
	ConfirmTimeout    time.Duration
}

const (
	DefaultRequestsPerSecond = 5
	DefaultConfirmTimeout    = 60 * time.Second
)

// TokenTransferer sends SPL token transfers out of the custody wallet. It creates the
// destination's associated token account when missing, with custody paying rent.
//
// A transaction whose outcome is unknown (send or confirmation failed) is kept until its
// blockhash expires. Retrying the same request resolves that transaction first, so a
// transfer that landed late is reported rather than sent again.
type TokenTransferer struct {
	client    RPC
	confirmer *Confirmer
	limiter   *rate.Limiter
	cfg       TransferConfig

	mu      sync.Mutex
	pending map[string]*pendingTransfer
}

// pendingTransfer is a signed transaction that may or may not have landed.
type pendingTransfer struct {
	tx                   *solana.Transaction
	sig                  solana.Signature
	lastValidBlockHeight uint64
}

func transferKey(owner string, req settlement.TransferRequest) string {
	return fmt.Sprintf("%s|%s|%s|%d", owner, req.Asset.Mint, req.Destination, req.Amount)
}

func NewTokenTransferer(client RPC, confirmer *Confirmer, cfg TransferConfig) *TokenTransferer {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if confirmer == nil {
		confirmer = NewConfirmer(client, "", 0)
	}
	return &TokenTransferer{
		client:    client,
		confirmer: confirmer,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond),
		cfg:       cfg,
		pending:   make(map[string]*pendingTransfer),
	}
}

// Transfer moves req.Amount of req.Asset from the signer's associated token account to
// the destination wallet's and waits for confirmation. It makes a single attempt;
// retries belong to the caller and resolve the previous attempt first.
func (t *TokenTransferer) Transfer(ctx context.Context, signer settlement.Signer, req settlement.TransferRequest) (string, error) {
	if signer == nil {
		return "", settlement.ErrSignerUnavailable
	}
	if req.Amount == 0 {
		return "", errors.New("transfer amount must be positive")
	}
	owner, err := solana.PublicKeyFromBase58(signer.Address())
	if err != nil {
		return "", fmt.Errorf("invalid custody address: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(req.Asset.Mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint: %w", err)
	}
	dest, err := solana.PublicKeyFromBase58(req.Destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination: %w", err)
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return "", err
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(dest, mint)
	if err != nil {
		return "", err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}

	key := transferKey(signer.Address(), req)
	if p := t.pendingFor(key); p != nil {
		receipt, resolved, err := t.resume(ctx, key, p)
		if resolved {
			return receipt, err
		}
	}

	var instructions []solana.Instruction
	exists, err := t.accountExists(ctx, destATA)
	if err != nil {
		return "", err
	}
	if !exists {
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(owner, dest, mint).Build())
		log.WithFields(log.Fields{"wallet": req.Destination, "mint": req.Asset.Mint}).Info("> Creating destination token account")
	}
	instructions = append(instructions, token.NewTransferCheckedInstruction(
		req.Amount, req.Asset.Decimals, sourceATA, mint, destATA, owner, []solana.PublicKey{},
	).Build())

	bh, err := t.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(instructions, bh.Value.Blockhash, solana.TransactionPayer(owner))
	if err != nil {
		return "", err
	}
	if err := signTransaction(tx, signer); err != nil {
		return "", err
	}

	p := &pendingTransfer{tx: tx, sig: tx.Signatures[0], lastValidBlockHeight: bh.Value.LastValidBlockHeight}
	// Remembered before sending: a send error does not prove the node dropped it.
	t.remember(key, p)
	if _, err := t.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       t.cfg.SkipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	}); err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			// rejected by the node, never forwarded
			t.forget(key)
		}
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return t.await(ctx, key, p.sig)
}

// resume resolves a transaction left by an earlier attempt. resolved is false only when
// that transaction can no longer land, so a new one may be built.
func (t *TokenTransferer) resume(ctx context.Context, key string, p *pendingTransfer) (string, bool, error) {
	logger := log.WithField("signature", p.sig.String())

	// Height first: a status miss only proves anything once the blockhash expired.
	height, err := t.client.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return "", true, fmt.Errorf("get block height: %w", err)
	}
	res, err := t.client.GetSignatureStatuses(ctx, true, p.sig)
	if err != nil {
		return "", true, fmt.Errorf("get signature status %s: %w", p.sig, err)
	}
	var status *rpc.SignatureStatusesResult
	if res != nil && len(res.Value) > 0 {
		status = res.Value[0]
	}

	switch {
	case status != nil && status.Err != nil:
		logger.Warn("> Earlier transfer attempt failed on chain, rebuilding")
		t.forget(key)
		return "", false, nil
	case status != nil:
		logger.Info("> Earlier transfer attempt landed")
		receipt, err := t.await(ctx, key, p.sig)
		return receipt, true, err
	case height > p.lastValidBlockHeight:
		logger.Info("> Earlier transfer attempt expired unseen, rebuilding")
		t.forget(key)
		return "", false, nil
	}

	logger.Info("> Re-broadcasting earlier transfer attempt")
	if _, err := t.client.SendTransactionWithOpts(ctx, p.tx, rpc.TransactionOpts{SkipPreflight: true}); err != nil {
		return "", true, fmt.Errorf("resend transaction %s: %w", p.sig, err)
	}
	receipt, err := t.await(ctx, key, p.sig)
	return receipt, true, err
}

// await waits for confirmation. A timeout keeps the transaction pending for the next attempt.
func (t *TokenTransferer) await(ctx context.Context, key string, sig solana.Signature) (string, error) {
	confirmCtx, cancel := context.WithTimeout(ctx, t.cfg.ConfirmTimeout)
	defer cancel()
	err := t.confirmer.Confirm(confirmCtx, sig)
	if err == nil {
		t.forget(key)
		return sig.String(), nil
	}
	if errors.Is(err, ErrTransactionFailed) {
		t.forget(key)
	}
	return "", fmt.Errorf("transaction %s: %w", sig, err)
}

func (t *TokenTransferer) pendingFor(key string) *pendingTransfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[key]
}

func (t *TokenTransferer) remember(key string, p *pendingTransfer) {
	t.mu.Lock()
	t.pending[key] = p
	t.mu.Unlock()
}

func (t *TokenTransferer) forget(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

func (t *TokenTransferer) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	info, err := t.client.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get account info %s: %w", account, err)
	}
	return info != nil && info.Value != nil, nil
}

// signTransaction signs the message with the custody signer, the only required signer
// of every custody transfer.
func signTransaction(tx *solana.Transaction, signer settlement.Signer) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	raw, err := signer.Sign(msg)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	sig := solana.SignatureFromBytes(raw)
	tx.Signatures = []solana.Signature{sig}
	return nil
}
