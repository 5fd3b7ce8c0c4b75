package solana

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"

	"launchpad/internal/settlement"
)

// BalanceReader reports custody balances from chain state.
type BalanceReader struct {
	client     RPC
	commitment rpc.CommitmentType
}

func NewBalanceReader(client RPC, commitment rpc.CommitmentType) *BalanceReader {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &BalanceReader{client: client, commitment: commitment}
}

// TokenBalance returns the raw balance of owner's associated token account for mint.
// A missing account yields settlement.ErrTokenAccountNotFound.
func (b *BalanceReader) TokenBalance(ctx context.Context, mint, owner string) (uint64, error) {
	mintPubkey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("invalid mint %q: %w", mint, err)
	}
	ownerPubkey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return 0, fmt.Errorf("invalid owner %q: %w", owner, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerPubkey, mintPubkey)
	if err != nil {
		return 0, err
	}

	resp, err := b.client.GetTokenAccountBalance(ctx, ata, b.commitment)
	if err != nil {
		if isAccountMissing(err) {
			return 0, settlement.ErrTokenAccountNotFound
		}
		log.Errorf("> 查询 account %s 的余额失败: %v", ata, err)
		return 0, err
	}
	if resp == nil || resp.Value == nil {
		return 0, settlement.ErrTokenAccountNotFound
	}
	amount, err := strconv.ParseUint(resp.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", resp.Value.Amount, err)
	}
	return amount, nil
}

func isAccountMissing(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "account not found")
}
