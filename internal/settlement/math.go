package settlement

import (
	"fmt"
	"math"
	"math/big"

	"launchpad/internal/models"
)

// Outcome is the binary result of the deadline decision.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// DecideOutcome returns success iff the presale raised at least its soft cap.
func DecideOutcome(p *models.Presale) Outcome {
	if p.CurrentRaised >= p.EffectiveSoftCap() {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

const basisPoints = 10_000

// PlatformFee splits the raised amount into the platform fee and the team payout.
func PlatformFee(raised, feeBps int64) (fee, payout int64) {
	if raised <= 0 {
		return 0, 0
	}
	f := new(big.Int).Mul(big.NewInt(raised), big.NewInt(feeBps))
	f.Quo(f, big.NewInt(basisPoints))
	fee = f.Int64()
	return fee, raised - fee
}

// TokenAllocation converts a contribution into raw token units:
// floor(amount * 10^decimals / price). Both amount and price are in settlement units,
// so the result never rounds up past what the deposit covers.
func TokenAllocation(amount, price int64, decimals uint8) (uint64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("invalid token price %d", price)
	}
	if amount <= 0 {
		return 0, nil
	}
	n := new(big.Int).Mul(big.NewInt(amount), pow10(decimals))
	n.Quo(n, big.NewInt(price))
	if !n.IsUint64() {
		return 0, fmt.Errorf("allocation for %d at price %d overflows uint64", amount, price)
	}
	return n.Uint64(), nil
}

// RequiredTokenUnits is the raw token deposit needed to cover the whole hard cap,
// rounded up so every possible allocation is funded.
func RequiredTokenUnits(hardCap, price int64, decimals uint8) uint64 {
	if hardCap <= 0 || price <= 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(hardCap), pow10(decimals))
	q, r := new(big.Int).QuoRem(n, big.NewInt(price), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsUint64() {
		return math.MaxUint64
	}
	return q.Uint64()
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
