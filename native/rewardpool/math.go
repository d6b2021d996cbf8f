package rewardpool

import (
	"math/big"

	"github.com/holiman/uint256"
)

// The reward index is scaled by 1e27 (ray). Every division below rounds down,
// so the sum of all participant claims never exceeds the emitted reward; each
// settlement may leave at most one index unit of dust per participant.
var (
	precision  = uint256.MustFromDecimal("1000000000000000000000000000")
	hundred    = uint256.NewInt(100)
	maxUint256 = new(uint256.Int).SetAllOne()
)

var (
	// Precision is the fixed-point scale applied to the reward index.
	Precision = precision.ToBig()
	// MaxAmount is the withdraw sentinel meaning "entire principal".
	MaxAmount = maxUint256.ToBig()
)

func zero() *uint256.Int { return new(uint256.Int) }

// toU256 converts a caller supplied amount, rejecting negatives and values that
// do not fit in 256 bits.
func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return zero(), nil
	}
	if v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func cloneU256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return zero()
	}
	return new(uint256.Int).Set(v)
}

func checkedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func checkedSub(a, b *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// saturatingSub returns a-b, or zero when b exceeds a.
func saturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return zero()
	}
	return new(uint256.Int).Sub(a, b)
}

// emission returns rate*seconds.
func emission(rate *uint256.Int, seconds uint64) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(seconds))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// indexDelta returns emitted*Precision/total. The product is formed in 512
// bits before dividing.
func indexDelta(emitted, total *uint256.Int) (*uint256.Int, error) {
	if total.IsZero() || emitted.IsZero() {
		return zero(), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(emitted, precision, total)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// accrual returns principal*(index-snapshot)/Precision.
func accrual(principal, index, snapshot *uint256.Int) (*uint256.Int, error) {
	if principal.IsZero() || !snapshot.Lt(index) {
		return zero(), nil
	}
	diff := new(uint256.Int).Sub(index, snapshot)
	out, overflow := new(uint256.Int).MulDivOverflow(principal, diff, precision)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// decayRate applies the configured percentage reduction to rate.
func decayRate(rate *uint256.Int, reducePercent uint8) (*uint256.Int, error) {
	if reducePercent > 100 {
		return nil, ErrInvalidAmount
	}
	keep := uint256.NewInt(uint64(100 - reducePercent))
	out, overflow := new(uint256.Int).MulDivOverflow(rate, keep, hundred)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
