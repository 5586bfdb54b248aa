package lending

import "math/big"

var scale = mustBigInt("1000000000000000000") // 1e18

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// CollateralFor returns the collateral units backing the given debt amount at
// the fixed loan-to-collateral ratio: amount * 1e18 / loanToCollateral,
// truncated toward zero. A zero ratio is an arithmetic precondition breach.
func CollateralFor(amount, loanToCollateral *big.Int) (*big.Int, error) {
	if loanToCollateral == nil || loanToCollateral.Sign() <= 0 {
		return nil, errZeroRatio
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	collateral := new(big.Int).Mul(amount, scale)
	collateral.Quo(collateral, loanToCollateral)
	return collateral, nil
}

// InterestFor returns the interest owed on amount at the annualized rate over
// duration seconds. The two truncating divisions happen in a fixed order to
// keep rounding bit-for-bit stable: the rate is scaled by duration and divided
// by seconds-per-year before the amount multiplication and the final 1e18
// division.
func InterestFor(amount, rate *big.Int, duration int64) *big.Int {
	if amount == nil || rate == nil || duration <= 0 {
		return big.NewInt(0)
	}
	scaledRate := new(big.Int).Mul(rate, big.NewInt(duration))
	scaledRate.Quo(scaledRate, big.NewInt(secondsPerYear))
	interest := new(big.Int).Mul(amount, scaledRate)
	interest.Quo(interest, scale)
	return interest
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
