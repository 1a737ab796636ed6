package protocol

import (
	"fmt"
	"math/big"
	"math/bits"

	"lukechampine.com/uint128"
)

// AccruedYield is deposited * apyBps * elapsed / (10000 * SecondsPerYear),
// floored. Non-positive elapsed accrues nothing.
func AccruedYield(deposited, apyBps uint64, elapsedSeconds int64) (uint64, error) {
	if elapsedSeconds <= 0 || deposited == 0 || apyBps == 0 {
		return 0, nil
	}
	numerator := new(big.Int).SetUint64(deposited)
	numerator.Mul(numerator, new(big.Int).SetUint64(apyBps))
	numerator.Mul(numerator, big.NewInt(elapsedSeconds))
	denominator := new(big.Int).SetUint64(BasisPointsDenominator * SecondsPerYear)
	numerator.Quo(numerator, denominator)
	if !numerator.IsUint64() {
		return 0, fmt.Errorf("%w: accrued yield exceeds u64", ErrArithmeticOverflow)
	}
	return numerator.Uint64(), nil
}

// TradeValue converts a yield-token quantity at a 6-decimal price into
// underlying units, floored.
func TradeValue(amount, pricePerToken uint64) (uint64, error) {
	product := uint128.From64(amount).Mul64(pricePerToken)
	quotient := product.Div64(PriceScale)
	if quotient.Hi != 0 {
		return 0, fmt.Errorf("%w: trade value exceeds u64", ErrArithmeticOverflow)
	}
	return quotient.Lo, nil
}

func TradingFee(value uint64, feeBps uint16) uint64 {
	return uint128.From64(value).Mul64(uint64(feeBps)).Div64(BasisPointsDenominator).Lo
}

func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrArithmeticOverflow, a, b)
	}
	return sum, nil
}

func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d", ErrArithmeticOverflow, a, b)
	}
	return diff, nil
}

func SaturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
