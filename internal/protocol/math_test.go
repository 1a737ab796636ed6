package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccruedYield(t *testing.T) {
	tests := []struct {
		name      string
		deposited uint64
		apy       uint64
		elapsed   int64
		want      uint64
	}{
		{name: "ten percent over a year", deposited: 1_000_000_000, apy: 1_000, elapsed: SecondsPerYear, want: 100_000_000},
		{name: "half year", deposited: 1_000_000_000, apy: 1_000, elapsed: SecondsPerYear / 2, want: 50_000_000},
		{name: "truncates", deposited: 1_000, apy: 1, elapsed: 1, want: 0},
		{name: "one day", deposited: 1_000_000, apy: 500, elapsed: 86_400, want: 136},
		{name: "zero elapsed", deposited: 1_000, apy: 1_000, elapsed: 0, want: 0},
		{name: "clock went backwards", deposited: 1_000, apy: 1_000, elapsed: -10, want: 0},
		{name: "nothing deposited", deposited: 0, apy: 1_000, elapsed: 100, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AccruedYield(tc.deposited, tc.apy, tc.elapsed)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAccruedYieldOverflow(t *testing.T) {
	_, err := AccruedYield(math.MaxUint64, MaxAPYBasisPoints, 100*SecondsPerYear)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestTradeValue(t *testing.T) {
	value, err := TradeValue(500, 2_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), value)

	value, err = TradeValue(3, 1_500_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), value)

	value, err = TradeValue(math.MaxUint64, PriceScale)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), value)

	_, err = TradeValue(math.MaxUint64, 2*PriceScale)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestTradingFee(t *testing.T) {
	assert.Equal(t, uint64(50), TradingFee(5_000, 100))
	assert.Equal(t, uint64(0), TradingFee(99, 100))
	assert.Equal(t, uint64(0), TradingFee(1_000, 0))
	assert.Equal(t, uint64(math.MaxUint64/10), TradingFee(math.MaxUint64, MaxTradingFeeBps))
}

func TestCheckedArithmetic(t *testing.T) {
	sum, err := CheckedAdd(1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sum)
	_, err = CheckedAdd(math.MaxUint64, 1)
	require.ErrorIs(t, err, ErrArithmeticOverflow)

	diff, err := CheckedSub(5, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), diff)
	_, err = CheckedSub(2, 5)
	require.ErrorIs(t, err, ErrArithmeticOverflow)

	assert.Equal(t, uint64(0), SaturatingSub(2, 5))
	assert.Equal(t, uint64(3), SaturatingSub(5, 2))
}
