package main

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coldbell/solayield/backend/internal/protocol"
)

var maxBaseUnits = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// parseUIAmount converts a human amount ("12.5") into base units of a mint
// with the given decimals. Sub-unit precision is rejected rather than
// rounded.
func parseUIAmount(raw string, decimals uint8) (uint64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if !value.IsPositive() {
		return 0, fmt.Errorf("amount must be positive, got %s", raw)
	}
	base := value.Shift(int32(decimals))
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", raw, decimals)
	}
	if base.GreaterThan(maxBaseUnits) {
		return 0, fmt.Errorf("amount %s exceeds u64 base units", raw)
	}
	return base.BigInt().Uint64(), nil
}

func formatUIAmount(amount uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals)).String()
}

func parsePrice(raw string) (uint64, error) {
	return parseUIAmount(raw, protocol.PriceDecimals)
}

func formatPrice(price uint64) string {
	return formatUIAmount(price, protocol.PriceDecimals)
}

func formatBasisPoints(bps uint64) string {
	return decimal.NewFromInt(int64(bps)).Shift(-2).String() + "%"
}
