package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUIAmount(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{name: "fractional", raw: "1.5", decimals: 6, want: 1_500_000},
		{name: "whole units without decimals", raw: "12", decimals: 0, want: 12},
		{name: "smallest unit with padding", raw: " 0.000001 ", decimals: 6, want: 1},
		{name: "u64 max", raw: "18446744073709551615", decimals: 0, want: math.MaxUint64},
		{name: "zero", raw: "0", decimals: 6, wantErr: true},
		{name: "negative", raw: "-1", decimals: 6, wantErr: true},
		{name: "not a number", raw: "abc", decimals: 6, wantErr: true},
		{name: "below one base unit", raw: "0.0000001", decimals: 6, wantErr: true},
		{name: "overflows u64", raw: "18446744073709551616", decimals: 0, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseUIAmount(tc.raw, tc.decimals)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatUIAmount(t *testing.T) {
	assert.Equal(t, "1.5", formatUIAmount(1_500_000, 6))
	assert.Equal(t, "1000", formatUIAmount(1_000_000_000, 6))
	assert.Equal(t, "0", formatUIAmount(0, 9))
	assert.Equal(t, "42", formatUIAmount(42, 0))
}

func TestPricesAndBasisPoints(t *testing.T) {
	price, err := parsePrice("0.95")
	require.NoError(t, err)
	assert.Equal(t, uint64(950_000), price)
	assert.Equal(t, "0.95", formatPrice(price))

	_, err = parsePrice("0.0000005")
	require.Error(t, err)

	assert.Equal(t, "12.5%", formatBasisPoints(1_250))
	assert.Equal(t, "0.25%", formatBasisPoints(25))
	assert.Equal(t, "0%", formatBasisPoints(0))
}
