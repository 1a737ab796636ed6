// Package protocol defines the SolaYield wire schema: program id, address
// seeds, account layouts, instruction encodings and custom error codes.
package protocol

import (
	"github.com/gagliardetto/solana-go"
)

var ProgramID = solana.MustPublicKeyFromBase58("BCz6K4XSaycH954PhZPPmwuistSyJP5p5Biya7frA2Az")

const (
	MaxAPYBasisPoints      = 50_000
	MaxTradingFeeBps       = 1_000
	MaxStrategyNameLen     = 64
	BasisPointsDenominator = 10_000
	SecondsPerYear         = 31_536_000
	// PriceScale is the implied 6-decimal fixed point of order prices.
	PriceScale    = 1_000_000
	PriceDecimals = 6
)

var (
	SeedStrategy           = []byte("strategy")
	SeedStrategyCounter    = []byte("strategy_counter")
	SeedYieldToken         = []byte("yield_token")
	SeedStrategyVault      = []byte("strategy_vault")
	SeedUserPosition       = []byte("user_position")
	SeedMarketplace        = []byte("marketplace")
	SeedMarketplaceCounter = []byte("marketplace_counter")
	SeedOrder              = []byte("order")
	SeedOrderCounter       = []byte("order_counter")
	SeedEscrow             = []byte("escrow")
)

type OrderType uint8

const (
	OrderTypeBuy  OrderType = 0
	OrderTypeSell OrderType = 1
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeBuy:
		return "buy"
	case OrderTypeSell:
		return "sell"
	default:
		return "unknown"
	}
}

func (t OrderType) Valid() bool {
	return t == OrderTypeBuy || t == OrderTypeSell
}
