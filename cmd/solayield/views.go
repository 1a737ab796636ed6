package main

import (
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/solayield/backend/internal/protocol"
)

type strategyView struct {
	Pubkey                 string `json:"pubkey"`
	StrategyID             uint64 `json:"strategy_id"`
	Name                   string `json:"name"`
	Admin                  string `json:"admin"`
	UnderlyingMint         string `json:"underlying_mint"`
	YieldTokenMint         string `json:"yield_token_mint"`
	APY                    string `json:"apy"`
	TotalDeposits          string `json:"total_deposits"`
	TotalYieldTokensMinted string `json:"total_yield_tokens_minted"`
	IsActive               bool   `json:"is_active"`
	CreatedAt              string `json:"created_at"`
}

func newStrategyView(key solana.PublicKey, s *protocol.Strategy, decimals uint8) strategyView {
	return strategyView{
		Pubkey:                 key.String(),
		StrategyID:             s.StrategyID,
		Name:                   s.Name,
		Admin:                  s.Admin.String(),
		UnderlyingMint:         s.UnderlyingToken.String(),
		YieldTokenMint:         s.YieldTokenMint.String(),
		APY:                    formatBasisPoints(s.APY),
		TotalDeposits:          formatUIAmount(s.TotalDeposits, decimals),
		TotalYieldTokensMinted: formatUIAmount(s.TotalYieldTokensMinted, decimals),
		IsActive:               s.IsActive,
		CreatedAt:              formatUnix(s.CreatedAt),
	}
}

type positionView struct {
	Pubkey            string `json:"pubkey"`
	User              string `json:"user"`
	Strategy          string `json:"strategy"`
	PositionID        uint64 `json:"position_id"`
	DepositedAmount   string `json:"deposited_amount"`
	YieldTokensMinted string `json:"yield_tokens_minted"`
	TotalYieldClaimed string `json:"total_yield_claimed"`
	DepositTime       string `json:"deposit_time"`
	LastYieldClaim    string `json:"last_yield_claim"`
}

func newPositionView(key solana.PublicKey, p *protocol.UserPosition, decimals uint8) positionView {
	return positionView{
		Pubkey:            key.String(),
		User:              p.User.String(),
		Strategy:          p.Strategy.String(),
		PositionID:        p.PositionID,
		DepositedAmount:   formatUIAmount(p.DepositedAmount, decimals),
		YieldTokensMinted: formatUIAmount(p.YieldTokensMinted, decimals),
		TotalYieldClaimed: formatUIAmount(p.TotalYieldClaimed, decimals),
		DepositTime:       formatUnix(p.DepositTime),
		LastYieldClaim:    formatUnix(p.LastYieldClaim),
	}
}

type marketplaceView struct {
	Pubkey         string `json:"pubkey"`
	MarketplaceID  uint64 `json:"marketplace_id"`
	Admin          string `json:"admin"`
	Strategy       string `json:"strategy"`
	YieldTokenMint string `json:"yield_token_mint"`
	UnderlyingMint string `json:"underlying_mint"`
	TotalVolume    string `json:"total_volume"`
	TotalTrades    uint64 `json:"total_trades"`
	BestBid        string `json:"best_bid"`
	BestAsk        string `json:"best_ask"`
	TradingFee     string `json:"trading_fee"`
	IsActive       bool   `json:"is_active"`
	CreatedAt      string `json:"created_at"`
}

func newMarketplaceView(key solana.PublicKey, m *protocol.Marketplace, decimals uint8) marketplaceView {
	return marketplaceView{
		Pubkey:         key.String(),
		MarketplaceID:  m.MarketplaceID,
		Admin:          m.Admin.String(),
		Strategy:       m.Strategy.String(),
		YieldTokenMint: m.YieldTokenMint.String(),
		UnderlyingMint: m.UnderlyingTokenMint.String(),
		TotalVolume:    formatUIAmount(m.TotalVolume, decimals),
		TotalTrades:    m.TotalTrades,
		BestBid:        formatPrice(m.BestBidPrice),
		BestAsk:        formatPrice(m.BestAskPrice),
		TradingFee:     formatBasisPoints(uint64(m.TradingFeeBps)),
		IsActive:       m.IsActive,
		CreatedAt:      formatUnix(m.CreatedAt),
	}
}

type orderView struct {
	Pubkey      string `json:"pubkey"`
	OrderID     uint64 `json:"order_id"`
	User        string `json:"user"`
	Marketplace string `json:"marketplace"`
	Side        string `json:"side"`
	Amount      string `json:"amount"`
	Filled      string `json:"filled"`
	Remaining   string `json:"remaining"`
	Price       string `json:"price"`
	TotalValue  string `json:"total_value"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

func newOrderView(key solana.PublicKey, o *protocol.TradeOrder, decimals uint8) orderView {
	return orderView{
		Pubkey:      key.String(),
		OrderID:     o.OrderID,
		User:        o.User.String(),
		Marketplace: o.Marketplace.String(),
		Side:        o.OrderType.String(),
		Amount:      formatUIAmount(o.YieldTokenAmount, decimals),
		Filled:      formatUIAmount(o.FilledAmount, decimals),
		Remaining:   formatUIAmount(o.Remaining(), decimals),
		Price:       formatPrice(o.PricePerToken),
		TotalValue:  formatUIAmount(o.TotalValue, decimals),
		IsActive:    o.IsActive,
		CreatedAt:   formatUnix(o.CreatedAt),
	}
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
