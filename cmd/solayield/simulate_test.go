package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/solayield/backend/internal/config"
	"github.com/coldbell/solayield/backend/internal/program"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultSimParams() simParams {
	return simParams{
		Users:      2,
		Deposit:    1_000_000_000,
		APYBps:     1_000,
		Days:       30,
		FeeBps:     25,
		Price:      950_000,
		Settlement: config.YieldSettlementUnderlying,
	}
}

func TestRunSimulationUnderlyingSettlement(t *testing.T) {
	report, err := runSimulation(context.Background(), discardLogger(), defaultSimParams())
	require.NoError(t, err)

	assert.Equal(t, "underlying", report.Settlement)
	assert.Equal(t, uint64(0), report.StrategyID)
	require.Len(t, report.Users, 2)

	// 1000 * 10% * 30/365 days.
	for _, user := range report.Users {
		assert.Equal(t, "8.219178", user.YieldClaimed)
	}
	seller, buyer := report.Users[0], report.Users[1]
	assert.Equal(t, "1000", seller.Deposited)
	assert.Equal(t, "750", seller.YieldTokenBalance)
	// 2000 - 1000 deposit + 8.219178 yield + 237.5 sale - 0.59375 fee
	assert.Equal(t, "1245.125428", seller.UnderlyingBalance)
	assert.Equal(t, "500", buyer.Deposited)
	assert.Equal(t, "1250", buyer.YieldTokenBalance)

	assert.Equal(t, "250", report.Market.Filled)
	assert.Equal(t, "237.5", report.Market.TotalVolume)
	assert.Equal(t, uint64(1), report.Market.TotalTrades)
	assert.Equal(t, "0.59375", report.Market.FeesCollected)
	assert.Equal(t, "0.95", report.Market.BestAsk)

	assert.Equal(t, "1500", report.Conservation.DepositedSum)
	assert.Equal(t, "1500", report.Conservation.TotalDeposits)
	assert.Equal(t, "1500", report.Conservation.VaultBalance)
	assert.True(t, report.Conservation.Balanced)
	assert.True(t, report.Conservation.VaultCovered)
	assert.Equal(t, "2000", report.YieldTokenSupply)
}

func TestRunSimulationYieldTokenSettlement(t *testing.T) {
	params := defaultSimParams()
	params.Users = 8
	params.Settlement = config.YieldSettlementYieldToken

	report, err := runSimulation(context.Background(), discardLogger(), params)
	require.NoError(t, err)

	require.Len(t, report.Users, 8)
	for _, user := range report.Users[2:] {
		assert.Equal(t, "8.219178", user.YieldClaimed)
		assert.Equal(t, "1008.219178", user.YieldTokenBalance)
	}
	assert.Equal(t, "7500", report.Conservation.TotalDeposits)
	assert.Equal(t, "7500", report.Conservation.VaultBalance)
	assert.True(t, report.Conservation.Balanced)
	assert.True(t, report.Conservation.VaultCovered)
}

func TestSimulationReadsEveryCounter(t *testing.T) {
	s, err := newSimulation(context.Background(), discardLogger(), program.SettleUnderlying)
	require.NoError(t, err)

	for _, kind := range []protocol.CounterKind{protocol.CounterStrategy, protocol.CounterMarketplace, protocol.CounterOrder} {
		count, err := s.counter(kind)
		require.NoError(t, err, kind.String())
		assert.Zero(t, count, kind.String())
	}
}

func TestRunSimulationRejectsBadParams(t *testing.T) {
	cases := map[string]func(*simParams){
		"single user":        func(p *simParams) { p.Users = 1 },
		"too many users":     func(p *simParams) { p.Users = simMaxUsers + 1 },
		"negative days":      func(p *simParams) { p.Days = -1 },
		"unknown settlement": func(p *simParams) { p.Settlement = "points" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			params := defaultSimParams()
			mutate(&params)
			_, err := runSimulation(context.Background(), discardLogger(), params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errUsage))
		})
	}

	params := defaultSimParams()
	params.Deposit = 3
	_, err := runSimulation(context.Background(), discardLogger(), params)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidAmount))
}
