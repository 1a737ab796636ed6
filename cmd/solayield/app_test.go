package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/solayield/backend/internal/client"
	"github.com/coldbell/solayield/backend/internal/config"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := newApp(config.CLIConfig{YieldSettlement: config.YieldSettlementUnderlying}, discardLogger(), &out, &errOut)
	a.newClient = func() (*client.Client, error) {
		t.Fatal("command should not reach the RPC client")
		return nil, nil
	}
	return a, &out, &errOut
}

func TestRunUsage(t *testing.T) {
	a, _, errOut := newTestApp(t)

	err := a.run(context.Background(), nil)
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, errOut.String(), "usage: solayield <command>")
	for _, cmd := range a.commands() {
		assert.Contains(t, errOut.String(), cmd.name)
	}

	errOut.Reset()
	require.NoError(t, a.run(context.Background(), []string{"help"}))
	assert.Contains(t, errOut.String(), "create-marketplace")

	err = a.run(context.Background(), []string{"mint-money"})
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, err.Error(), "mint-money")
}

func TestCommandsValidateFlagsBeforeRPC(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{name: "deposit without strategy", args: []string{"deposit", "-amount", "1"}},
		{name: "deposit without amount", args: []string{"deposit", "-strategy", "0"}},
		{name: "claim without strategy", args: []string{"claim"}},
		{name: "create-strategy without name", args: []string{"create-strategy", "-apy-bps", "500"}},
		{name: "create-strategy apy out of range", args: []string{"create-strategy", "-name", "x", "-apy-bps", "70000"}},
		{name: "place-order bad side", args: []string{"place-order", "-strategy", "0", "-side", "hold", "-amount", "1", "-price", "1"}},
		{name: "execute-trade without order", args: []string{"execute-trade"}},
		{name: "strategy without id", args: []string{"strategy"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _, _ := newTestApp(t)
			require.Error(t, a.run(context.Background(), tc.args))
		})
	}
}

func TestFlagParsing(t *testing.T) {
	a, _, _ := newTestApp(t)
	err := a.run(context.Background(), []string{"deposit", "-h"})
	require.ErrorIs(t, err, flag.ErrHelp)

	var id optionalUint
	_, err = id.require("id")
	require.ErrorIs(t, err, errUsage)
	require.NoError(t, id.Set("7"))
	got, err := id.require("id")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got)
	require.Error(t, id.Set("-1"))

	var key pubkeyFlag
	require.Error(t, key.Set("not-a-key"))
	wallet := solana.NewWallet().PublicKey()
	require.NoError(t, key.Set(wallet.String()))
	assert.Equal(t, wallet.String(), key.String())
}

func TestClientErrorsPropagate(t *testing.T) {
	a, _, _ := newTestApp(t)
	boom := errors.New("no keypair")
	a.newClient = func() (*client.Client, error) { return nil, boom }

	err := a.run(context.Background(), []string{"counters"})
	require.ErrorIs(t, err, boom)
}

func TestSimulateCommandPrintsReport(t *testing.T) {
	a, out, _ := newTestApp(t)
	require.NoError(t, a.run(context.Background(), []string{"simulate", "-users", "3", "-days", "365", "-fee-bps", "0"}))

	var report simReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "underlying", report.Settlement)
	require.Len(t, report.Users, 3)
	assert.Equal(t, "100", report.Users[0].YieldClaimed)
	assert.Equal(t, "0", report.Market.FeesCollected)
	assert.True(t, report.Conservation.Balanced)
}
