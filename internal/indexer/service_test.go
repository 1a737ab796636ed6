package indexer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/solayield/backend/internal/config"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

type fakeRPC struct {
	slot         uint64
	slotFailures int
	accounts     []*rpc.KeyedAccount
	scans        int
}

func (f *fakeRPC) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	if f.slotFailures > 0 {
		f.slotFailures--
		return 0, errors.New("429 Too Many Requests")
	}
	return f.slot, nil
}

func (f *fakeRPC) GetProgramAccountsWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	f.scans++
	want := []byte(opts.Filters[0].Memcmp.Bytes)
	var out rpc.GetProgramAccountsResult
	for _, item := range f.accounts {
		if bytes.HasPrefix(item.Account.Data.GetBinary(), want) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeRPC) add(t *testing.T, owner solana.PublicKey, record protocol.Account) solana.PublicKey {
	t.Helper()
	data, err := protocol.EncodeAccount(record)
	require.NoError(t, err)
	key := solana.NewWallet().PublicKey()
	f.accounts = append(f.accounts, &rpc.KeyedAccount{
		Pubkey:  key,
		Account: &rpc.Account{Owner: owner, Data: rpc.DataBytesOrJSONFromBytes(data)},
	})
	return key
}

func testService(conn RPC) *Service {
	return &Service{
		cfg: config.IndexerConfig{
			Commitment:        rpc.CommitmentConfirmed,
			ProgramID:         protocol.ProgramID,
			RPCMaxRetries:     3,
			RPCRetryBaseDelay: time.Millisecond,
			RPCRetryMaxDelay:  4 * time.Millisecond,
		},
		rpc:    conn,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestFetchSnapshotDecodesEveryKind(t *testing.T) {
	conn := &fakeRPC{slot: 42}
	conn.add(t, protocol.ProgramID, &protocol.Counter{Kind: protocol.CounterStrategy, Count: 1})
	conn.add(t, protocol.ProgramID, &protocol.Counter{Kind: protocol.CounterMarketplace, Count: 1})
	conn.add(t, protocol.ProgramID, &protocol.Counter{Kind: protocol.CounterOrder, Count: 2})
	strategyKey := conn.add(t, protocol.ProgramID, &protocol.Strategy{Name: "Stable", TotalDeposits: 10, IsActive: true})
	conn.add(t, protocol.ProgramID, &protocol.UserPosition{Strategy: strategyKey, DepositedAmount: 10})
	conn.add(t, protocol.ProgramID, &protocol.Marketplace{Strategy: strategyKey, IsActive: true})
	conn.add(t, protocol.ProgramID, &protocol.TradeOrder{YieldTokenAmount: 5, IsActive: true})
	conn.add(t, protocol.ProgramID, &protocol.TradeOrder{YieldTokenAmount: 5, FilledAmount: 5})
	// Same layout under another owner is ignored.
	conn.add(t, solana.SystemProgramID, &protocol.Strategy{Name: "Spoof"})

	snap, err := testService(conn).fetchSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(42), snap.slot)
	require.Len(t, snap.counters, 3)
	assert.Equal(t, protocol.CounterOrder, snap.counters[2].counter.Kind)
	assert.Equal(t, uint64(2), snap.counters[2].counter.Count)
	require.Len(t, snap.strategies, 1)
	assert.Equal(t, "Stable", snap.strategies[0].strategy.Name)
	assert.Len(t, snap.positions, 1)
	assert.Len(t, snap.marketplaces, 1)
	assert.Len(t, snap.orders, 2)
	assert.Empty(t, conservationViolations(snap))
}

func TestFetchSnapshotSkipsCorruptAccounts(t *testing.T) {
	conn := &fakeRPC{slot: 1}
	conn.add(t, protocol.ProgramID, &protocol.Strategy{Name: "Good"})
	conn.accounts = append(conn.accounts, &rpc.KeyedAccount{
		Pubkey: solana.NewWallet().PublicKey(),
		Account: &rpc.Account{
			Owner: protocol.ProgramID,
			Data:  rpc.DataBytesOrJSONFromBytes(protocol.StrategyDiscriminator[:]),
		},
	})

	snap, err := testService(conn).fetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.strategies, 1)
	assert.Equal(t, "Good", snap.strategies[0].strategy.Name)
}

func TestRPCRetry(t *testing.T) {
	conn := &fakeRPC{slot: 7, slotFailures: 2}
	snap, err := testService(conn).fetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.slot)

	conn = &fakeRPC{slot: 7, slotFailures: 10}
	_, err = testService(conn).fetchSnapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Zero(t, conn.scans)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(0, time.Second, 20*time.Second))
	assert.Equal(t, 8*time.Second, nextBackoff(4*time.Second, time.Second, 20*time.Second))
	assert.Equal(t, 20*time.Second, nextBackoff(16*time.Second, time.Second, 20*time.Second))
	assert.Equal(t, 2*time.Second, nextBackoff(0, 0, 0))
}

func TestConservationViolations(t *testing.T) {
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	snap := &snapshot{
		strategies: []keyedStrategy{
			{pubkey: a, strategy: &protocol.Strategy{StrategyID: 0, TotalDeposits: 300}},
			{pubkey: b, strategy: &protocol.Strategy{StrategyID: 1, TotalDeposits: 50}},
		},
		positions: []keyedPosition{
			{position: &protocol.UserPosition{Strategy: a, DepositedAmount: 100}},
			{position: &protocol.UserPosition{Strategy: a, DepositedAmount: 200}},
			{position: &protocol.UserPosition{Strategy: b, DepositedAmount: 40}},
		},
	}

	violations := conservationViolations(snap)
	require.Len(t, violations, 1)
	assert.Equal(t, b, violations[0].strategy)
	assert.Equal(t, uint64(50), violations[0].totalDeposits)
	assert.Equal(t, uint64(40), violations[0].positionSum)
}

func TestOrderStatus(t *testing.T) {
	tests := []struct {
		name  string
		order protocol.TradeOrder
		want  string
	}{
		{"open", protocol.TradeOrder{YieldTokenAmount: 5, FilledAmount: 2, IsActive: true}, "open"},
		{"filled", protocol.TradeOrder{YieldTokenAmount: 5, FilledAmount: 5}, "filled"},
		{"cancelled after partial fill", protocol.TradeOrder{YieldTokenAmount: 5, FilledAmount: 2}, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orderStatus(&tt.order))
		})
	}
}

func TestFillDelta(t *testing.T) {
	prev := uint64(300)

	delta, ok := fillDelta(nil, 0)
	assert.False(t, ok)
	assert.Zero(t, delta)

	delta, ok = fillDelta(nil, 300)
	assert.True(t, ok)
	assert.Equal(t, uint64(300), delta)

	delta, ok = fillDelta(&prev, 500)
	assert.True(t, ok)
	assert.Equal(t, uint64(200), delta)

	_, ok = fillDelta(&prev, 300)
	assert.False(t, ok)
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	assert.Equal(t,
		"SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2",
		rebindPostgresPlaceholders("SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?"),
	)
	assert.Equal(t,
		"SELECT 'it''s ?' , $1",
		rebindPostgresPlaceholders("SELECT 'it''s ?' , ?"),
	)
}

func TestNormalizePagination(t *testing.T) {
	limit, offset := normalizePagination(0, -3)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Zero(t, offset)

	limit, _ = normalizePagination(10_000, 0)
	assert.Equal(t, maxPageLimit, limit)
}
