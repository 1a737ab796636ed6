package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/solayield/backend/internal/config"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

type fakeRPC struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey]*rpc.Account
	sent      []*solana.Transaction
	sigIndex  map[solana.Signature]int
	sendErr   error
	onSend    func(n int)
	statusFor func(n int) any
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		accounts: make(map[solana.PublicKey]*rpc.Account),
		sigIndex: make(map[solana.Signature]int),
	}
}

func (f *fakeRPC) put(t *testing.T, key, owner solana.PublicKey, data []byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[key] = &rpc.Account{Owner: owner, Lamports: 1, Data: rpc.DataBytesOrJSONFromBytes(data)}
}

func (f *fakeRPC) putRecord(t *testing.T, key solana.PublicKey, record protocol.Account) {
	t.Helper()
	data, err := protocol.EncodeAccount(record)
	require.NoError(t, err)
	f.put(t, key, protocol.ProgramID, data)
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}}}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	n := len(f.sent)
	f.sent = append(f.sent, tx)
	sendErr, onSend := f.sendErr, f.onSend
	f.mu.Unlock()

	if sendErr != nil {
		return solana.Signature{}, sendErr
	}
	if onSend != nil {
		onSend(n)
	}
	sig := tx.Signatures[0]
	f.mu.Lock()
	f.sigIndex[sig] = n
	f.mu.Unlock()
	return sig, nil
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &rpc.GetSignatureStatusesResult{}
	for _, sig := range sigs {
		status := &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
		if f.statusFor != nil {
			status.Err = f.statusFor(f.sigIndex[sig])
		}
		out.Value = append(out.Value, status)
	}
	return out, nil
}

func (f *fakeRPC) GetAccountInfoWithOpts(_ context.Context, key solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[key]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: account}, nil
}

func (f *fakeRPC) GetMultipleAccountsWithOpts(_ context.Context, keys []solana.PublicKey, _ *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &rpc.GetMultipleAccountsResult{}
	for _, key := range keys {
		out.Value = append(out.Value, f.accounts[key])
	}
	return out, nil
}

func (f *fakeRPC) GetProgramAccountsWithOpts(_ context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out rpc.GetProgramAccountsResult
	for key, account := range f.accounts {
		if !account.Owner.Equals(program) {
			continue
		}
		if matchesFilters(account.Data.GetBinary(), opts.Filters) {
			out = append(out, &rpc.KeyedAccount{Pubkey: key, Account: account})
		}
	}
	return out, nil
}

func matchesFilters(data []byte, filters []rpc.RPCFilter) bool {
	for _, filter := range filters {
		if filter.Memcmp == nil {
			continue
		}
		want := []byte(filter.Memcmp.Bytes)
		end := int(filter.Memcmp.Offset) + len(want)
		if end > len(data) || !bytes.Equal(data[filter.Memcmp.Offset:end], want) {
			return false
		}
	}
	return true
}

func (f *fakeRPC) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testClient(t *testing.T, conn *fakeRPC, mutate func(*config.CLIConfig)) *Client {
	t.Helper()
	cfg := config.CLIConfig{
		Commitment:      rpc.CommitmentConfirmed,
		ProgramID:       protocol.ProgramID,
		UnderlyingMint:  solana.NewWallet().PublicKey(),
		TxTimeout:       2 * time.Second,
		SequenceRetries: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := newClient(cfg, conn, solana.NewWallet().PrivateKey, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.confirmPoll = time.Millisecond
	return c
}

func programIDs(t *testing.T, tx *solana.Transaction) []solana.PublicKey {
	t.Helper()
	out := make([]solana.PublicKey, 0, len(tx.Message.Instructions))
	for _, ix := range tx.Message.Instructions {
		out = append(out, tx.Message.AccountKeys[ix.ProgramIDIndex])
	}
	return out
}

func customErr(code uint32) any {
	return map[string]any{"InstructionError": []any{float64(0), map[string]any{"Custom": float64(code)}}}
}

func TestSendPrependsComputeBudget(t *testing.T) {
	conn := newFakeRPC()
	c := testClient(t, conn, func(cfg *config.CLIConfig) {
		cfg.ComputeUnitLimit = 200_000
		cfg.ComputeUnitPriceMicroLamports = 5
	})

	ix, err := protocol.NewInitializeProtocolInstruction(protocol.ProgramID, mustInitAccounts(t, c.Signer()))
	require.NoError(t, err)

	sig, err := c.Send(context.Background(), "init", ix)
	require.NoError(t, err)
	require.Equal(t, 1, conn.sentCount())
	assert.Equal(t, conn.sent[0].Signatures[0], sig)
	assert.Equal(t,
		[]solana.PublicKey{computebudget.ProgramID, computebudget.ProgramID, protocol.ProgramID},
		programIDs(t, conn.sent[0]),
	)
}

func mustInitAccounts(t *testing.T, admin solana.PublicKey) protocol.InitializeProtocolAccounts {
	t.Helper()
	accounts, err := protocol.InitializeProtocolAccountsFor(protocol.ProgramID, admin)
	require.NoError(t, err)
	return accounts
}

func strategyPDA(t *testing.T, id uint64) solana.PublicKey {
	t.Helper()
	key, _, err := protocol.DeriveStrategyPDA(protocol.ProgramID, id)
	require.NoError(t, err)
	return key
}

func TestSendSurfacesProgramError(t *testing.T) {
	conn := newFakeRPC()
	conn.statusFor = func(int) any { return customErr(6002) }
	c := testClient(t, conn, nil)

	ix, err := protocol.NewInitializeProtocolInstruction(protocol.ProgramID, mustInitAccounts(t, c.Signer()))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "init", ix)
	require.ErrorIs(t, err, protocol.ErrInsufficientBalance)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, conn.sent[0].Signatures[0], txErr.Signature)
	assert.Contains(t, err.Error(), "InsufficientBalance (6002): Insufficient balance")
}

func TestSendSurfacesPreflightError(t *testing.T) {
	conn := newFakeRPC()
	conn.sendErr = &jsonrpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed",
		Data: map[string]any{
			"err":  customErr(6006),
			"logs": []any{"Program log: Instruction: CreateStrategy"},
		},
	}
	c := testClient(t, conn, nil)

	ix, err := protocol.NewInitializeProtocolInstruction(protocol.ProgramID, mustInitAccounts(t, c.Signer()))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "init", ix)
	require.ErrorIs(t, err, protocol.ErrSequenceMismatch)
	assert.Contains(t, err.Error(), "transaction rejected")
}

func TestSendKeepsUnknownErrors(t *testing.T) {
	conn := newFakeRPC()
	conn.statusFor = func(int) any { return "AccountInUse" }
	c := testClient(t, conn, nil)

	ix, err := protocol.NewInitializeProtocolInstruction(protocol.ProgramID, mustInitAccounts(t, c.Signer()))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "init", ix)
	require.Error(t, err)
	var protoErr *protocol.Error
	assert.NotErrorAs(t, err, &protoErr)
	assert.Contains(t, err.Error(), "AccountInUse")
}

func TestStrategyReads(t *testing.T) {
	conn := newFakeRPC()
	c := testClient(t, conn, nil)
	ctx := context.Background()

	key := strategyPDA(t, 0)
	want := &protocol.Strategy{Admin: c.Signer(), UnderlyingToken: c.cfg.UnderlyingMint, Name: "Stable", APY: 1000, IsActive: true}
	conn.putRecord(t, key, want)

	gotKey, got, err := c.Strategy(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, want, got)

	_, _, err = c.Strategy(ctx, 1)
	require.ErrorIs(t, err, protocol.ErrNotFound)

	data, err := protocol.EncodeAccount(want)
	require.NoError(t, err)
	foreign := strategyPDA(t, 2)
	conn.put(t, foreign, solana.SystemProgramID, data)
	_, _, err = c.Strategy(ctx, 2)
	require.ErrorIs(t, err, protocol.ErrInvalidAccount)
}

func TestCounters(t *testing.T) {
	conn := newFakeRPC()
	c := testClient(t, conn, nil)
	ctx := context.Background()

	_, err := c.Counters(ctx)
	require.ErrorIs(t, err, protocol.ErrNotFound)

	for kind, count := range map[protocol.CounterKind]uint64{
		protocol.CounterStrategy:    3,
		protocol.CounterMarketplace: 1,
		protocol.CounterOrder:       7,
	} {
		key, _, err := protocol.DeriveCounterPDA(protocol.ProgramID, kind)
		require.NoError(t, err)
		conn.putRecord(t, key, &protocol.Counter{Kind: kind, Count: count})
	}

	got, err := c.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[protocol.CounterKind]uint64{
		protocol.CounterStrategy:    3,
		protocol.CounterMarketplace: 1,
		protocol.CounterOrder:       7,
	}, got)
}

func (f *fakeRPC) setStrategyCounter(t *testing.T, count uint64) {
	t.Helper()
	key, _, err := protocol.DeriveCounterPDA(protocol.ProgramID, protocol.CounterStrategy)
	require.NoError(t, err)
	f.putRecord(t, key, &protocol.Counter{Kind: protocol.CounterStrategy, Count: count})
}

func TestCreateStrategyRetriesLostRace(t *testing.T) {
	conn := newFakeRPC()
	conn.setStrategyCounter(t, 0)
	conn.onSend = func(n int) {
		if n == 0 {
			// Another admin took id 0 first.
			conn.setStrategyCounter(t, 1)
		}
	}
	conn.statusFor = func(n int) any {
		if n == 0 {
			return customErr(6006)
		}
		return nil
	}
	c := testClient(t, conn, nil)

	id, _, err := c.CreateStrategy(context.Background(), "Stable", 1000, solana.PublicKey{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, 2, conn.sentCount())
}

func TestCreateStrategyGivesUp(t *testing.T) {
	conn := newFakeRPC()
	conn.setStrategyCounter(t, 0)
	conn.statusFor = func(int) any { return customErr(6004) }
	c := testClient(t, conn, func(cfg *config.CLIConfig) { cfg.SequenceRetries = 1 })

	_, _, err := c.CreateStrategy(context.Background(), "Stable", 1000, solana.PublicKey{}, nil)
	require.ErrorIs(t, err, protocol.ErrAlreadyExists)
	assert.Equal(t, 2, conn.sentCount())
}

func TestCreateMarketplaceDoesNotRetryExisting(t *testing.T) {
	conn := newFakeRPC()
	key, _, err := protocol.DeriveCounterPDA(protocol.ProgramID, protocol.CounterMarketplace)
	require.NoError(t, err)
	conn.putRecord(t, key, &protocol.Counter{Kind: protocol.CounterMarketplace, Count: 1})
	conn.statusFor = func(int) any { return customErr(6004) }
	c := testClient(t, conn, nil)

	_, _, err = c.CreateMarketplace(context.Background(), 0, 30, nil)
	require.ErrorIs(t, err, protocol.ErrAlreadyExists)
	assert.Equal(t, 1, conn.sentCount())
}

func TestCreateMarketplaceRetriesSequenceMismatch(t *testing.T) {
	conn := newFakeRPC()
	key, _, err := protocol.DeriveCounterPDA(protocol.ProgramID, protocol.CounterMarketplace)
	require.NoError(t, err)
	conn.putRecord(t, key, &protocol.Counter{Kind: protocol.CounterMarketplace, Count: 0})
	conn.onSend = func(n int) {
		if n == 0 {
			conn.putRecord(t, key, &protocol.Counter{Kind: protocol.CounterMarketplace, Count: 1})
		}
	}
	conn.statusFor = func(n int) any {
		if n == 0 {
			return customErr(6006)
		}
		return nil
	}
	c := testClient(t, conn, nil)

	id, _, err := c.CreateMarketplace(context.Background(), 0, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, 2, conn.sentCount())
}

func TestPinnedIDIsNotRetried(t *testing.T) {
	conn := newFakeRPC()
	conn.statusFor = func(int) any { return customErr(6006) }
	c := testClient(t, conn, nil)

	pinned := uint64(9)
	_, _, err := c.CreateStrategy(context.Background(), "Stable", 1000, solana.PublicKey{}, &pinned)
	require.ErrorIs(t, err, protocol.ErrSequenceMismatch)
	assert.Equal(t, 1, conn.sentCount())
}

func TestCreateStrategyValidatesLocally(t *testing.T) {
	conn := newFakeRPC()
	c := testClient(t, conn, nil)
	ctx := context.Background()

	_, _, err := c.CreateStrategy(ctx, "", 1000, solana.PublicKey{}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidName)
	_, _, err = c.CreateStrategy(ctx, "Hot", 50_001, solana.PublicKey{}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidAmount)
	assert.Zero(t, conn.sentCount())
}

func TestWithdrawCreatesMissingATA(t *testing.T) {
	conn := newFakeRPC()
	c := testClient(t, conn, nil)

	key := strategyPDA(t, 0)
	conn.putRecord(t, key, &protocol.Strategy{UnderlyingToken: c.cfg.UnderlyingMint, Name: "Stable", IsActive: true})

	_, err := c.Withdraw(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, conn.sentCount())
	assert.Equal(t,
		[]solana.PublicKey{solana.SPLAssociatedTokenAccountProgramID, protocol.ProgramID},
		programIDs(t, conn.sent[0]),
	)
}

func TestMintDecimals(t *testing.T) {
	conn := newFakeRPC()
	c := testClient(t, conn, nil)

	mint := solana.NewWallet().PublicKey()
	buf := new(bytes.Buffer)
	decoded := token.Mint{Decimals: 9, IsInitialized: true}
	require.NoError(t, decoded.MarshalWithEncoder(bin.NewBinEncoder(buf)))
	conn.put(t, mint, solana.TokenProgramID, buf.Bytes())

	decimals, err := c.MintDecimals(context.Background(), mint)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), decimals)
}

func TestOrdersFiltersByMarketplace(t *testing.T) {
	conn := newFakeRPC()
	c := testClient(t, conn, nil)

	market := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	active := solana.NewWallet().PublicKey()
	conn.putRecord(t, active, &protocol.TradeOrder{Marketplace: market, YieldTokenAmount: 5, PricePerToken: 1, IsActive: true})
	conn.putRecord(t, solana.NewWallet().PublicKey(), &protocol.TradeOrder{Marketplace: market, IsActive: false})
	conn.putRecord(t, solana.NewWallet().PublicKey(), &protocol.TradeOrder{Marketplace: other, IsActive: true})

	orders, err := c.Orders(context.Background(), market)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, active, orders[0].Pubkey)
}
