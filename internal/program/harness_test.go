package program_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/solayield/backend/internal/ledger"
	"github.com/coldbell/solayield/backend/internal/program"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t          *testing.T
	ledger     *ledger.Ledger
	clock      *testClock
	programID  solana.PublicKey
	admin      solana.PublicKey
	underlying solana.PublicKey
}

func newHarness(t *testing.T, opts program.Options) *harness {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := ledger.New(ledger.WithClock(clock.Now))
	processor := program.New(opts)
	processor.Register(l)

	h := &harness{
		t:          t,
		ledger:     l,
		clock:      clock,
		programID:  processor.ProgramID(),
		admin:      newKey(),
		underlying: newKey(),
	}
	require.NoError(t, l.CreateMint(h.underlying, newKey(), 6))

	accs, err := protocol.InitializeProtocolAccountsFor(h.programID, h.admin)
	require.NoError(t, err)
	ix, err := protocol.NewInitializeProtocolInstruction(h.programID, accs)
	require.NoError(t, err)
	require.NoError(t, h.exec(ix, h.admin))
	return h
}

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func (h *harness) exec(ix solana.Instruction, signers ...solana.PublicKey) error {
	_, err := h.ledger.Execute(context.Background(), ledger.Transaction{
		Signers:      signers,
		Instructions: []solana.Instruction{ix},
	})
	return err
}

// fundedUser returns a wallet whose underlying ATA holds amount.
func (h *harness) fundedUser(amount uint64) solana.PublicKey {
	h.t.Helper()
	user := newKey()
	ata, err := h.ledger.CreateAssociatedTokenAccount(user, h.underlying)
	require.NoError(h.t, err)
	if amount > 0 {
		require.NoError(h.t, h.ledger.Airdrop(ata, amount))
	}
	return user
}

func (h *harness) ata(owner, mint solana.PublicKey) solana.PublicKey {
	h.t.Helper()
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(h.t, err)
	return addr
}

func (h *harness) balance(account solana.PublicKey) uint64 {
	h.t.Helper()
	amount, err := h.ledger.TokenBalance(account)
	require.NoError(h.t, err)
	return amount
}

func (h *harness) counter(kind protocol.CounterKind) uint64 {
	h.t.Helper()
	key, _, err := protocol.DeriveCounterPDA(h.programID, kind)
	require.NoError(h.t, err)
	c := protocol.Counter{Kind: kind}
	h.decode(key, &c)
	return c.Count
}

func (h *harness) decode(key solana.PublicKey, into protocol.Account) {
	h.t.Helper()
	data, ok := h.ledger.AccountData(key)
	require.True(h.t, ok, "account %s missing", key)
	require.NoError(h.t, protocol.DecodeAccount(data, into))
}

func (h *harness) createStrategyIx(admin solana.PublicKey, name string, apy uint16, id uint64) solana.Instruction {
	h.t.Helper()
	accs, err := protocol.CreateStrategyAccountsFor(h.programID, admin, h.underlying, id)
	require.NoError(h.t, err)
	ix, err := protocol.NewCreateStrategyInstruction(h.programID, accs, protocol.CreateStrategyArgs{
		Name:           name,
		APYBasisPoints: apy,
		StrategyID:     id,
	})
	require.NoError(h.t, err)
	return ix
}

// createStrategy creates the next strategy and returns its id.
func (h *harness) createStrategy(name string, apy uint16) uint64 {
	h.t.Helper()
	id := h.counter(protocol.CounterStrategy)
	require.NoError(h.t, h.exec(h.createStrategyIx(h.admin, name, apy, id), h.admin))
	return id
}

func (h *harness) strategyKeys(user solana.PublicKey, id uint64) protocol.StrategyUserKeys {
	h.t.Helper()
	keys, err := protocol.ResolveStrategyUserKeys(h.programID, user, h.underlying, id)
	require.NoError(h.t, err)
	return keys
}

func (h *harness) strategy(id uint64) *protocol.Strategy {
	h.t.Helper()
	key, _, err := protocol.DeriveStrategyPDA(h.programID, id)
	require.NoError(h.t, err)
	s := &protocol.Strategy{}
	h.decode(key, s)
	return s
}

func (h *harness) position(user solana.PublicKey, id uint64) *protocol.UserPosition {
	h.t.Helper()
	keys := h.strategyKeys(user, id)
	p := &protocol.UserPosition{}
	h.decode(keys.UserPosition, p)
	return p
}

func (h *harness) deposit(user solana.PublicKey, id, amount uint64) error {
	h.t.Helper()
	ix, err := protocol.NewDepositToStrategyInstruction(h.programID, h.strategyKeys(user, id).Deposit(), amount, id)
	require.NoError(h.t, err)
	return h.exec(ix, user)
}

func (h *harness) withdraw(user solana.PublicKey, id, amount uint64) error {
	h.t.Helper()
	ix, err := protocol.NewWithdrawFromStrategyInstruction(h.programID, h.strategyKeys(user, id).Withdraw(), amount, id)
	require.NoError(h.t, err)
	return h.exec(ix, user)
}

func (h *harness) claim(user solana.PublicKey, id uint64) error {
	h.t.Helper()
	ix, err := protocol.NewClaimYieldInstruction(h.programID, h.strategyKeys(user, id).Claim(), id)
	require.NoError(h.t, err)
	return h.exec(ix, user)
}

func (h *harness) redeem(user solana.PublicKey, id, amount uint64) error {
	h.t.Helper()
	ix, err := protocol.NewRedeemYieldTokensInstruction(h.programID, h.strategyKeys(user, id).Redeem(), amount, id)
	require.NoError(h.t, err)
	return h.exec(ix, user)
}

func (h *harness) createMarketplace(strategyID uint64, feeBps uint16) (solana.PublicKey, *protocol.Marketplace) {
	h.t.Helper()
	accs, err := protocol.CreateMarketplaceAccountsFor(h.programID, h.admin, strategyID)
	require.NoError(h.t, err)
	ix, err := protocol.NewCreateMarketplaceInstruction(h.programID, accs, protocol.CreateMarketplaceArgs{
		StrategyID:    strategyID,
		MarketplaceID: h.counter(protocol.CounterMarketplace),
		TradingFeeBps: feeBps,
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.exec(ix, h.admin))
	return accs.Marketplace, h.marketplace(accs.Marketplace)
}

func (h *harness) marketplace(key solana.PublicKey) *protocol.Marketplace {
	h.t.Helper()
	m := &protocol.Marketplace{}
	h.decode(key, m)
	return m
}

func (h *harness) order(key solana.PublicKey) *protocol.TradeOrder {
	h.t.Helper()
	o := &protocol.TradeOrder{}
	h.decode(key, o)
	return o
}

func (h *harness) placeOrder(user, marketplaceKey solana.PublicKey, orderType protocol.OrderType, amount, price uint64) (solana.PublicKey, error) {
	h.t.Helper()
	orderID := h.counter(protocol.CounterOrder)
	accs, err := protocol.PlaceOrderAccountsFor(h.programID, user, marketplaceKey, h.marketplace(marketplaceKey), orderID, orderType)
	require.NoError(h.t, err)
	ix, err := protocol.NewPlaceOrderInstruction(h.programID, accs, protocol.PlaceOrderArgs{
		OrderID:          orderID,
		OrderType:        orderType,
		YieldTokenAmount: amount,
		PricePerToken:    price,
	})
	require.NoError(h.t, err)
	return accs.Order, h.exec(ix, user)
}

func (h *harness) executeTrade(taker, marketplaceKey, orderKey solana.PublicKey, amount uint64) error {
	h.t.Helper()
	accs, err := protocol.ExecuteTradeAccountsFor(h.programID, taker, marketplaceKey, h.marketplace(marketplaceKey), orderKey, h.order(orderKey))
	require.NoError(h.t, err)
	ix, err := protocol.NewExecuteTradeInstruction(h.programID, accs, amount)
	require.NoError(h.t, err)
	return h.exec(ix, taker)
}

func (h *harness) cancelOrder(user, marketplaceKey, orderKey solana.PublicKey) error {
	h.t.Helper()
	order := h.order(orderKey)
	accs, err := protocol.CancelOrderAccountsFor(h.programID, user, marketplaceKey, h.marketplace(marketplaceKey), order.OrderID, order.OrderType)
	require.NoError(h.t, err)
	ix, err := protocol.NewCancelOrderInstruction(h.programID, accs, order.OrderID)
	require.NoError(h.t, err)
	return h.exec(ix, user)
}
