package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/solayield/backend/internal/config"
	"github.com/coldbell/solayield/backend/internal/ledger"
	"github.com/coldbell/solayield/backend/internal/program"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

const (
	simDecimals      = 6
	simSubmitRetries = 64
	simSubmitBackoff = time.Millisecond
	simMaxUsers      = 64
)

type simParams struct {
	Users      int
	Deposit    uint64
	APYBps     uint16
	Days       int
	FeeBps     uint16
	Price      uint64
	Settlement config.YieldSettlement
}

type simUserReport struct {
	Wallet            string `json:"wallet"`
	Deposited         string `json:"deposited"`
	YieldClaimed      string `json:"yield_claimed"`
	UnderlyingBalance string `json:"underlying_balance"`
	YieldTokenBalance string `json:"yield_token_balance"`
}

type simMarketReport struct {
	Marketplace   string `json:"marketplace"`
	SellOrder     string `json:"sell_order"`
	Filled        string `json:"filled"`
	TotalVolume   string `json:"total_volume"`
	TotalTrades   uint64 `json:"total_trades"`
	FeesCollected string `json:"fees_collected"`
	BestAsk       string `json:"best_ask"`
}

type simConservation struct {
	DepositedSum  string `json:"deposited_sum"`
	TotalDeposits string `json:"total_deposits"`
	VaultBalance  string `json:"vault_balance"`
	Balanced      bool   `json:"balanced"`
	VaultCovered  bool   `json:"vault_covered"`
}

type simReport struct {
	Settlement       string          `json:"settlement"`
	StrategyID       uint64          `json:"strategy_id"`
	Days             int             `json:"days"`
	YieldTokenSupply string          `json:"yield_token_supply"`
	Users            []simUserReport `json:"users"`
	Market           simMarketReport `json:"market"`
	Conservation     simConservation `json:"conservation"`
	Slot             uint64          `json:"slot"`
}

type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (a *app) cmdSimulate(ctx context.Context, args []string) error {
	fs := a.flagSet("simulate")
	users := fs.Int("users", 4, "number of depositors (2-64)")
	rawDeposit := fs.String("deposit", "1000", "underlying each user deposits, in UI units")
	apyBps := fs.Uint("apy-bps", 1000, "strategy APY in basis points")
	days := fs.Int("days", 30, "days of accrual before claiming")
	feeBps := fs.Uint("fee-bps", 25, "marketplace trading fee in basis points")
	rawPrice := fs.String("price", "0.95", "sell price per yield token")
	settlement := fs.String("settlement", string(a.cfg.YieldSettlement), "yield settlement: underlying or yield_token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	deposit, err := parseUIAmount(*rawDeposit, simDecimals)
	if err != nil {
		return err
	}
	price, err := parsePrice(*rawPrice)
	if err != nil {
		return err
	}
	if *apyBps > protocol.MaxAPYBasisPoints || *feeBps > protocol.MaxTradingFeeBps {
		return fmt.Errorf("%w: apy-bps must be <= %d and fee-bps <= %d", errUsage, protocol.MaxAPYBasisPoints, protocol.MaxTradingFeeBps)
	}
	params := simParams{
		Users:      *users,
		Deposit:    deposit,
		APYBps:     uint16(*apyBps),
		Days:       *days,
		FeeBps:     uint16(*feeBps),
		Price:      price,
		Settlement: config.YieldSettlement(strings.ToLower(*settlement)),
	}
	report, err := runSimulation(ctx, a.logger, params)
	if err != nil {
		return err
	}
	return a.printJSON(report)
}

type simulation struct {
	logger     *slog.Logger
	ledger     *ledger.Ledger
	clock      *simClock
	programID  solana.PublicKey
	admin      solana.PublicKey
	underlying solana.PublicKey
}

func (s *simulation) submit(ctx context.Context, signer solana.PublicKey, ix solana.Instruction) error {
	_, err := s.ledger.Submit(ctx, ledger.Transaction{
		Signers:      []solana.PublicKey{signer},
		Instructions: []solana.Instruction{ix},
	}, simSubmitRetries, simSubmitBackoff)
	return err
}

func (s *simulation) decode(key solana.PublicKey, into protocol.Account) error {
	data, ok := s.ledger.AccountData(key)
	if !ok {
		return fmt.Errorf("account %s not found", key)
	}
	return protocol.DecodeAccount(data, into)
}

func (s *simulation) balance(owner, mint solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, err
	}
	if _, ok := s.ledger.Account(ata); !ok {
		return 0, nil
	}
	return s.ledger.TokenBalance(ata)
}

func (s *simulation) counter(kind protocol.CounterKind) (uint64, error) {
	key, _, err := protocol.DeriveCounterPDA(s.programID, kind)
	if err != nil {
		return 0, err
	}
	c := protocol.Counter{Kind: kind}
	if err := s.decode(key, &c); err != nil {
		return 0, err
	}
	return c.Count, nil
}

// newSimulation returns an initialized protocol on a fresh in-memory ledger.
func newSimulation(ctx context.Context, logger *slog.Logger, settlement program.Settlement) (*simulation, error) {
	clock := &simClock{now: time.Now().UTC().Truncate(time.Second)}
	l := ledger.New(ledger.WithClock(clock.Now), ledger.WithLogger(logger))
	processor := program.New(program.Options{YieldSettlement: settlement})
	processor.Register(l)

	s := &simulation{
		logger:     logger,
		ledger:     l,
		clock:      clock,
		programID:  processor.ProgramID(),
		admin:      solana.NewWallet().PublicKey(),
		underlying: solana.NewWallet().PublicKey(),
	}
	if err := l.CreateMint(s.underlying, solana.NewWallet().PublicKey(), simDecimals); err != nil {
		return nil, err
	}

	initAccs, err := protocol.InitializeProtocolAccountsFor(s.programID, s.admin)
	if err != nil {
		return nil, err
	}
	initIx, err := protocol.NewInitializeProtocolInstruction(s.programID, initAccs)
	if err != nil {
		return nil, err
	}
	if err := s.submit(ctx, s.admin, initIx); err != nil {
		return nil, fmt.Errorf("initialize protocol: %w", err)
	}
	return s, nil
}

// runSimulation drives one strategy through its whole lifecycle on an
// in-memory ledger: concurrent deposits, accrual, claims, a partial fill on
// the marketplace, a cancel and a withdrawal.
func runSimulation(ctx context.Context, logger *slog.Logger, params simParams) (simReport, error) {
	if params.Users < 2 || params.Users > simMaxUsers {
		return simReport{}, fmt.Errorf("%w: users must be between 2 and %d", errUsage, simMaxUsers)
	}
	if params.Days < 0 {
		return simReport{}, fmt.Errorf("%w: days must not be negative", errUsage)
	}
	if params.Settlement == "" {
		params.Settlement = config.YieldSettlementUnderlying
	}
	switch params.Settlement {
	case config.YieldSettlementUnderlying, config.YieldSettlementYieldToken:
	default:
		return simReport{}, fmt.Errorf("%w: unknown settlement %q", errUsage, params.Settlement)
	}
	sellAmount := params.Deposit / 2
	fillAmount := sellAmount / 2
	if value, err := protocol.TradeValue(fillAmount, params.Price); err != nil || value == 0 {
		return simReport{}, fmt.Errorf("%w: deposit %d too small to trade at price %s", protocol.ErrInvalidAmount, params.Deposit, formatPrice(params.Price))
	}

	s, err := newSimulation(ctx, logger, program.Settlement(params.Settlement))
	if err != nil {
		return simReport{}, err
	}

	strategyID, err := s.counter(protocol.CounterStrategy)
	if err != nil {
		return simReport{}, err
	}
	strategyAccs, err := protocol.CreateStrategyAccountsFor(s.programID, s.admin, s.underlying, strategyID)
	if err != nil {
		return simReport{}, err
	}
	strategyIx, err := protocol.NewCreateStrategyInstruction(s.programID, strategyAccs, protocol.CreateStrategyArgs{
		Name:           "Simulated Strategy",
		APYBasisPoints: params.APYBps,
		StrategyID:     strategyID,
	})
	if err != nil {
		return simReport{}, err
	}
	if err := s.submit(ctx, s.admin, strategyIx); err != nil {
		return simReport{}, fmt.Errorf("create strategy: %w", err)
	}

	wallets := make([]solana.PublicKey, params.Users)
	keys := make([]protocol.StrategyUserKeys, params.Users)
	for i := range wallets {
		wallets[i] = solana.NewWallet().PublicKey()
		ata, err := s.ledger.CreateAssociatedTokenAccount(wallets[i], s.underlying)
		if err != nil {
			return simReport{}, err
		}
		if err := s.ledger.Airdrop(ata, params.Deposit*2); err != nil {
			return simReport{}, err
		}
		if keys[i], err = protocol.ResolveStrategyUserKeys(s.programID, wallets[i], s.underlying, strategyID); err != nil {
			return simReport{}, err
		}
	}

	// Every deposit writes the strategy account, so they contend on the
	// ledger's account locks and go through Submit's retry loop.
	g, gctx := errgroup.WithContext(ctx)
	for i := range wallets {
		g.Go(func() error {
			ix, err := protocol.NewDepositToStrategyInstruction(s.programID, keys[i].Deposit(), params.Deposit, strategyID)
			if err != nil {
				return err
			}
			if err := s.submit(gctx, wallets[i], ix); err != nil {
				return fmt.Errorf("deposit for user %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return simReport{}, err
	}
	logger.Info("deposits settled", "strategy_id", strategyID, "users", params.Users)

	elapsed := time.Duration(params.Days) * 24 * time.Hour
	if params.Settlement == config.YieldSettlementUnderlying {
		perUser, err := protocol.AccruedYield(params.Deposit, uint64(params.APYBps), int64(elapsed/time.Second))
		if err != nil {
			return simReport{}, err
		}
		if reserve := perUser * uint64(params.Users); reserve > 0 {
			if err := s.ledger.Airdrop(strategyAccs.StrategyVault, reserve); err != nil {
				return simReport{}, err
			}
		}
	}
	s.clock.Advance(elapsed)

	g, gctx = errgroup.WithContext(ctx)
	for i := range wallets {
		g.Go(func() error {
			ix, err := protocol.NewClaimYieldInstruction(s.programID, keys[i].Claim(), strategyID)
			if err != nil {
				return err
			}
			if err := s.submit(gctx, wallets[i], ix); err != nil {
				return fmt.Errorf("claim for user %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return simReport{}, err
	}
	logger.Info("yield claimed", "strategy_id", strategyID, "days", params.Days, "settlement", params.Settlement)

	market, err := s.trade(ctx, params, strategyID, wallets[0], wallets[1], sellAmount, fillAmount)
	if err != nil {
		return simReport{}, err
	}

	last := len(wallets) - 1
	withdrawIx, err := protocol.NewWithdrawFromStrategyInstruction(s.programID, keys[last].Withdraw(), params.Deposit/2, strategyID)
	if err != nil {
		return simReport{}, err
	}
	if err := s.submit(ctx, wallets[last], withdrawIx); err != nil {
		return simReport{}, fmt.Errorf("withdraw: %w", err)
	}

	return s.report(params, strategyID, wallets, keys, market)
}

// trade has seller list half of its yield tokens, buyer take half of the
// order and seller cancel the rest.
func (s *simulation) trade(ctx context.Context, params simParams, strategyID uint64, seller, buyer solana.PublicKey, sellAmount, fillAmount uint64) (simMarketReport, error) {
	marketplaceID, err := s.counter(protocol.CounterMarketplace)
	if err != nil {
		return simMarketReport{}, err
	}
	marketAccs, err := protocol.CreateMarketplaceAccountsFor(s.programID, s.admin, strategyID)
	if err != nil {
		return simMarketReport{}, err
	}
	marketIx, err := protocol.NewCreateMarketplaceInstruction(s.programID, marketAccs, protocol.CreateMarketplaceArgs{
		StrategyID:    strategyID,
		MarketplaceID: marketplaceID,
		TradingFeeBps: params.FeeBps,
	})
	if err != nil {
		return simMarketReport{}, err
	}
	if err := s.submit(ctx, s.admin, marketIx); err != nil {
		return simMarketReport{}, fmt.Errorf("create marketplace: %w", err)
	}
	marketplaceKey := marketAccs.Marketplace
	var marketplace protocol.Marketplace
	if err := s.decode(marketplaceKey, &marketplace); err != nil {
		return simMarketReport{}, err
	}

	orderID, err := s.counter(protocol.CounterOrder)
	if err != nil {
		return simMarketReport{}, err
	}
	placeAccs, err := protocol.PlaceOrderAccountsFor(s.programID, seller, marketplaceKey, &marketplace, orderID, protocol.OrderTypeSell)
	if err != nil {
		return simMarketReport{}, err
	}
	placeIx, err := protocol.NewPlaceOrderInstruction(s.programID, placeAccs, protocol.PlaceOrderArgs{
		OrderID:          orderID,
		OrderType:        protocol.OrderTypeSell,
		YieldTokenAmount: sellAmount,
		PricePerToken:    params.Price,
	})
	if err != nil {
		return simMarketReport{}, err
	}
	if err := s.submit(ctx, seller, placeIx); err != nil {
		return simMarketReport{}, fmt.Errorf("place order: %w", err)
	}
	orderKey := placeAccs.Order
	var order protocol.TradeOrder
	if err := s.decode(orderKey, &order); err != nil {
		return simMarketReport{}, err
	}

	tradeAccs, err := protocol.ExecuteTradeAccountsFor(s.programID, buyer, marketplaceKey, &marketplace, orderKey, &order)
	if err != nil {
		return simMarketReport{}, err
	}
	tradeIx, err := protocol.NewExecuteTradeInstruction(s.programID, tradeAccs, fillAmount)
	if err != nil {
		return simMarketReport{}, err
	}
	if err := s.submit(ctx, buyer, tradeIx); err != nil {
		return simMarketReport{}, fmt.Errorf("execute trade: %w", err)
	}

	cancelAccs, err := protocol.CancelOrderAccountsFor(s.programID, seller, marketplaceKey, &marketplace, orderID, protocol.OrderTypeSell)
	if err != nil {
		return simMarketReport{}, err
	}
	cancelIx, err := protocol.NewCancelOrderInstruction(s.programID, cancelAccs, orderID)
	if err != nil {
		return simMarketReport{}, err
	}
	if err := s.submit(ctx, seller, cancelIx); err != nil {
		return simMarketReport{}, fmt.Errorf("cancel order: %w", err)
	}
	s.logger.Info("marketplace round complete", "order_id", orderID, "filled", fillAmount, "cancelled", sellAmount-fillAmount)

	if err := s.decode(marketplaceKey, &marketplace); err != nil {
		return simMarketReport{}, err
	}
	fees, err := s.balance(s.admin, s.underlying)
	if err != nil {
		return simMarketReport{}, err
	}
	return simMarketReport{
		Marketplace:   marketplaceKey.String(),
		SellOrder:     orderKey.String(),
		Filled:        formatUIAmount(fillAmount, simDecimals),
		TotalVolume:   formatUIAmount(marketplace.TotalVolume, simDecimals),
		TotalTrades:   marketplace.TotalTrades,
		FeesCollected: formatUIAmount(fees, simDecimals),
		BestAsk:       formatPrice(marketplace.BestAskPrice),
	}, nil
}

func (s *simulation) report(params simParams, strategyID uint64, wallets []solana.PublicKey, keys []protocol.StrategyUserKeys, market simMarketReport) (simReport, error) {
	var strategy protocol.Strategy
	if err := s.decode(keys[0].Strategy, &strategy); err != nil {
		return simReport{}, err
	}
	vault, err := s.ledger.TokenBalance(keys[0].StrategyVault)
	if err != nil {
		return simReport{}, err
	}
	supply, err := s.ledger.MintSupply(keys[0].YieldTokenMint)
	if err != nil {
		return simReport{}, err
	}

	out := simReport{
		Settlement:       string(params.Settlement),
		StrategyID:       strategyID,
		Days:             params.Days,
		YieldTokenSupply: formatUIAmount(supply, simDecimals),
		Users:            make([]simUserReport, 0, len(wallets)),
		Market:           market,
		Slot:             s.ledger.Slot(),
	}
	var depositedSum uint64
	for i, wallet := range wallets {
		var position protocol.UserPosition
		if err := s.decode(keys[i].UserPosition, &position); err != nil {
			return simReport{}, err
		}
		depositedSum += position.DepositedAmount
		underlying, err := s.balance(wallet, s.underlying)
		if err != nil {
			return simReport{}, err
		}
		yieldTokens, err := s.balance(wallet, keys[i].YieldTokenMint)
		if err != nil {
			return simReport{}, err
		}
		out.Users = append(out.Users, simUserReport{
			Wallet:            wallet.String(),
			Deposited:         formatUIAmount(position.DepositedAmount, simDecimals),
			YieldClaimed:      formatUIAmount(position.TotalYieldClaimed, simDecimals),
			UnderlyingBalance: formatUIAmount(underlying, simDecimals),
			YieldTokenBalance: formatUIAmount(yieldTokens, simDecimals),
		})
	}
	out.Conservation = simConservation{
		DepositedSum:  formatUIAmount(depositedSum, simDecimals),
		TotalDeposits: formatUIAmount(strategy.TotalDeposits, simDecimals),
		VaultBalance:  formatUIAmount(vault, simDecimals),
		Balanced:      depositedSum == strategy.TotalDeposits,
		VaultCovered:  vault >= strategy.TotalDeposits,
	}
	if !out.Conservation.Balanced || !out.Conservation.VaultCovered {
		s.logger.Warn("conservation check failed",
			"strategy_id", strategyID,
			"deposited_sum", depositedSum,
			"total_deposits", strategy.TotalDeposits,
			"vault", vault,
		)
	}
	return out, nil
}
