package main

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/solayield/backend/internal/client"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

func (a *app) cmdInit(ctx context.Context, args []string) error {
	fs := a.flagSet("init")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := a.rpc()
	if err != nil {
		return err
	}
	sig, err := c.InitializeProtocol(ctx)
	if err != nil {
		return err
	}
	return a.printTx("initialize_protocol", sig, nil)
}

func (a *app) cmdCreateStrategy(ctx context.Context, args []string) error {
	fs := a.flagSet("create-strategy")
	name := fs.String("name", "", "strategy name (1-64 characters)")
	apyBps := fs.Uint("apy-bps", 0, "annual yield in basis points (max 50000)")
	var mint pubkeyFlag
	fs.Var(&mint, "mint", "underlying mint (default SOLAYIELD_UNDERLYING_MINT)")
	var id optionalUint
	fs.Var(&id, "id", "pin the strategy id instead of reading the counter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireString(*name, "name"); err != nil {
		return err
	}
	if *apyBps > math.MaxUint16 {
		return fmt.Errorf("%w: apy %d bps", protocol.ErrInvalidAmount, *apyBps)
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	strategyID, sig, err := c.CreateStrategy(ctx, *name, uint16(*apyBps), mint.value, id.value)
	if err != nil {
		return err
	}
	strategyKey, _, err := protocol.DeriveStrategyPDA(c.ProgramID(), strategyID)
	if err != nil {
		return err
	}
	return a.printTx("create_strategy", sig, map[string]any{
		"strategy_id": strategyID,
		"strategy":    strategyKey.String(),
	})
}

// strategyDecimals loads a strategy and the decimals of its underlying mint.
// The yield-token mint shares them.
func (a *app) strategyDecimals(ctx context.Context, c *client.Client, strategyID uint64) (solana.PublicKey, *protocol.Strategy, uint8, error) {
	key, strategy, err := c.Strategy(ctx, strategyID)
	if err != nil {
		return solana.PublicKey{}, nil, 0, fmt.Errorf("load strategy %d: %w", strategyID, err)
	}
	decimals, err := c.MintDecimals(ctx, strategy.UnderlyingToken)
	if err != nil {
		return solana.PublicKey{}, nil, 0, err
	}
	return key, strategy, decimals, nil
}

func (a *app) cmdDeposit(ctx context.Context, args []string) error {
	return a.strategyAmountCommand(ctx, "deposit", args, func(c *client.Client, strategyID, amount uint64) (solana.Signature, error) {
		return c.Deposit(ctx, strategyID, amount)
	})
}

func (a *app) cmdWithdraw(ctx context.Context, args []string) error {
	return a.strategyAmountCommand(ctx, "withdraw", args, func(c *client.Client, strategyID, amount uint64) (solana.Signature, error) {
		return c.Withdraw(ctx, strategyID, amount)
	})
}

func (a *app) cmdRedeem(ctx context.Context, args []string) error {
	return a.strategyAmountCommand(ctx, "redeem", args, func(c *client.Client, strategyID, amount uint64) (solana.Signature, error) {
		return c.RedeemYieldTokens(ctx, strategyID, amount)
	})
}

func (a *app) strategyAmountCommand(
	ctx context.Context,
	name string,
	args []string,
	submit func(c *client.Client, strategyID, amount uint64) (solana.Signature, error),
) error {
	fs := a.flagSet(name)
	var strategy optionalUint
	fs.Var(&strategy, "strategy", "strategy id")
	rawAmount := fs.String("amount", "", "amount in UI units, e.g. 1.5")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategyID, err := strategy.require("strategy")
	if err != nil {
		return err
	}
	if err := requireString(*rawAmount, "amount"); err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	_, _, decimals, err := a.strategyDecimals(ctx, c, strategyID)
	if err != nil {
		return err
	}
	amount, err := parseUIAmount(*rawAmount, decimals)
	if err != nil {
		return err
	}
	sig, err := submit(c, strategyID, amount)
	if err != nil {
		return err
	}
	return a.printTx(name, sig, map[string]any{
		"strategy_id":  strategyID,
		"amount":       formatUIAmount(amount, decimals),
		"amount_units": amount,
	})
}

func (a *app) cmdClaim(ctx context.Context, args []string) error {
	fs := a.flagSet("claim")
	var strategy optionalUint
	fs.Var(&strategy, "strategy", "strategy id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategyID, err := strategy.require("strategy")
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	sig, err := c.ClaimYield(ctx, strategyID)
	if err != nil {
		return err
	}
	details := map[string]any{"strategy_id": strategyID}
	if _, strategyAccount, decimals, err := a.strategyDecimals(ctx, c, strategyID); err == nil {
		if _, position, err := c.Position(ctx, c.Signer(), strategyID); err == nil {
			details["total_yield_claimed"] = formatUIAmount(position.TotalYieldClaimed, decimals)
			details["strategy"] = strategyAccount.Name
		}
	}
	return a.printTx("claim_yield", sig, details)
}

func (a *app) cmdCreateMarketplace(ctx context.Context, args []string) error {
	fs := a.flagSet("create-marketplace")
	var strategy optionalUint
	fs.Var(&strategy, "strategy", "strategy id")
	feeBps := fs.Uint("fee-bps", 0, "trading fee in basis points (max 1000)")
	var id optionalUint
	fs.Var(&id, "id", "pin the marketplace id instead of reading the counter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategyID, err := strategy.require("strategy")
	if err != nil {
		return err
	}
	if *feeBps > math.MaxUint16 {
		return fmt.Errorf("%w: fee %d bps", protocol.ErrInvalidAmount, *feeBps)
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	marketplaceID, sig, err := c.CreateMarketplace(ctx, strategyID, uint16(*feeBps), id.value)
	if err != nil {
		return err
	}
	strategyKey, _, err := protocol.DeriveStrategyPDA(c.ProgramID(), strategyID)
	if err != nil {
		return err
	}
	marketplaceKey, _, err := protocol.DeriveMarketplacePDA(c.ProgramID(), strategyKey)
	if err != nil {
		return err
	}
	return a.printTx("create_marketplace", sig, map[string]any{
		"marketplace_id": marketplaceID,
		"marketplace":    marketplaceKey.String(),
		"strategy_id":    strategyID,
	})
}

func parseSide(raw string) (protocol.OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "bid":
		return protocol.OrderTypeBuy, nil
	case "sell", "ask":
		return protocol.OrderTypeSell, nil
	default:
		return 0, fmt.Errorf("%w: side must be buy or sell, got %q", errUsage, raw)
	}
}

func (a *app) cmdPlaceOrder(ctx context.Context, args []string) error {
	fs := a.flagSet("place-order")
	var strategy optionalUint
	fs.Var(&strategy, "strategy", "strategy id")
	side := fs.String("side", "", "buy or sell")
	rawAmount := fs.String("amount", "", "yield tokens in UI units")
	rawPrice := fs.String("price", "", "underlying per yield token, up to 6 decimals")
	var id optionalUint
	fs.Var(&id, "id", "pin the order id instead of reading the counter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategyID, err := strategy.require("strategy")
	if err != nil {
		return err
	}
	orderType, err := parseSide(*side)
	if err != nil {
		return err
	}
	if err := requireString(*rawAmount, "amount"); err != nil {
		return err
	}
	price, err := parsePrice(*rawPrice)
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	_, _, decimals, err := a.strategyDecimals(ctx, c, strategyID)
	if err != nil {
		return err
	}
	amount, err := parseUIAmount(*rawAmount, decimals)
	if err != nil {
		return err
	}
	placed, err := c.PlaceOrder(ctx, strategyID, orderType, amount, price, id.value)
	if err != nil {
		return err
	}
	return a.printTx("place_order", placed.Signature, map[string]any{
		"order_id": placed.OrderID,
		"order":    placed.Order.String(),
		"escrow":   placed.Escrow.String(),
		"side":     orderType.String(),
		"amount":   formatUIAmount(amount, decimals),
		"price":    formatPrice(price),
	})
}

// orderDecimals resolves the yield-token decimals an order is quoted in.
func (a *app) orderDecimals(ctx context.Context, c *client.Client, orderKey solana.PublicKey) (*protocol.TradeOrder, uint8, error) {
	order, err := c.Order(ctx, orderKey)
	if err != nil {
		return nil, 0, fmt.Errorf("load order %s: %w", orderKey, err)
	}
	marketplace, err := c.MarketplaceAt(ctx, order.Marketplace)
	if err != nil {
		return nil, 0, fmt.Errorf("load marketplace %s: %w", order.Marketplace, err)
	}
	decimals, err := c.MintDecimals(ctx, marketplace.YieldTokenMint)
	if err != nil {
		return nil, 0, err
	}
	return order, decimals, nil
}

func (a *app) cmdExecuteTrade(ctx context.Context, args []string) error {
	fs := a.flagSet("execute-trade")
	var orderFlag pubkeyFlag
	fs.Var(&orderFlag, "order", "order account")
	rawAmount := fs.String("amount", "", "yield tokens to fill in UI units (default: all remaining)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	orderKey, err := orderFlag.require("order")
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	order, decimals, err := a.orderDecimals(ctx, c, orderKey)
	if err != nil {
		return err
	}
	amount := order.Remaining()
	if *rawAmount != "" {
		if amount, err = parseUIAmount(*rawAmount, decimals); err != nil {
			return err
		}
	}
	sig, err := c.ExecuteTrade(ctx, orderKey, amount)
	if err != nil {
		return err
	}
	return a.printTx("execute_trade", sig, map[string]any{
		"order":  orderKey.String(),
		"amount": formatUIAmount(amount, decimals),
		"price":  formatPrice(order.PricePerToken),
	})
}

func (a *app) cmdCancelOrder(ctx context.Context, args []string) error {
	fs := a.flagSet("cancel-order")
	var orderFlag pubkeyFlag
	fs.Var(&orderFlag, "order", "order account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	orderKey, err := orderFlag.require("order")
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	sig, err := c.CancelOrder(ctx, orderKey)
	if err != nil {
		return err
	}
	return a.printTx("cancel_order", sig, map[string]any{"order": orderKey.String()})
}

func (a *app) cmdStrategy(ctx context.Context, args []string) error {
	fs := a.flagSet("strategy")
	var id optionalUint
	fs.Var(&id, "id", "strategy id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategyID, err := id.require("id")
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	key, strategy, decimals, err := a.strategyDecimals(ctx, c, strategyID)
	if err != nil {
		return err
	}
	return a.printJSON(newStrategyView(key, strategy, decimals))
}

func (a *app) cmdPosition(ctx context.Context, args []string) error {
	fs := a.flagSet("position")
	var strategy optionalUint
	fs.Var(&strategy, "strategy", "strategy id")
	var user pubkeyFlag
	fs.Var(&user, "user", "position owner (default: the configured keypair)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategyID, err := strategy.require("strategy")
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	owner := user.value
	if owner.IsZero() {
		owner = c.Signer()
	}
	_, _, decimals, err := a.strategyDecimals(ctx, c, strategyID)
	if err != nil {
		return err
	}
	key, position, err := c.Position(ctx, owner, strategyID)
	if err != nil {
		return fmt.Errorf("load position of %s in strategy %d: %w", owner, strategyID, err)
	}
	return a.printJSON(newPositionView(key, position, decimals))
}

func (a *app) cmdMarketplace(ctx context.Context, args []string) error {
	fs := a.flagSet("marketplace")
	var strategy optionalUint
	fs.Var(&strategy, "strategy", "strategy id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategyID, err := strategy.require("strategy")
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	_, _, decimals, err := a.strategyDecimals(ctx, c, strategyID)
	if err != nil {
		return err
	}
	key, marketplace, err := c.Marketplace(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("load marketplace of strategy %d: %w", strategyID, err)
	}
	return a.printJSON(newMarketplaceView(key, marketplace, decimals))
}

func (a *app) cmdOrder(ctx context.Context, args []string) error {
	fs := a.flagSet("order")
	var orderFlag pubkeyFlag
	fs.Var(&orderFlag, "order", "order account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	orderKey, err := orderFlag.require("order")
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	order, decimals, err := a.orderDecimals(ctx, c, orderKey)
	if err != nil {
		return err
	}
	return a.printJSON(newOrderView(orderKey, order, decimals))
}

func (a *app) cmdOrders(ctx context.Context, args []string) error {
	fs := a.flagSet("orders")
	var strategy optionalUint
	fs.Var(&strategy, "strategy", "strategy id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategyID, err := strategy.require("strategy")
	if err != nil {
		return err
	}

	c, err := a.rpc()
	if err != nil {
		return err
	}
	_, _, decimals, err := a.strategyDecimals(ctx, c, strategyID)
	if err != nil {
		return err
	}
	marketplaceKey, _, err := c.Marketplace(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("load marketplace of strategy %d: %w", strategyID, err)
	}
	orders, err := c.Orders(ctx, marketplaceKey)
	if err != nil {
		return err
	}
	views := make([]orderView, 0, len(orders))
	for _, item := range orders {
		views = append(views, newOrderView(item.Pubkey, item.Account, decimals))
	}
	return a.printJSON(views)
}

func (a *app) cmdCounters(ctx context.Context, args []string) error {
	fs := a.flagSet("counters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := a.rpc()
	if err != nil {
		return err
	}
	counts, err := c.Counters(ctx)
	if err != nil {
		return err
	}
	out := make(map[string]uint64, len(counts))
	for kind, count := range counts {
		out[kind.String()] = count
	}
	return a.printJSON(out)
}
