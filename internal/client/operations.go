package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"

	"github.com/coldbell/solayield/backend/internal/protocol"
)

func (c *Client) InitializeProtocol(ctx context.Context) (solana.Signature, error) {
	accounts, err := protocol.InitializeProtocolAccountsFor(c.cfg.ProgramID, c.Signer())
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := protocol.NewInitializeProtocolInstruction(c.cfg.ProgramID, accounts)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.Send(ctx, protocol.IxInitializeProtocol, ix)
}

// withSequence submits with the counter's current value as the new id. When
// the caller pinned an id nothing is retried; otherwise a lost race rereads
// the counter and tries again. AlreadyExists counts as a lost race only for
// records addressed by their id: a marketplace lives at its strategy's
// address, so that error is final.
func (c *Client) withSequence(
	ctx context.Context,
	kind protocol.CounterKind,
	pinned *uint64,
	submit func(id uint64) (solana.Signature, error),
) (uint64, solana.Signature, error) {
	if pinned != nil {
		sig, err := submit(*pinned)
		return *pinned, sig, err
	}

	attempts := c.cfg.SequenceRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		counter, err := c.Counter(ctx, kind)
		if err != nil {
			return 0, solana.Signature{}, err
		}
		id := counter.Count
		sig, err := submit(id)
		if err == nil {
			return id, sig, nil
		}
		if !lostRace(kind, err) {
			return id, sig, err
		}
		lastErr = err
		c.logger.Warn("id taken by a concurrent transaction, retrying",
			"counter", kind.String(),
			"id", id,
			"attempt", attempt,
			"err", err,
		)
	}
	return 0, solana.Signature{}, fmt.Errorf("allocate %s id after %d attempts: %w", kind, attempts, lastErr)
}

func lostRace(kind protocol.CounterKind, err error) bool {
	if errors.Is(err, protocol.ErrSequenceMismatch) {
		return true
	}
	return kind != protocol.CounterMarketplace && errors.Is(err, protocol.ErrAlreadyExists)
}

func (c *Client) CreateStrategy(ctx context.Context, name string, apyBps uint16, underlyingMint solana.PublicKey, pinned *uint64) (uint64, solana.Signature, error) {
	if err := protocol.ValidateName(name); err != nil {
		return 0, solana.Signature{}, err
	}
	if uint64(apyBps) > protocol.MaxAPYBasisPoints {
		return 0, solana.Signature{}, fmt.Errorf("%w: apy %d bps above %d", protocol.ErrInvalidAmount, apyBps, protocol.MaxAPYBasisPoints)
	}
	if underlyingMint.IsZero() {
		underlyingMint = c.cfg.UnderlyingMint
	}

	return c.withSequence(ctx, protocol.CounterStrategy, pinned, func(id uint64) (solana.Signature, error) {
		accounts, err := protocol.CreateStrategyAccountsFor(c.cfg.ProgramID, c.Signer(), underlyingMint, id)
		if err != nil {
			return solana.Signature{}, err
		}
		ix, err := protocol.NewCreateStrategyInstruction(c.cfg.ProgramID, accounts, protocol.CreateStrategyArgs{
			Name:           name,
			APYBasisPoints: apyBps,
			StrategyID:     id,
		})
		if err != nil {
			return solana.Signature{}, err
		}
		return c.Send(ctx, protocol.IxCreateStrategy, ix)
	})
}

func (c *Client) strategyUserKeys(ctx context.Context, strategyID uint64) (protocol.StrategyUserKeys, error) {
	_, strategy, err := c.Strategy(ctx, strategyID)
	if err != nil {
		return protocol.StrategyUserKeys{}, err
	}
	return protocol.ResolveStrategyUserKeys(c.cfg.ProgramID, c.Signer(), strategy.UnderlyingToken, strategyID)
}

// ensureATA returns a create instruction when the signer's associated token
// account for mint is missing.
func (c *Client) ensureATA(ctx context.Context, account, mint solana.PublicKey) ([]solana.Instruction, error) {
	exists, err := c.tokenAccountExists(ctx, account)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	ix, err := ata.NewCreateInstruction(c.Signer(), c.Signer(), mint).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build create ATA instruction: %w", err)
	}
	return []solana.Instruction{ix}, nil
}

func (c *Client) Deposit(ctx context.Context, strategyID, amount uint64) (solana.Signature, error) {
	keys, err := c.strategyUserKeys(ctx, strategyID)
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := protocol.NewDepositToStrategyInstruction(c.cfg.ProgramID, keys.Deposit(), amount, strategyID)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.Send(ctx, protocol.IxDepositToStrategy, ix)
}

func (c *Client) Withdraw(ctx context.Context, strategyID, amount uint64) (solana.Signature, error) {
	keys, err := c.strategyUserKeys(ctx, strategyID)
	if err != nil {
		return solana.Signature{}, err
	}
	instructions, err := c.ensureATA(ctx, keys.UserUnderlyingAccount, keys.UnderlyingTokenMint)
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := protocol.NewWithdrawFromStrategyInstruction(c.cfg.ProgramID, keys.Withdraw(), amount, strategyID)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.Send(ctx, protocol.IxWithdrawFromStrategy, append(instructions, ix)...)
}

func (c *Client) ClaimYield(ctx context.Context, strategyID uint64) (solana.Signature, error) {
	keys, err := c.strategyUserKeys(ctx, strategyID)
	if err != nil {
		return solana.Signature{}, err
	}
	instructions, err := c.ensureATA(ctx, keys.UserUnderlyingAccount, keys.UnderlyingTokenMint)
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := protocol.NewClaimYieldInstruction(c.cfg.ProgramID, keys.Claim(), strategyID)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.Send(ctx, protocol.IxClaimYield, append(instructions, ix)...)
}

func (c *Client) RedeemYieldTokens(ctx context.Context, strategyID, amount uint64) (solana.Signature, error) {
	keys, err := c.strategyUserKeys(ctx, strategyID)
	if err != nil {
		return solana.Signature{}, err
	}
	instructions, err := c.ensureATA(ctx, keys.UserUnderlyingAccount, keys.UnderlyingTokenMint)
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := protocol.NewRedeemYieldTokensInstruction(c.cfg.ProgramID, keys.Redeem(), amount, strategyID)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.Send(ctx, protocol.IxRedeemYieldTokens, append(instructions, ix)...)
}

func (c *Client) CreateMarketplace(ctx context.Context, strategyID uint64, feeBps uint16, pinned *uint64) (uint64, solana.Signature, error) {
	if feeBps > protocol.MaxTradingFeeBps {
		return 0, solana.Signature{}, fmt.Errorf("%w: fee %d bps above %d", protocol.ErrInvalidAmount, feeBps, protocol.MaxTradingFeeBps)
	}
	return c.withSequence(ctx, protocol.CounterMarketplace, pinned, func(id uint64) (solana.Signature, error) {
		accounts, err := protocol.CreateMarketplaceAccountsFor(c.cfg.ProgramID, c.Signer(), strategyID)
		if err != nil {
			return solana.Signature{}, err
		}
		ix, err := protocol.NewCreateMarketplaceInstruction(c.cfg.ProgramID, accounts, protocol.CreateMarketplaceArgs{
			StrategyID:    strategyID,
			MarketplaceID: id,
			TradingFeeBps: feeBps,
		})
		if err != nil {
			return solana.Signature{}, err
		}
		return c.Send(ctx, protocol.IxCreateMarketplace, ix)
	})
}

// PlacedOrder identifies an order created by PlaceOrder.
type PlacedOrder struct {
	OrderID   uint64
	Order     solana.PublicKey
	Escrow    solana.PublicKey
	Signature solana.Signature
}

func (c *Client) PlaceOrder(ctx context.Context, strategyID uint64, orderType protocol.OrderType, amount, price uint64, pinned *uint64) (PlacedOrder, error) {
	if !orderType.Valid() {
		return PlacedOrder{}, fmt.Errorf("%w: order type %d", protocol.ErrInvalidAmount, orderType)
	}
	marketplaceKey, marketplace, err := c.Marketplace(ctx, strategyID)
	if err != nil {
		return PlacedOrder{}, err
	}

	var placed protocol.PlaceOrderAccounts
	id, sig, err := c.withSequence(ctx, protocol.CounterOrder, pinned, func(id uint64) (solana.Signature, error) {
		accounts, err := protocol.PlaceOrderAccountsFor(c.cfg.ProgramID, c.Signer(), marketplaceKey, marketplace, id, orderType)
		if err != nil {
			return solana.Signature{}, err
		}
		placed = accounts
		ix, err := protocol.NewPlaceOrderInstruction(c.cfg.ProgramID, accounts, protocol.PlaceOrderArgs{
			OrderID:          id,
			OrderType:        orderType,
			YieldTokenAmount: amount,
			PricePerToken:    price,
		})
		if err != nil {
			return solana.Signature{}, err
		}
		return c.Send(ctx, protocol.IxPlaceOrder, ix)
	})
	if err != nil {
		return PlacedOrder{}, err
	}
	return PlacedOrder{OrderID: id, Order: placed.Order, Escrow: placed.EscrowAccount, Signature: sig}, nil
}

func (c *Client) ExecuteTrade(ctx context.Context, orderKey solana.PublicKey, amount uint64) (solana.Signature, error) {
	order, err := c.Order(ctx, orderKey)
	if err != nil {
		return solana.Signature{}, err
	}
	marketplace, err := c.MarketplaceAt(ctx, order.Marketplace)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("marketplace %s: %w", order.Marketplace, err)
	}
	accounts, err := protocol.ExecuteTradeAccountsFor(c.cfg.ProgramID, c.Signer(), order.Marketplace, marketplace, orderKey, order)
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := protocol.NewExecuteTradeInstruction(c.cfg.ProgramID, accounts, amount)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.Send(ctx, protocol.IxExecuteTrade, ix)
}

func (c *Client) CancelOrder(ctx context.Context, orderKey solana.PublicKey) (solana.Signature, error) {
	order, err := c.Order(ctx, orderKey)
	if err != nil {
		return solana.Signature{}, err
	}
	if !order.User.Equals(c.Signer()) {
		return solana.Signature{}, fmt.Errorf("%w: order %s belongs to %s", protocol.ErrUnauthorized, orderKey, order.User)
	}
	marketplace, err := c.MarketplaceAt(ctx, order.Marketplace)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("marketplace %s: %w", order.Marketplace, err)
	}
	accounts, err := protocol.CancelOrderAccountsFor(c.cfg.ProgramID, c.Signer(), order.Marketplace, marketplace, order.OrderID, order.OrderType)
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := protocol.NewCancelOrderInstruction(c.cfg.ProgramID, accounts, order.OrderID)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.Send(ctx, protocol.IxCancelOrder, ix)
}
