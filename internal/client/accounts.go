package client

import (
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/solayield/backend/internal/protocol"
)

// Keyed pairs a decoded record with its address.
type Keyed[T any] struct {
	Pubkey  solana.PublicKey
	Account T
}

func (c *Client) accountInfo(ctx context.Context, key solana.PublicKey) (*rpc.Account, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
		}
		return nil, fmt.Errorf("fetch account %s: %w", key, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
	}
	return resp.Value, nil
}

func (c *Client) fetchProgramAccount(ctx context.Context, key solana.PublicKey, out protocol.Account) error {
	account, err := c.accountInfo(ctx, key)
	if err != nil {
		return err
	}
	if !account.Owner.Equals(c.cfg.ProgramID) {
		return fmt.Errorf("%w: %s is owned by %s", protocol.ErrInvalidAccount, key, account.Owner)
	}
	if err := protocol.DecodeAccount(account.Data.GetBinary(), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (c *Client) Counter(ctx context.Context, kind protocol.CounterKind) (*protocol.Counter, error) {
	key, _, err := protocol.DeriveCounterPDA(c.cfg.ProgramID, kind)
	if err != nil {
		return nil, fmt.Errorf("derive %s counter PDA: %w", kind, err)
	}
	counter := &protocol.Counter{Kind: kind}
	if err := c.fetchProgramAccount(ctx, key, counter); err != nil {
		return nil, fmt.Errorf("%s counter: %w", kind, err)
	}
	return counter, nil
}

// Counters reads all three counters in one round trip. A missing counter
// means the protocol was never initialized.
func (c *Client) Counters(ctx context.Context) (map[protocol.CounterKind]uint64, error) {
	kinds := []protocol.CounterKind{protocol.CounterStrategy, protocol.CounterMarketplace, protocol.CounterOrder}
	keys := make([]solana.PublicKey, 0, len(kinds))
	for _, kind := range kinds {
		key, _, err := protocol.DeriveCounterPDA(c.cfg.ProgramID, kind)
		if err != nil {
			return nil, fmt.Errorf("derive %s counter PDA: %w", kind, err)
		}
		keys = append(keys, key)
	}

	resp, err := c.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch counters: %w", err)
	}
	if len(resp.Value) != len(kinds) {
		return nil, fmt.Errorf("fetch counters: expected %d accounts, got %d", len(kinds), len(resp.Value))
	}

	out := make(map[protocol.CounterKind]uint64, len(kinds))
	for i, kind := range kinds {
		account := resp.Value[i]
		if account == nil {
			return nil, fmt.Errorf("%w: %s counter %s (run init)", protocol.ErrNotFound, kind, keys[i])
		}
		counter := protocol.Counter{Kind: kind}
		if err := protocol.DecodeAccount(account.Data.GetBinary(), &counter); err != nil {
			return nil, fmt.Errorf("decode %s counter: %w", kind, err)
		}
		out[kind] = counter.Count
	}
	return out, nil
}

func (c *Client) Strategy(ctx context.Context, strategyID uint64) (solana.PublicKey, *protocol.Strategy, error) {
	key, _, err := protocol.DeriveStrategyPDA(c.cfg.ProgramID, strategyID)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("derive strategy PDA: %w", err)
	}
	var strategy protocol.Strategy
	if err := c.fetchProgramAccount(ctx, key, &strategy); err != nil {
		return key, nil, fmt.Errorf("strategy %d: %w", strategyID, err)
	}
	return key, &strategy, nil
}

func (c *Client) Position(ctx context.Context, user solana.PublicKey, strategyID uint64) (solana.PublicKey, *protocol.UserPosition, error) {
	strategyKey, _, err := protocol.DeriveStrategyPDA(c.cfg.ProgramID, strategyID)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("derive strategy PDA: %w", err)
	}
	key, _, err := protocol.DeriveUserPositionPDA(c.cfg.ProgramID, user, strategyKey)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("derive position PDA: %w", err)
	}
	var position protocol.UserPosition
	if err := c.fetchProgramAccount(ctx, key, &position); err != nil {
		return key, nil, fmt.Errorf("position of %s in strategy %d: %w", user, strategyID, err)
	}
	return key, &position, nil
}

func (c *Client) Marketplace(ctx context.Context, strategyID uint64) (solana.PublicKey, *protocol.Marketplace, error) {
	strategyKey, _, err := protocol.DeriveStrategyPDA(c.cfg.ProgramID, strategyID)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("derive strategy PDA: %w", err)
	}
	key, _, err := protocol.DeriveMarketplacePDA(c.cfg.ProgramID, strategyKey)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("derive marketplace PDA: %w", err)
	}
	marketplace, err := c.MarketplaceAt(ctx, key)
	if err != nil {
		return key, nil, fmt.Errorf("marketplace of strategy %d: %w", strategyID, err)
	}
	return key, marketplace, nil
}

func (c *Client) MarketplaceAt(ctx context.Context, key solana.PublicKey) (*protocol.Marketplace, error) {
	var marketplace protocol.Marketplace
	if err := c.fetchProgramAccount(ctx, key, &marketplace); err != nil {
		return nil, err
	}
	return &marketplace, nil
}

func (c *Client) Order(ctx context.Context, key solana.PublicKey) (*protocol.TradeOrder, error) {
	var order protocol.TradeOrder
	if err := c.fetchProgramAccount(ctx, key, &order); err != nil {
		return nil, fmt.Errorf("order %s: %w", key, err)
	}
	return &order, nil
}

// orderMarketplaceOffset is where TradeOrder.marketplace starts.
const orderMarketplaceOffset = 8 + 32

// Orders lists the active orders resting on a marketplace.
func (c *Client) Orders(ctx context.Context, marketplace solana.PublicKey) ([]Keyed[*protocol.TradeOrder], error) {
	accounts, err := c.rpc.GetProgramAccountsWithOpts(ctx, c.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(protocol.TradeOrderDiscriminator[:])}},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: orderMarketplaceOffset, Bytes: solana.Base58(marketplace.Bytes())}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts orders: %w", err)
	}

	out := make([]Keyed[*protocol.TradeOrder], 0, len(accounts))
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		var order protocol.TradeOrder
		if err := protocol.DecodeAccount(item.Account.Data.GetBinary(), &order); err != nil {
			c.logger.Warn("failed to parse order account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		if !order.IsActive {
			continue
		}
		out = append(out, Keyed[*protocol.TradeOrder]{Pubkey: item.Pubkey, Account: &order})
	}
	return out, nil
}

func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	account, err := c.accountInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("mint %s: %w", mint, err)
	}
	var decoded token.Mint
	if err := decoded.UnmarshalWithDecoder(bin.NewBinDecoder(account.Data.GetBinary())); err != nil {
		return 0, fmt.Errorf("decode mint %s: %w", mint, err)
	}
	return decoded.Decimals, nil
}

func (c *Client) tokenAccountExists(ctx context.Context, key solana.PublicKey) (bool, error) {
	_, err := c.accountInfo(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, protocol.ErrNotFound) {
		return false, nil
	}
	return false, err
}
