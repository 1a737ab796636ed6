package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/solayield/backend/internal/ledger"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

func (p *Processor) createMarketplace(ic *ledger.InvokeContext, args protocol.CreateMarketplaceArgs) error {
	accs, err := protocol.ParseCreateMarketplaceAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if err := requireSigner(ic, accs.Admin); err != nil {
		return err
	}
	if _, err := expect(accs.Strategy, "strategy")(protocol.DeriveStrategyPDA(p.programID, args.StrategyID)); err != nil {
		return err
	}
	strategy := &protocol.Strategy{}
	if err := load(ic, accs.Strategy, "strategy", strategy); err != nil {
		return err
	}
	if !strategy.Admin.Equals(accs.Admin) {
		return fmt.Errorf("%w: strategy %d is administered by %s", protocol.ErrUnauthorized, args.StrategyID, strategy.Admin)
	}
	if args.TradingFeeBps > protocol.MaxTradingFeeBps {
		return fmt.Errorf("%w: trading fee %d bps exceeds %d", protocol.ErrInvalidAmount, args.TradingFeeBps, protocol.MaxTradingFeeBps)
	}
	bump, err := expect(accs.Marketplace, "marketplace")(protocol.DeriveMarketplacePDA(p.programID, accs.Strategy))
	if err != nil {
		return err
	}
	counter, err := loadCounter(ic, p.programID, accs.MarketplaceCounter, protocol.CounterMarketplace)
	if err != nil {
		return err
	}
	found, err := ic.Exists(accs.Marketplace)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: marketplace for strategy %d", protocol.ErrAlreadyExists, args.StrategyID)
	}
	if args.MarketplaceID != counter.Count {
		return fmt.Errorf("%w: marketplace id %d, expected %d", protocol.ErrSequenceMismatch, args.MarketplaceID, counter.Count)
	}
	nextCount, err := protocol.CheckedAdd(counter.Count, 1)
	if err != nil {
		return err
	}

	seeds := [][]byte{protocol.SeedMarketplace, accs.Strategy.Bytes(), {bump}}
	if err := ic.CreateAccount(accs.Admin, accs.Marketplace, protocol.MarketplaceSpace, seeds); err != nil {
		return err
	}
	marketplace := &protocol.Marketplace{
		Admin:               accs.Admin,
		Strategy:            accs.Strategy,
		YieldTokenMint:      strategy.YieldTokenMint,
		UnderlyingTokenMint: strategy.UnderlyingToken,
		TradingFeeBps:       args.TradingFeeBps,
		IsActive:            true,
		CreatedAt:           ic.UnixTimestamp(),
		MarketplaceID:       args.MarketplaceID,
	}
	if err := store(ic, accs.Marketplace, marketplace); err != nil {
		return err
	}
	counter.Count = nextCount
	if err := store(ic, accs.MarketplaceCounter, counter); err != nil {
		return err
	}

	ic.Logf("Marketplace %d created for strategy %d with fee %d bps", args.MarketplaceID, args.StrategyID, args.TradingFeeBps)
	return nil
}

// escrowMint is the asset an order locks: yield tokens for a sell, the
// underlying for a buy.
func escrowMint(m *protocol.Marketplace, orderType protocol.OrderType) solana.PublicKey {
	if orderType == protocol.OrderTypeSell {
		return m.YieldTokenMint
	}
	return m.UnderlyingTokenMint
}

func (p *Processor) placeOrder(ic *ledger.InvokeContext, args protocol.PlaceOrderArgs) error {
	accs, err := protocol.ParsePlaceOrderAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if err := requireSigner(ic, accs.User); err != nil {
		return err
	}
	orderType := args.OrderType
	if !orderType.Valid() {
		return fmt.Errorf("%w: order type %d", protocol.ErrInvalidAmount, args.OrderType)
	}
	if args.YieldTokenAmount == 0 || args.PricePerToken == 0 {
		return fmt.Errorf("%w: amount %d at price %d", protocol.ErrInvalidAmount, args.YieldTokenAmount, args.PricePerToken)
	}

	marketplace := &protocol.Marketplace{}
	if err := load(ic, accs.Marketplace, "marketplace", marketplace); err != nil {
		return err
	}
	if !marketplace.IsActive {
		return fmt.Errorf("%w: marketplace %s is not active", protocol.ErrInvalidState, accs.Marketplace)
	}
	if err := expectKey(accs.YieldTokenMint, marketplace.YieldTokenMint, "yield token mint"); err != nil {
		return err
	}
	if err := expectKey(accs.UnderlyingTokenMint, marketplace.UnderlyingTokenMint, "underlying mint"); err != nil {
		return err
	}
	orderBump, err := expect(accs.Order, "order")(protocol.DeriveOrderPDA(p.programID, accs.User, args.OrderID))
	if err != nil {
		return err
	}
	escrowBump, err := expect(accs.EscrowAccount, "escrow")(protocol.DeriveEscrowPDA(p.programID, accs.Order))
	if err != nil {
		return err
	}
	counter, err := loadCounter(ic, p.programID, accs.OrderCounter, protocol.CounterOrder)
	if err != nil {
		return err
	}
	found, err := ic.Exists(accs.Order)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: order %d of %s", protocol.ErrAlreadyExists, args.OrderID, accs.User)
	}
	if args.OrderID != counter.Count {
		return fmt.Errorf("%w: order id %d, expected %d", protocol.ErrSequenceMismatch, args.OrderID, counter.Count)
	}

	value, err := protocol.TradeValue(args.YieldTokenAmount, args.PricePerToken)
	if err != nil {
		return err
	}
	if value == 0 {
		return fmt.Errorf("%w: order value rounds to zero", protocol.ErrInvalidAmount)
	}
	locked := value
	if orderType == protocol.OrderTypeSell {
		locked = args.YieldTokenAmount
	}
	fundingMint := escrowMint(marketplace, orderType)
	funding, err := tokenAccount(ic, accs.UserTokenAccount, fundingMint, accs.User, "user token account")
	if err != nil {
		return err
	}
	if err := requireBalance(funding, locked, "user token account"); err != nil {
		return err
	}
	nextCount, err := protocol.CheckedAdd(counter.Count, 1)
	if err != nil {
		return err
	}

	orderSeeds := [][]byte{protocol.SeedOrder, accs.User.Bytes(), protocol.U64LEToBytes(args.OrderID), {orderBump}}
	if err := ic.CreateAccount(accs.User, accs.Order, protocol.TradeOrderSpace, orderSeeds); err != nil {
		return err
	}
	if err := ic.InitializeTokenAccount(accs.User, accs.EscrowAccount, fundingMint, accs.EscrowAccount, protocol.EscrowSignerSeeds(accs.Order, escrowBump)); err != nil {
		return err
	}
	if err := ic.Transfer(accs.UserTokenAccount, accs.EscrowAccount, accs.User, locked, nil); err != nil {
		return err
	}

	order := &protocol.TradeOrder{
		User:             accs.User,
		Marketplace:      accs.Marketplace,
		OrderType:        orderType,
		YieldTokenAmount: args.YieldTokenAmount,
		PricePerToken:    args.PricePerToken,
		TotalValue:       value,
		IsActive:         true,
		CreatedAt:        ic.UnixTimestamp(),
		OrderID:          args.OrderID,
	}
	if err := store(ic, accs.Order, order); err != nil {
		return err
	}
	counter.Count = nextCount
	if err := store(ic, accs.OrderCounter, counter); err != nil {
		return err
	}

	ic.Logf("Order %d placed: %s %d at %d", args.OrderID, orderType, args.YieldTokenAmount, args.PricePerToken)
	return nil
}

func (p *Processor) executeTrade(ic *ledger.InvokeContext, tradeAmount uint64) error {
	accs, err := protocol.ParseExecuteTradeAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if err := requireSigner(ic, accs.Taker); err != nil {
		return err
	}

	marketplace := &protocol.Marketplace{}
	if err := load(ic, accs.Marketplace, "marketplace", marketplace); err != nil {
		return err
	}
	order := &protocol.TradeOrder{}
	if err := load(ic, accs.Order, "order", order); err != nil {
		return err
	}
	if err := expectKey(order.Marketplace, accs.Marketplace, "order marketplace"); err != nil {
		return err
	}
	if _, err := expect(accs.Order, "order")(protocol.DeriveOrderPDA(p.programID, order.User, order.OrderID)); err != nil {
		return err
	}
	escrowBump, err := expect(accs.EscrowAccount, "escrow")(protocol.DeriveEscrowPDA(p.programID, accs.Order))
	if err != nil {
		return err
	}
	if err := expectKey(accs.Maker, order.User, "maker"); err != nil {
		return err
	}
	if err := expectKey(accs.YieldTokenMint, marketplace.YieldTokenMint, "yield token mint"); err != nil {
		return err
	}
	if err := expectKey(accs.UnderlyingTokenMint, marketplace.UnderlyingTokenMint, "underlying mint"); err != nil {
		return err
	}
	if !marketplace.IsActive {
		return fmt.Errorf("%w: marketplace %s is not active", protocol.ErrInvalidState, accs.Marketplace)
	}
	if !order.IsActive {
		return fmt.Errorf("%w: order %s is not active", protocol.ErrInvalidState, accs.Order)
	}
	if tradeAmount == 0 || tradeAmount > order.Remaining() {
		return fmt.Errorf("%w: trade %d against %d remaining", protocol.ErrInvalidAmount, tradeAmount, order.Remaining())
	}

	value, err := protocol.TradeValue(tradeAmount, order.PricePerToken)
	if err != nil {
		return err
	}
	if value == 0 {
		return fmt.Errorf("%w: trade value rounds to zero", protocol.ErrInvalidAmount)
	}
	fee := protocol.TradingFee(value, marketplace.TradingFeeBps)
	net := value - fee
	feeRecipient, _, err := solana.FindAssociatedTokenAddress(marketplace.Admin, marketplace.UnderlyingTokenMint)
	if err != nil {
		return err
	}
	if err := expectKey(accs.FeeRecipient, feeRecipient, "fee recipient"); err != nil {
		return err
	}

	filled, err := protocol.CheckedAdd(order.FilledAmount, tradeAmount)
	if err != nil {
		return err
	}
	volume, err := protocol.CheckedAdd(marketplace.TotalVolume, value)
	if err != nil {
		return err
	}
	trades, err := protocol.CheckedAdd(marketplace.TotalTrades, 1)
	if err != nil {
		return err
	}

	escrowSeeds := protocol.EscrowSignerSeeds(accs.Order, escrowBump)
	escrow, err := tokenAccount(ic, accs.EscrowAccount, escrowMint(marketplace, order.OrderType), accs.EscrowAccount, "escrow")
	if err != nil {
		return err
	}

	switch order.OrderType {
	case protocol.OrderTypeSell:
		payer, err := tokenAccount(ic, accs.TakerUnderlyingAccount, marketplace.UnderlyingTokenMint, accs.Taker, "taker underlying account")
		if err != nil {
			return err
		}
		if err := requireBalance(payer, value, "taker underlying account"); err != nil {
			return err
		}
		if err := requireBalance(escrow, tradeAmount, "escrow"); err != nil {
			return err
		}
		if err := ic.CreateAssociatedTokenAccountIdempotent(accs.Taker, accs.TakerYieldAccount, accs.Taker, marketplace.YieldTokenMint); err != nil {
			return err
		}
		if err := ic.CreateAssociatedTokenAccountIdempotent(accs.Taker, accs.MakerUnderlyingAccount, order.User, marketplace.UnderlyingTokenMint); err != nil {
			return err
		}
		if err := ic.Transfer(accs.EscrowAccount, accs.TakerYieldAccount, accs.EscrowAccount, tradeAmount, escrowSeeds); err != nil {
			return err
		}
		if err := ic.Transfer(accs.TakerUnderlyingAccount, accs.MakerUnderlyingAccount, accs.Taker, net, nil); err != nil {
			return err
		}
		if fee > 0 {
			if err := ic.CreateAssociatedTokenAccountIdempotent(accs.Taker, accs.FeeRecipient, marketplace.Admin, marketplace.UnderlyingTokenMint); err != nil {
				return err
			}
			if err := ic.Transfer(accs.TakerUnderlyingAccount, accs.FeeRecipient, accs.Taker, fee, nil); err != nil {
				return err
			}
		}
		marketplace.BestAskPrice = order.PricePerToken
	case protocol.OrderTypeBuy:
		seller, err := tokenAccount(ic, accs.TakerYieldAccount, marketplace.YieldTokenMint, accs.Taker, "taker yield account")
		if err != nil {
			return err
		}
		if err := requireBalance(seller, tradeAmount, "taker yield account"); err != nil {
			return err
		}
		if err := requireBalance(escrow, value, "escrow"); err != nil {
			return err
		}
		if err := ic.CreateAssociatedTokenAccountIdempotent(accs.Taker, accs.MakerYieldAccount, order.User, marketplace.YieldTokenMint); err != nil {
			return err
		}
		if err := ic.CreateAssociatedTokenAccountIdempotent(accs.Taker, accs.TakerUnderlyingAccount, accs.Taker, marketplace.UnderlyingTokenMint); err != nil {
			return err
		}
		if err := ic.Transfer(accs.TakerYieldAccount, accs.MakerYieldAccount, accs.Taker, tradeAmount, nil); err != nil {
			return err
		}
		if err := ic.Transfer(accs.EscrowAccount, accs.TakerUnderlyingAccount, accs.EscrowAccount, net, escrowSeeds); err != nil {
			return err
		}
		if fee > 0 {
			if err := ic.CreateAssociatedTokenAccountIdempotent(accs.Taker, accs.FeeRecipient, marketplace.Admin, marketplace.UnderlyingTokenMint); err != nil {
				return err
			}
			if err := ic.Transfer(accs.EscrowAccount, accs.FeeRecipient, accs.EscrowAccount, fee, escrowSeeds); err != nil {
				return err
			}
		}
		marketplace.BestBidPrice = order.PricePerToken
	default:
		return fmt.Errorf("%w: order type %d", protocol.ErrInvalidAccount, order.OrderType)
	}

	order.FilledAmount = filled
	if order.Remaining() == 0 {
		order.IsActive = false
		if err := closeEscrow(ic, accs.Taker, accs.EscrowAccount, accs.Maker, makerRefundAccount(accs, order.OrderType), escrowSeeds); err != nil {
			return err
		}
	}
	if err := store(ic, accs.Order, order); err != nil {
		return err
	}
	marketplace.TotalVolume = volume
	marketplace.TotalTrades = trades
	if err := store(ic, accs.Marketplace, marketplace); err != nil {
		return err
	}

	ic.Logf("Trade executed on order %d: %d at %d, value %d, fee %d", order.OrderID, tradeAmount, order.PricePerToken, value, fee)
	return nil
}

func makerRefundAccount(accs protocol.ExecuteTradeAccounts, orderType protocol.OrderType) solana.PublicKey {
	if orderType == protocol.OrderTypeSell {
		return accs.MakerYieldAccount
	}
	return accs.MakerUnderlyingAccount
}

// closeEscrow returns whatever the escrow still holds to owner's refundTo
// account and closes it. Buy escrows can keep rounding dust after the last
// fill.
func closeEscrow(ic *ledger.InvokeContext, payer, escrowKey, owner, refundTo solana.PublicKey, seeds [][]byte) error {
	escrow, err := ic.TokenAccount(escrowKey)
	if err != nil {
		return err
	}
	if escrow.Amount > 0 {
		if err := ic.CreateAssociatedTokenAccountIdempotent(payer, refundTo, owner, escrow.Mint); err != nil {
			return err
		}
		if err := ic.Transfer(escrowKey, refundTo, escrowKey, escrow.Amount, seeds); err != nil {
			return err
		}
	}
	return ic.CloseTokenAccount(escrowKey, owner, escrowKey, seeds)
}

func (p *Processor) cancelOrder(ic *ledger.InvokeContext, orderID uint64) error {
	accs, err := protocol.ParseCancelOrderAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if err := requireSigner(ic, accs.User); err != nil {
		return err
	}
	order := &protocol.TradeOrder{}
	if err := load(ic, accs.Order, "order", order); err != nil {
		return err
	}
	if !order.User.Equals(accs.User) {
		return fmt.Errorf("%w: order %s belongs to %s", protocol.ErrUnauthorized, accs.Order, order.User)
	}
	if _, err := expect(accs.Order, "order")(protocol.DeriveOrderPDA(p.programID, accs.User, orderID)); err != nil {
		return err
	}
	if order.OrderID != orderID {
		return fmt.Errorf("%w: order id %d, want %d", protocol.ErrInvalidAccount, order.OrderID, orderID)
	}
	if err := expectKey(accs.Marketplace, order.Marketplace, "marketplace"); err != nil {
		return err
	}
	if !order.IsActive {
		return fmt.Errorf("%w: order %d is not active", protocol.ErrInvalidState, orderID)
	}
	escrowBump, err := expect(accs.EscrowAccount, "escrow")(protocol.DeriveEscrowPDA(p.programID, accs.Order))
	if err != nil {
		return err
	}
	escrow, err := ic.TokenAccount(accs.EscrowAccount)
	if err != nil {
		return fmt.Errorf("%w: escrow: %v", protocol.ErrInvalidAccount, err)
	}
	if _, err := tokenAccount(ic, accs.UserTokenAccount, escrow.Mint, accs.User, "user token account"); err != nil {
		return err
	}

	seeds := protocol.EscrowSignerSeeds(accs.Order, escrowBump)
	if escrow.Amount > 0 {
		if err := ic.Transfer(accs.EscrowAccount, accs.UserTokenAccount, accs.EscrowAccount, escrow.Amount, seeds); err != nil {
			return err
		}
	}
	if err := ic.CloseTokenAccount(accs.EscrowAccount, accs.User, accs.EscrowAccount, seeds); err != nil {
		return err
	}
	order.IsActive = false
	if err := store(ic, accs.Order, order); err != nil {
		return err
	}

	ic.Logf("Order %d cancelled, refunded %d", orderID, escrow.Amount)
	return nil
}
