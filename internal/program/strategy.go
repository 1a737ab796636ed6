package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/solayield/backend/internal/ledger"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

func (p *Processor) initializeProtocol(ic *ledger.InvokeContext) error {
	accs, err := protocol.ParseInitializeProtocolAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if err := requireSigner(ic, accs.Admin); err != nil {
		return err
	}

	counters := []struct {
		kind protocol.CounterKind
		key  solana.PublicKey
		bump uint8
	}{
		{kind: protocol.CounterStrategy, key: accs.StrategyCounter},
		{kind: protocol.CounterMarketplace, key: accs.MarketplaceCounter},
		{kind: protocol.CounterOrder, key: accs.OrderCounter},
	}
	for i := range counters {
		c := &counters[i]
		if c.bump, err = expect(c.key, c.kind.String()+" counter")(protocol.DeriveCounterPDA(p.programID, c.kind)); err != nil {
			return err
		}
		found, err := ic.Exists(c.key)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: %s counter %s", protocol.ErrAlreadyExists, c.kind, c.key)
		}
	}

	for _, c := range counters {
		if err := ic.CreateAccount(accs.Admin, c.key, protocol.CounterSpace, [][]byte{c.kind.Seed(), {c.bump}}); err != nil {
			return err
		}
		if err := store(ic, c.key, &protocol.Counter{Kind: c.kind}); err != nil {
			return err
		}
	}

	ic.Logf("Protocol initialized by %s", accs.Admin)
	return nil
}

func (p *Processor) createStrategy(ic *ledger.InvokeContext, args protocol.CreateStrategyArgs) error {
	accs, err := protocol.ParseCreateStrategyAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if err := requireSigner(ic, accs.Admin); err != nil {
		return err
	}
	if err := protocol.ValidateName(args.Name); err != nil {
		return err
	}
	if args.APYBasisPoints > protocol.MaxAPYBasisPoints {
		return fmt.Errorf("%w: apy %d bps exceeds %d", protocol.ErrInvalidAmount, args.APYBasisPoints, protocol.MaxAPYBasisPoints)
	}

	strategyBump, err := expect(accs.Strategy, "strategy")(protocol.DeriveStrategyPDA(p.programID, args.StrategyID))
	if err != nil {
		return err
	}
	mintBump, err := expect(accs.YieldTokenMint, "yield token mint")(protocol.DeriveYieldTokenMintPDA(p.programID, args.StrategyID))
	if err != nil {
		return err
	}
	vaultBump, err := expect(accs.StrategyVault, "strategy vault")(protocol.DeriveStrategyVaultPDA(p.programID, args.StrategyID))
	if err != nil {
		return err
	}
	counter, err := loadCounter(ic, p.programID, accs.StrategyCounter, protocol.CounterStrategy)
	if err != nil {
		return err
	}

	for _, key := range []solana.PublicKey{accs.Strategy, accs.YieldTokenMint, accs.StrategyVault} {
		found, err := ic.Exists(key)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: strategy %d at %s", protocol.ErrAlreadyExists, args.StrategyID, key)
		}
	}
	if args.StrategyID != counter.Count {
		return fmt.Errorf("%w: strategy id %d, expected %d", protocol.ErrSequenceMismatch, args.StrategyID, counter.Count)
	}

	underlying, err := ic.Mint(accs.UnderlyingToken)
	if err != nil {
		return fmt.Errorf("%w: underlying mint: %v", protocol.ErrInvalidAccount, err)
	}
	nextCount, err := protocol.CheckedAdd(counter.Count, 1)
	if err != nil {
		return err
	}

	idSeed := protocol.U64LEToBytes(args.StrategyID)
	if err := ic.CreateAccount(accs.Admin, accs.Strategy, protocol.StrategySpace, protocol.StrategySignerSeeds(args.StrategyID, strategyBump)); err != nil {
		return err
	}
	if err := ic.InitializeMint(accs.Admin, accs.YieldTokenMint, accs.Strategy, underlying.Decimals, [][]byte{protocol.SeedYieldToken, idSeed, {mintBump}}); err != nil {
		return err
	}
	if err := ic.InitializeTokenAccount(accs.Admin, accs.StrategyVault, accs.UnderlyingToken, accs.Strategy, [][]byte{protocol.SeedStrategyVault, idSeed, {vaultBump}}); err != nil {
		return err
	}

	strategy := &protocol.Strategy{
		Admin:           accs.Admin,
		UnderlyingToken: accs.UnderlyingToken,
		YieldTokenMint:  accs.YieldTokenMint,
		Name:            args.Name,
		APY:             uint64(args.APYBasisPoints),
		IsActive:        true,
		CreatedAt:       ic.UnixTimestamp(),
		StrategyID:      args.StrategyID,
	}
	if err := store(ic, accs.Strategy, strategy); err != nil {
		return err
	}
	counter.Count = nextCount
	if err := store(ic, accs.StrategyCounter, counter); err != nil {
		return err
	}

	ic.Logf("Strategy %d %q created with APY %d bps", args.StrategyID, args.Name, args.APYBasisPoints)
	return nil
}

// strategyContext is the validated view shared by the fund-moving
// instructions of one strategy.
type strategyContext struct {
	keys     protocol.StrategyUserKeys
	strategy *protocol.Strategy
	bump     uint8
}

func (s *strategyContext) signerSeeds() [][]byte {
	return protocol.StrategySignerSeeds(s.strategy.StrategyID, s.bump)
}

func (p *Processor) loadStrategyContext(ic *ledger.InvokeContext, keys protocol.StrategyUserKeys, strategyID uint64, needYieldMint bool) (*strategyContext, error) {
	if err := requireSigner(ic, keys.User); err != nil {
		return nil, err
	}
	bump, err := expect(keys.Strategy, "strategy")(protocol.DeriveStrategyPDA(p.programID, strategyID))
	if err != nil {
		return nil, err
	}
	strategy := &protocol.Strategy{}
	if err := load(ic, keys.Strategy, "strategy", strategy); err != nil {
		return nil, err
	}
	if err := expectKey(keys.UnderlyingTokenMint, strategy.UnderlyingToken, "underlying mint"); err != nil {
		return nil, err
	}
	if needYieldMint {
		if err := expectKey(keys.YieldTokenMint, strategy.YieldTokenMint, "yield token mint"); err != nil {
			return nil, err
		}
	}
	if _, err := expect(keys.StrategyVault, "strategy vault")(protocol.DeriveStrategyVaultPDA(p.programID, strategyID)); err != nil {
		return nil, err
	}
	return &strategyContext{keys: keys, strategy: strategy, bump: bump}, nil
}

// loadOwnedPosition checks ownership before the derived address so a caller
// presenting someone else's position is told it is unauthorized.
func (p *Processor) loadOwnedPosition(ic *ledger.InvokeContext, sc *strategyContext) (*protocol.UserPosition, error) {
	position := &protocol.UserPosition{}
	if err := load(ic, sc.keys.UserPosition, "user position", position); err != nil {
		return nil, err
	}
	if !position.User.Equals(sc.keys.User) {
		return nil, fmt.Errorf("%w: position %s belongs to %s", protocol.ErrUnauthorized, sc.keys.UserPosition, position.User)
	}
	if _, err := expect(sc.keys.UserPosition, "user position")(protocol.DeriveUserPositionPDA(p.programID, sc.keys.User, sc.keys.Strategy)); err != nil {
		return nil, err
	}
	if err := expectKey(position.Strategy, sc.keys.Strategy, "position strategy"); err != nil {
		return nil, err
	}
	return position, nil
}

func (p *Processor) depositToStrategy(ic *ledger.InvokeContext, amount, strategyID uint64) error {
	accs, err := protocol.ParseDepositAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("%w: deposit amount must be positive", protocol.ErrInvalidAmount)
	}
	sc, err := p.loadStrategyContext(ic, protocol.StrategyUserKeys(accs), strategyID, true)
	if err != nil {
		return err
	}
	if !sc.strategy.IsActive {
		return fmt.Errorf("%w: strategy %d is not active", protocol.ErrInvalidState, strategyID)
	}
	positionBump, err := expect(accs.UserPosition, "user position")(protocol.DeriveUserPositionPDA(p.programID, accs.User, accs.Strategy))
	if err != nil {
		return err
	}
	source, err := tokenAccount(ic, accs.UserUnderlyingAccount, sc.strategy.UnderlyingToken, accs.User, "user underlying account")
	if err != nil {
		return err
	}
	if err := requireBalance(source, amount, "user underlying account"); err != nil {
		return err
	}

	now := ic.UnixTimestamp()
	found, err := ic.Exists(accs.UserPosition)
	if err != nil {
		return err
	}
	position := &protocol.UserPosition{
		User:           accs.User,
		Strategy:       accs.Strategy,
		DepositTime:    now,
		LastYieldClaim: now,
		PositionID:     strategyID,
	}
	if err := ic.CreateAssociatedTokenAccountIdempotent(accs.User, accs.UserYieldAccount, accs.User, accs.YieldTokenMint); err != nil {
		return err
	}
	if found {
		if position, err = p.loadOwnedPosition(ic, sc); err != nil {
			return err
		}
		// Yield accrued on the old principal is paid before the top-up so the
		// new amount starts earning from now.
		if _, err := p.settleYield(ic, sc, position, now, true); err != nil {
			return err
		}
		position.LastYieldClaim = now
	}

	totalDeposits, err := protocol.CheckedAdd(sc.strategy.TotalDeposits, amount)
	if err != nil {
		return err
	}
	totalMinted, err := protocol.CheckedAdd(sc.strategy.TotalYieldTokensMinted, amount)
	if err != nil {
		return err
	}
	deposited, err := protocol.CheckedAdd(position.DepositedAmount, amount)
	if err != nil {
		return err
	}
	minted, err := protocol.CheckedAdd(position.YieldTokensMinted, amount)
	if err != nil {
		return err
	}

	if err := ic.Transfer(accs.UserUnderlyingAccount, accs.StrategyVault, accs.User, amount, nil); err != nil {
		return err
	}
	if err := ic.MintTo(accs.YieldTokenMint, accs.UserYieldAccount, accs.Strategy, amount, sc.signerSeeds()); err != nil {
		return err
	}
	if !found {
		seeds := [][]byte{protocol.SeedUserPosition, accs.User.Bytes(), accs.Strategy.Bytes(), {positionBump}}
		if err := ic.CreateAccount(accs.User, accs.UserPosition, protocol.UserPositionSpace, seeds); err != nil {
			return err
		}
	}

	position.DepositedAmount = deposited
	position.YieldTokensMinted = minted
	if err := store(ic, accs.UserPosition, position); err != nil {
		return err
	}
	sc.strategy.TotalDeposits = totalDeposits
	sc.strategy.TotalYieldTokensMinted = totalMinted
	if err := store(ic, accs.Strategy, sc.strategy); err != nil {
		return err
	}

	ic.Logf("Deposited %d into strategy %d", amount, strategyID)
	return nil
}

func (p *Processor) withdrawFromStrategy(ic *ledger.InvokeContext, amount, strategyID uint64) error {
	accs, err := protocol.ParseWithdrawAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", protocol.ErrInvalidAmount)
	}
	sc, err := p.loadStrategyContext(ic, protocol.StrategyUserKeys(accs), strategyID, true)
	if err != nil {
		return err
	}
	position, err := p.loadOwnedPosition(ic, sc)
	if err != nil {
		return err
	}
	if amount > position.DepositedAmount {
		return fmt.Errorf("%w: withdraw %d exceeds deposited %d", protocol.ErrInsufficientBalance, amount, position.DepositedAmount)
	}
	now := ic.UnixTimestamp()
	if _, err := p.settleYield(ic, sc, position, now, true); err != nil {
		return err
	}
	position.LastYieldClaim = now
	if _, err := tokenAccount(ic, accs.UserUnderlyingAccount, sc.strategy.UnderlyingToken, accs.User, "user token account"); err != nil {
		return err
	}
	vault, err := tokenAccount(ic, accs.StrategyVault, sc.strategy.UnderlyingToken, accs.Strategy, "strategy vault")
	if err != nil {
		return err
	}
	if err := requireBalance(vault, amount, "strategy vault"); err != nil {
		return err
	}
	totalDeposits, err := protocol.CheckedSub(sc.strategy.TotalDeposits, amount)
	if err != nil {
		return err
	}

	if err := ic.Transfer(accs.StrategyVault, accs.UserUnderlyingAccount, accs.Strategy, amount, sc.signerSeeds()); err != nil {
		return err
	}
	position.DepositedAmount -= amount
	if err := store(ic, accs.UserPosition, position); err != nil {
		return err
	}
	sc.strategy.TotalDeposits = totalDeposits
	if err := store(ic, accs.Strategy, sc.strategy); err != nil {
		return err
	}

	ic.Logf("Withdrew %d from strategy %d", amount, strategyID)
	return nil
}

func (p *Processor) claimYield(ic *ledger.InvokeContext, strategyID uint64) error {
	accs, err := protocol.ParseClaimYieldAccounts(ic.Keys())
	if err != nil {
		return err
	}
	sc, err := p.loadStrategyContext(ic, protocol.StrategyUserKeys(accs), strategyID, true)
	if err != nil {
		return err
	}
	position, err := p.loadOwnedPosition(ic, sc)
	if err != nil {
		return err
	}

	now := ic.UnixTimestamp()
	accrued, err := p.settleYield(ic, sc, position, now, false)
	if err != nil {
		return err
	}
	if accrued == 0 {
		ic.Logf("No yield accrued for strategy %d", strategyID)
		return nil
	}
	position.LastYieldClaim = now
	if err := store(ic, accs.UserPosition, position); err != nil {
		return err
	}
	if err := store(ic, accs.Strategy, sc.strategy); err != nil {
		return err
	}

	ic.Logf("Claimed %d yield from strategy %d", accrued, strategyID)
	return nil
}

// settleYield pays out what position has accrued since its last claim in the
// configured settlement asset. With partial set, underlying settlement pays
// only what the vault surplus covers instead of failing. The caller moves
// LastYieldClaim and stores position and strategy.
func (p *Processor) settleYield(ic *ledger.InvokeContext, sc *strategyContext, position *protocol.UserPosition, now int64, partial bool) (uint64, error) {
	accrued, err := protocol.AccruedYield(position.DepositedAmount, sc.strategy.APY, now-position.LastYieldClaim)
	if err != nil || accrued == 0 {
		return 0, err
	}

	keys := sc.keys
	switch p.settlement {
	case SettleYieldToken:
		if _, err := tokenAccount(ic, keys.UserYieldAccount, sc.strategy.YieldTokenMint, keys.User, "user yield account"); err != nil {
			return 0, err
		}
		positionMinted, err := protocol.CheckedAdd(position.YieldTokensMinted, accrued)
		if err != nil {
			return 0, err
		}
		strategyMinted, err := protocol.CheckedAdd(sc.strategy.TotalYieldTokensMinted, accrued)
		if err != nil {
			return 0, err
		}
		if err := ic.MintTo(keys.YieldTokenMint, keys.UserYieldAccount, keys.Strategy, accrued, sc.signerSeeds()); err != nil {
			return 0, err
		}
		position.YieldTokensMinted = positionMinted
		sc.strategy.TotalYieldTokensMinted = strategyMinted
	default:
		if _, err := tokenAccount(ic, keys.UserUnderlyingAccount, sc.strategy.UnderlyingToken, keys.User, "user token account"); err != nil {
			return 0, err
		}
		vault, err := tokenAccount(ic, keys.StrategyVault, sc.strategy.UnderlyingToken, keys.Strategy, "strategy vault")
		if err != nil {
			return 0, err
		}
		surplus := protocol.SaturatingSub(vault.Amount, sc.strategy.TotalDeposits)
		if accrued > surplus {
			if !partial {
				return 0, fmt.Errorf("%w: accrued yield %d exceeds vault surplus %d", protocol.ErrInsufficientBalance, accrued, surplus)
			}
			ic.Logf("Vault surplus %d short of accrued yield %d, remainder forfeited", surplus, accrued)
			accrued = surplus
		}
		if accrued == 0 {
			return 0, nil
		}
		if err := ic.Transfer(keys.StrategyVault, keys.UserUnderlyingAccount, keys.Strategy, accrued, sc.signerSeeds()); err != nil {
			return 0, err
		}
	}
	totalClaimed, err := protocol.CheckedAdd(position.TotalYieldClaimed, accrued)
	if err != nil {
		return 0, err
	}
	position.TotalYieldClaimed = totalClaimed
	ic.Logf("Settled %d accrued yield for strategy %d", accrued, sc.strategy.StrategyID)
	return accrued, nil
}

func (p *Processor) redeemYieldTokens(ic *ledger.InvokeContext, amount, strategyID uint64) error {
	accs, err := protocol.ParseRedeemAccounts(ic.Keys())
	if err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("%w: redeem amount must be positive", protocol.ErrInvalidAmount)
	}
	sc, err := p.loadStrategyContext(ic, protocol.StrategyUserKeys(accs), strategyID, true)
	if err != nil {
		return err
	}
	position, err := p.loadOwnedPosition(ic, sc)
	if err != nil {
		return err
	}
	if amount > position.DepositedAmount {
		return fmt.Errorf("%w: redeem %d exceeds deposited %d", protocol.ErrInsufficientBalance, amount, position.DepositedAmount)
	}
	now := ic.UnixTimestamp()
	if _, err := p.settleYield(ic, sc, position, now, true); err != nil {
		return err
	}
	position.LastYieldClaim = now
	yieldAccount, err := tokenAccount(ic, accs.UserYieldAccount, sc.strategy.YieldTokenMint, accs.User, "user yield account")
	if err != nil {
		return err
	}
	if err := requireBalance(yieldAccount, amount, "user yield account"); err != nil {
		return err
	}
	if _, err := tokenAccount(ic, accs.UserUnderlyingAccount, sc.strategy.UnderlyingToken, accs.User, "user underlying account"); err != nil {
		return err
	}
	vault, err := tokenAccount(ic, accs.StrategyVault, sc.strategy.UnderlyingToken, accs.Strategy, "strategy vault")
	if err != nil {
		return err
	}
	if err := requireBalance(vault, amount, "strategy vault"); err != nil {
		return err
	}
	totalDeposits, err := protocol.CheckedSub(sc.strategy.TotalDeposits, amount)
	if err != nil {
		return err
	}

	if err := ic.Burn(accs.UserYieldAccount, accs.YieldTokenMint, accs.User, amount, nil); err != nil {
		return err
	}
	if err := ic.Transfer(accs.StrategyVault, accs.UserUnderlyingAccount, accs.Strategy, amount, sc.signerSeeds()); err != nil {
		return err
	}

	position.DepositedAmount -= amount
	position.YieldTokensMinted = protocol.SaturatingSub(position.YieldTokensMinted, amount)
	if err := store(ic, accs.UserPosition, position); err != nil {
		return err
	}
	sc.strategy.TotalDeposits = totalDeposits
	sc.strategy.TotalYieldTokensMinted = protocol.SaturatingSub(sc.strategy.TotalYieldTokensMinted, amount)
	if err := store(ic, accs.Strategy, sc.strategy); err != nil {
		return err
	}

	ic.Logf("Redeemed %d yield tokens from strategy %d", amount, strategyID)
	return nil
}
