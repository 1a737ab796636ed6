package protocol

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Account lists below are positional; Parse* functions read them back in the
// same order inside the program.

func requireKeys(keys []solana.PublicKey, n int) error {
	if len(keys) < n {
		return fmt.Errorf("%w: got %d, want %d", ErrNotEnoughAccountKeys, len(keys), n)
	}
	return nil
}

func writable(pk solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(pk, true, false) }
func readonly(pk solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(pk, false, false) }
func signer(pk solana.PublicKey) *solana.AccountMeta   { return solana.NewAccountMeta(pk, true, true) }

type InitializeProtocolAccounts struct {
	Admin              solana.PublicKey
	StrategyCounter    solana.PublicKey
	MarketplaceCounter solana.PublicKey
	OrderCounter       solana.PublicKey
}

func (a InitializeProtocolAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		signer(a.Admin),
		writable(a.StrategyCounter),
		writable(a.MarketplaceCounter),
		writable(a.OrderCounter),
		readonly(solana.SystemProgramID),
	}
}

func ParseInitializeProtocolAccounts(keys []solana.PublicKey) (InitializeProtocolAccounts, error) {
	if err := requireKeys(keys, 4); err != nil {
		return InitializeProtocolAccounts{}, err
	}
	return InitializeProtocolAccounts{Admin: keys[0], StrategyCounter: keys[1], MarketplaceCounter: keys[2], OrderCounter: keys[3]}, nil
}

func InitializeProtocolAccountsFor(programID, admin solana.PublicKey) (InitializeProtocolAccounts, error) {
	out := InitializeProtocolAccounts{Admin: admin}
	var err error
	if out.StrategyCounter, _, err = DeriveStrategyCounterPDA(programID); err != nil {
		return out, err
	}
	if out.MarketplaceCounter, _, err = DeriveMarketplaceCounterPDA(programID); err != nil {
		return out, err
	}
	out.OrderCounter, _, err = DeriveOrderCounterPDA(programID)
	return out, err
}

type CreateStrategyAccounts struct {
	Admin           solana.PublicKey
	Strategy        solana.PublicKey
	StrategyCounter solana.PublicKey
	UnderlyingToken solana.PublicKey
	YieldTokenMint  solana.PublicKey
	StrategyVault   solana.PublicKey
}

func (a CreateStrategyAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		signer(a.Admin),
		writable(a.Strategy),
		writable(a.StrategyCounter),
		readonly(a.UnderlyingToken),
		writable(a.YieldTokenMint),
		writable(a.StrategyVault),
		readonly(solana.TokenProgramID),
		readonly(solana.SystemProgramID),
		readonly(solana.SysVarRentPubkey),
	}
}

func ParseCreateStrategyAccounts(keys []solana.PublicKey) (CreateStrategyAccounts, error) {
	if err := requireKeys(keys, 6); err != nil {
		return CreateStrategyAccounts{}, err
	}
	return CreateStrategyAccounts{
		Admin: keys[0], Strategy: keys[1], StrategyCounter: keys[2],
		UnderlyingToken: keys[3], YieldTokenMint: keys[4], StrategyVault: keys[5],
	}, nil
}

func CreateStrategyAccountsFor(programID, admin, underlyingMint solana.PublicKey, strategyID uint64) (CreateStrategyAccounts, error) {
	out := CreateStrategyAccounts{Admin: admin, UnderlyingToken: underlyingMint}
	var err error
	if out.Strategy, _, err = DeriveStrategyPDA(programID, strategyID); err != nil {
		return out, err
	}
	if out.StrategyCounter, _, err = DeriveStrategyCounterPDA(programID); err != nil {
		return out, err
	}
	if out.YieldTokenMint, _, err = DeriveYieldTokenMintPDA(programID, strategyID); err != nil {
		return out, err
	}
	out.StrategyVault, _, err = DeriveStrategyVaultPDA(programID, strategyID)
	return out, err
}

// StrategyUserKeys is every address a user touches when moving funds in or
// out of one strategy.
type StrategyUserKeys struct {
	User                  solana.PublicKey
	Strategy              solana.PublicKey
	UserPosition          solana.PublicKey
	UnderlyingTokenMint   solana.PublicKey
	YieldTokenMint        solana.PublicKey
	StrategyVault         solana.PublicKey
	UserUnderlyingAccount solana.PublicKey
	UserYieldAccount      solana.PublicKey
}

func ResolveStrategyUserKeys(programID, user, underlyingMint solana.PublicKey, strategyID uint64) (StrategyUserKeys, error) {
	out := StrategyUserKeys{User: user, UnderlyingTokenMint: underlyingMint}
	var err error
	if out.Strategy, _, err = DeriveStrategyPDA(programID, strategyID); err != nil {
		return out, err
	}
	if out.UserPosition, _, err = DeriveUserPositionPDA(programID, user, out.Strategy); err != nil {
		return out, err
	}
	if out.YieldTokenMint, _, err = DeriveYieldTokenMintPDA(programID, strategyID); err != nil {
		return out, err
	}
	if out.StrategyVault, _, err = DeriveStrategyVaultPDA(programID, strategyID); err != nil {
		return out, err
	}
	if out.UserUnderlyingAccount, _, err = solana.FindAssociatedTokenAddress(user, underlyingMint); err != nil {
		return out, fmt.Errorf("derive underlying ATA: %w", err)
	}
	if out.UserYieldAccount, _, err = solana.FindAssociatedTokenAddress(user, out.YieldTokenMint); err != nil {
		return out, fmt.Errorf("derive yield ATA: %w", err)
	}
	return out, nil
}

func (k StrategyUserKeys) Deposit() DepositAccounts   { return DepositAccounts(k) }
func (k StrategyUserKeys) Withdraw() WithdrawAccounts { return WithdrawAccounts(k) }
func (k StrategyUserKeys) Claim() ClaimYieldAccounts  { return ClaimYieldAccounts(k) }
func (k StrategyUserKeys) Redeem() RedeemAccounts     { return RedeemAccounts(k) }

type DepositAccounts StrategyUserKeys

func (a DepositAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		signer(a.User),
		writable(a.Strategy),
		writable(a.UserPosition),
		readonly(a.UnderlyingTokenMint),
		writable(a.YieldTokenMint),
		writable(a.StrategyVault),
		writable(a.UserUnderlyingAccount),
		writable(a.UserYieldAccount),
		readonly(solana.TokenProgramID),
		readonly(solana.SPLAssociatedTokenAccountProgramID),
		readonly(solana.SystemProgramID),
	}
}

func ParseDepositAccounts(keys []solana.PublicKey) (DepositAccounts, error) {
	k, err := parseStrategyUserKeys(keys)
	return DepositAccounts(k), err
}

type ClaimYieldAccounts StrategyUserKeys

func (a ClaimYieldAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		signer(a.User),
		writable(a.Strategy),
		writable(a.UserPosition),
		readonly(a.UnderlyingTokenMint),
		writable(a.YieldTokenMint),
		writable(a.StrategyVault),
		writable(a.UserUnderlyingAccount),
		writable(a.UserYieldAccount),
		readonly(solana.TokenProgramID),
	}
}

func ParseClaimYieldAccounts(keys []solana.PublicKey) (ClaimYieldAccounts, error) {
	k, err := parseStrategyUserKeys(keys)
	return ClaimYieldAccounts(k), err
}

type RedeemAccounts StrategyUserKeys

func (a RedeemAccounts) Metas() solana.AccountMetaSlice {
	return ClaimYieldAccounts(a).Metas()
}

func ParseRedeemAccounts(keys []solana.PublicKey) (RedeemAccounts, error) {
	k, err := parseStrategyUserKeys(keys)
	return RedeemAccounts(k), err
}

func parseStrategyUserKeys(keys []solana.PublicKey) (StrategyUserKeys, error) {
	if err := requireKeys(keys, 8); err != nil {
		return StrategyUserKeys{}, err
	}
	return StrategyUserKeys{
		User: keys[0], Strategy: keys[1], UserPosition: keys[2], UnderlyingTokenMint: keys[3],
		YieldTokenMint: keys[4], StrategyVault: keys[5], UserUnderlyingAccount: keys[6], UserYieldAccount: keys[7],
	}, nil
}

// WithdrawAccounts carries the yield accounts too: accrued yield is settled
// before principal leaves the vault.
type WithdrawAccounts StrategyUserKeys

func (a WithdrawAccounts) Metas() solana.AccountMetaSlice {
	return ClaimYieldAccounts(a).Metas()
}

func ParseWithdrawAccounts(keys []solana.PublicKey) (WithdrawAccounts, error) {
	k, err := parseStrategyUserKeys(keys)
	return WithdrawAccounts(k), err
}

type CreateMarketplaceAccounts struct {
	Admin              solana.PublicKey
	Strategy           solana.PublicKey
	Marketplace        solana.PublicKey
	MarketplaceCounter solana.PublicKey
}

func (a CreateMarketplaceAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		signer(a.Admin),
		readonly(a.Strategy),
		writable(a.Marketplace),
		writable(a.MarketplaceCounter),
		readonly(solana.SystemProgramID),
	}
}

func ParseCreateMarketplaceAccounts(keys []solana.PublicKey) (CreateMarketplaceAccounts, error) {
	if err := requireKeys(keys, 4); err != nil {
		return CreateMarketplaceAccounts{}, err
	}
	return CreateMarketplaceAccounts{Admin: keys[0], Strategy: keys[1], Marketplace: keys[2], MarketplaceCounter: keys[3]}, nil
}

func CreateMarketplaceAccountsFor(programID, admin solana.PublicKey, strategyID uint64) (CreateMarketplaceAccounts, error) {
	out := CreateMarketplaceAccounts{Admin: admin}
	var err error
	if out.Strategy, _, err = DeriveStrategyPDA(programID, strategyID); err != nil {
		return out, err
	}
	if out.Marketplace, _, err = DeriveMarketplacePDA(programID, out.Strategy); err != nil {
		return out, err
	}
	out.MarketplaceCounter, _, err = DeriveMarketplaceCounterPDA(programID)
	return out, err
}

type PlaceOrderAccounts struct {
	User                solana.PublicKey
	Marketplace         solana.PublicKey
	Order               solana.PublicKey
	OrderCounter        solana.PublicKey
	YieldTokenMint      solana.PublicKey
	UnderlyingTokenMint solana.PublicKey
	EscrowAccount       solana.PublicKey
	UserTokenAccount    solana.PublicKey
}

func (a PlaceOrderAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		signer(a.User),
		readonly(a.Marketplace),
		writable(a.Order),
		writable(a.OrderCounter),
		readonly(a.YieldTokenMint),
		readonly(a.UnderlyingTokenMint),
		writable(a.EscrowAccount),
		writable(a.UserTokenAccount),
		readonly(solana.TokenProgramID),
		readonly(solana.SystemProgramID),
	}
}

func ParsePlaceOrderAccounts(keys []solana.PublicKey) (PlaceOrderAccounts, error) {
	if err := requireKeys(keys, 8); err != nil {
		return PlaceOrderAccounts{}, err
	}
	return PlaceOrderAccounts{
		User: keys[0], Marketplace: keys[1], Order: keys[2], OrderCounter: keys[3],
		YieldTokenMint: keys[4], UnderlyingTokenMint: keys[5], EscrowAccount: keys[6], UserTokenAccount: keys[7],
	}, nil
}

// PlaceOrderAccountsFor funds sell orders from the user's yield ATA and buy
// orders from the user's underlying ATA.
func PlaceOrderAccountsFor(programID, user, marketplaceKey solana.PublicKey, marketplace *Marketplace, orderID uint64, orderType OrderType) (PlaceOrderAccounts, error) {
	out := PlaceOrderAccounts{
		User:                user,
		Marketplace:         marketplaceKey,
		YieldTokenMint:      marketplace.YieldTokenMint,
		UnderlyingTokenMint: marketplace.UnderlyingTokenMint,
	}
	var err error
	if out.Order, _, err = DeriveOrderPDA(programID, user, orderID); err != nil {
		return out, err
	}
	if out.OrderCounter, _, err = DeriveOrderCounterPDA(programID); err != nil {
		return out, err
	}
	if out.EscrowAccount, _, err = DeriveEscrowPDA(programID, out.Order); err != nil {
		return out, err
	}
	fundingMint := marketplace.UnderlyingTokenMint
	if orderType == OrderTypeSell {
		fundingMint = marketplace.YieldTokenMint
	}
	if out.UserTokenAccount, _, err = solana.FindAssociatedTokenAddress(user, fundingMint); err != nil {
		return out, fmt.Errorf("derive user ATA: %w", err)
	}
	return out, nil
}

type ExecuteTradeAccounts struct {
	Taker                  solana.PublicKey
	Maker                  solana.PublicKey
	Marketplace            solana.PublicKey
	Order                  solana.PublicKey
	YieldTokenMint         solana.PublicKey
	UnderlyingTokenMint    solana.PublicKey
	EscrowAccount          solana.PublicKey
	TakerYieldAccount      solana.PublicKey
	TakerUnderlyingAccount solana.PublicKey
	MakerYieldAccount      solana.PublicKey
	MakerUnderlyingAccount solana.PublicKey
	FeeRecipient           solana.PublicKey
}

func (a ExecuteTradeAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		signer(a.Taker),
		writable(a.Maker),
		writable(a.Marketplace),
		writable(a.Order),
		readonly(a.YieldTokenMint),
		readonly(a.UnderlyingTokenMint),
		writable(a.EscrowAccount),
		writable(a.TakerYieldAccount),
		writable(a.TakerUnderlyingAccount),
		writable(a.MakerYieldAccount),
		writable(a.MakerUnderlyingAccount),
		writable(a.FeeRecipient),
		readonly(solana.TokenProgramID),
		readonly(solana.SPLAssociatedTokenAccountProgramID),
		readonly(solana.SystemProgramID),
	}
}

func ParseExecuteTradeAccounts(keys []solana.PublicKey) (ExecuteTradeAccounts, error) {
	if err := requireKeys(keys, 12); err != nil {
		return ExecuteTradeAccounts{}, err
	}
	return ExecuteTradeAccounts{
		Taker: keys[0], Maker: keys[1], Marketplace: keys[2], Order: keys[3],
		YieldTokenMint: keys[4], UnderlyingTokenMint: keys[5], EscrowAccount: keys[6],
		TakerYieldAccount: keys[7], TakerUnderlyingAccount: keys[8],
		MakerYieldAccount: keys[9], MakerUnderlyingAccount: keys[10], FeeRecipient: keys[11],
	}, nil
}

// ExecuteTradeAccountsFor routes the fee to the marketplace admin's
// underlying ATA.
func ExecuteTradeAccountsFor(programID, taker, marketplaceKey solana.PublicKey, marketplace *Marketplace, orderKey solana.PublicKey, order *TradeOrder) (ExecuteTradeAccounts, error) {
	out := ExecuteTradeAccounts{
		Taker:               taker,
		Maker:               order.User,
		Marketplace:         marketplaceKey,
		Order:               orderKey,
		YieldTokenMint:      marketplace.YieldTokenMint,
		UnderlyingTokenMint: marketplace.UnderlyingTokenMint,
	}
	var err error
	if out.EscrowAccount, _, err = DeriveEscrowPDA(programID, orderKey); err != nil {
		return out, err
	}
	atas := []struct {
		dst   *solana.PublicKey
		owner solana.PublicKey
		mint  solana.PublicKey
	}{
		{&out.TakerYieldAccount, taker, marketplace.YieldTokenMint},
		{&out.TakerUnderlyingAccount, taker, marketplace.UnderlyingTokenMint},
		{&out.MakerYieldAccount, order.User, marketplace.YieldTokenMint},
		{&out.MakerUnderlyingAccount, order.User, marketplace.UnderlyingTokenMint},
		{&out.FeeRecipient, marketplace.Admin, marketplace.UnderlyingTokenMint},
	}
	for _, ata := range atas {
		if *ata.dst, _, err = solana.FindAssociatedTokenAddress(ata.owner, ata.mint); err != nil {
			return out, fmt.Errorf("derive ATA for %s: %w", ata.owner, err)
		}
	}
	return out, nil
}

type CancelOrderAccounts struct {
	User             solana.PublicKey
	Marketplace      solana.PublicKey
	Order            solana.PublicKey
	EscrowAccount    solana.PublicKey
	UserTokenAccount solana.PublicKey
}

func (a CancelOrderAccounts) Metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		signer(a.User),
		readonly(a.Marketplace),
		writable(a.Order),
		writable(a.EscrowAccount),
		writable(a.UserTokenAccount),
		readonly(solana.TokenProgramID),
	}
}

func ParseCancelOrderAccounts(keys []solana.PublicKey) (CancelOrderAccounts, error) {
	if err := requireKeys(keys, 5); err != nil {
		return CancelOrderAccounts{}, err
	}
	return CancelOrderAccounts{User: keys[0], Marketplace: keys[1], Order: keys[2], EscrowAccount: keys[3], UserTokenAccount: keys[4]}, nil
}

func CancelOrderAccountsFor(programID, user, marketplaceKey solana.PublicKey, marketplace *Marketplace, orderID uint64, orderType OrderType) (CancelOrderAccounts, error) {
	placed, err := PlaceOrderAccountsFor(programID, user, marketplaceKey, marketplace, orderID, orderType)
	if err != nil {
		return CancelOrderAccounts{}, err
	}
	return CancelOrderAccounts{
		User:             user,
		Marketplace:      marketplaceKey,
		Order:            placed.Order,
		EscrowAccount:    placed.EscrowAccount,
		UserTokenAccount: placed.UserTokenAccount,
	}, nil
}
