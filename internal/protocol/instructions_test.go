package protocol

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstructionDiscriminatorsAreDistinct(t *testing.T) {
	seen := make(map[[8]byte]bool)
	for _, disc := range [][8]byte{
		InitializeProtocolDiscriminator, CreateStrategyDiscriminator, DepositToStrategyDiscriminator,
		WithdrawFromStrategyDiscriminator, ClaimYieldDiscriminator, RedeemYieldTokensDiscriminator,
		CreateMarketplaceDiscriminator, PlaceOrderDiscriminator, ExecuteTradeDiscriminator, CancelOrderDiscriminator,
	} {
		assert.False(t, seen[disc], "duplicate %x", disc)
		seen[disc] = true
	}
}

func TestCreateStrategyInstructionData(t *testing.T) {
	accs, err := CreateStrategyAccountsFor(ProgramID, solana.NewWallet().PublicKey(), solana.WrappedSol, 2)
	require.NoError(t, err)
	ix, err := NewCreateStrategyInstruction(ProgramID, accs, CreateStrategyArgs{Name: "abc", APYBasisPoints: 0x0102, StrategyID: 2})
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	want := append(CreateStrategyDiscriminator[:],
		3, 0, 0, 0, 'a', 'b', 'c',
		0x02, 0x01,
		2, 0, 0, 0, 0, 0, 0, 0,
	)
	assert.Equal(t, want, data)

	disc, raw, err := SplitInstructionData(data)
	require.NoError(t, err)
	assert.Equal(t, CreateStrategyDiscriminator, disc)
	var args CreateStrategyArgs
	require.NoError(t, DecodeInstructionArgs(raw, &args))
	assert.Equal(t, CreateStrategyArgs{Name: "abc", APYBasisPoints: 0x0102, StrategyID: 2}, args)

	metas := ix.Accounts()
	require.Len(t, metas, 9)
	assert.True(t, metas[0].IsSigner)
	assert.Equal(t, accs.Strategy, metas[1].PublicKey)
	assert.Equal(t, solana.SysVarRentPubkey, metas[8].PublicKey)
}

func TestDecodeInstructionArgsIsStrict(t *testing.T) {
	data, err := EncodeInstructionData(PlaceOrderDiscriminator, &PlaceOrderArgs{OrderID: 1, OrderType: OrderTypeBuy, YieldTokenAmount: 2, PricePerToken: 3})
	require.NoError(t, err)
	_, raw, err := SplitInstructionData(data)
	require.NoError(t, err)

	var args PlaceOrderArgs
	require.ErrorIs(t, DecodeInstructionArgs(raw[:len(raw)-1], &args), ErrInstructionDidNotDeserialize)
	require.ErrorIs(t, DecodeInstructionArgs(append(raw, 0), &args), ErrInstructionDidNotDeserialize)

	_, _, err = SplitInstructionData([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInstructionFallbackNotFound)
}

func TestParseAccountsRequiresKeys(t *testing.T) {
	_, err := ParseExecuteTradeAccounts(make([]solana.PublicKey, 11))
	require.ErrorIs(t, err, ErrNotEnoughAccountKeys)
}

func TestPlaceOrderFundingAccount(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	m := &Marketplace{YieldTokenMint: solana.NewWallet().PublicKey(), UnderlyingTokenMint: solana.WrappedSol}
	marketplaceKey := solana.NewWallet().PublicKey()

	sell, err := PlaceOrderAccountsFor(ProgramID, user, marketplaceKey, m, 0, OrderTypeSell)
	require.NoError(t, err)
	yieldATA, _, err := solana.FindAssociatedTokenAddress(user, m.YieldTokenMint)
	require.NoError(t, err)
	assert.Equal(t, yieldATA, sell.UserTokenAccount)

	buy, err := PlaceOrderAccountsFor(ProgramID, user, marketplaceKey, m, 0, OrderTypeBuy)
	require.NoError(t, err)
	underlyingATA, _, err := solana.FindAssociatedTokenAddress(user, m.UnderlyingTokenMint)
	require.NoError(t, err)
	assert.Equal(t, underlyingATA, buy.UserTokenAccount)
	assert.Equal(t, sell.EscrowAccount, buy.EscrowAccount)
}
