package protocol

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivationIsDeterministic(t *testing.T) {
	first, firstBump, err := DeriveStrategyPDA(ProgramID, 7)
	require.NoError(t, err)
	second, secondBump, err := DeriveStrategyPDA(ProgramID, 7)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, firstBump, secondBump)

	other, _, err := DeriveStrategyPDA(ProgramID, 8)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestDerivedAddressesAreDistinctPerSeed(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	strategy, _, err := DeriveStrategyPDA(ProgramID, 0)
	require.NoError(t, err)

	derive := []func() (solana.PublicKey, uint8, error){
		func() (solana.PublicKey, uint8, error) { return DeriveStrategyCounterPDA(ProgramID) },
		func() (solana.PublicKey, uint8, error) { return DeriveStrategyPDA(ProgramID, 0) },
		func() (solana.PublicKey, uint8, error) { return DeriveYieldTokenMintPDA(ProgramID, 0) },
		func() (solana.PublicKey, uint8, error) { return DeriveStrategyVaultPDA(ProgramID, 0) },
		func() (solana.PublicKey, uint8, error) { return DeriveUserPositionPDA(ProgramID, user, strategy) },
		func() (solana.PublicKey, uint8, error) { return DeriveMarketplacePDA(ProgramID, strategy) },
		func() (solana.PublicKey, uint8, error) { return DeriveMarketplaceCounterPDA(ProgramID) },
		func() (solana.PublicKey, uint8, error) { return DeriveOrderPDA(ProgramID, user, 0) },
		func() (solana.PublicKey, uint8, error) { return DeriveOrderCounterPDA(ProgramID) },
	}
	seen := make(map[solana.PublicKey]int)
	for i, fn := range derive {
		pk, _, err := fn()
		require.NoError(t, err)
		if prev, ok := seen[pk]; ok {
			t.Fatalf("derivation %d collides with %d", i, prev)
		}
		seen[pk] = i
	}
}

func TestSignerSeedsRecreateAddress(t *testing.T) {
	strategy, bump, err := DeriveStrategyPDA(ProgramID, 3)
	require.NoError(t, err)
	recreated, err := solana.CreateProgramAddress(StrategySignerSeeds(3, bump), ProgramID)
	require.NoError(t, err)
	assert.Equal(t, strategy, recreated)

	order, _, err := DeriveOrderPDA(ProgramID, solana.NewWallet().PublicKey(), 11)
	require.NoError(t, err)
	escrow, escrowBump, err := DeriveEscrowPDA(ProgramID, order)
	require.NoError(t, err)
	recreated, err = solana.CreateProgramAddress(EscrowSignerSeeds(order, escrowBump), ProgramID)
	require.NoError(t, err)
	assert.Equal(t, escrow, recreated)
}

func TestCounterPDAMatchesNamedDerivations(t *testing.T) {
	strategyCounter, _, err := DeriveStrategyCounterPDA(ProgramID)
	require.NoError(t, err)
	viaKind, _, err := DeriveCounterPDA(ProgramID, CounterStrategy)
	require.NoError(t, err)
	assert.Equal(t, strategyCounter, viaKind)

	orderCounter, _, err := DeriveOrderCounterPDA(ProgramID)
	require.NoError(t, err)
	viaKind, _, err = DeriveCounterPDA(ProgramID, CounterOrder)
	require.NoError(t, err)
	assert.Equal(t, orderCounter, viaKind)
}

func TestU64SeedIsLittleEndian(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x02, 0, 0, 0, 0, 0, 0}, U64LEToBytes(0x0201))
}
