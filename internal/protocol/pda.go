package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

func DeriveStrategyCounterPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedStrategyCounter)
}

func DeriveStrategyPDA(programID solana.PublicKey, strategyID uint64) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedStrategy, u64LE(strategyID))
}

func DeriveYieldTokenMintPDA(programID solana.PublicKey, strategyID uint64) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedYieldToken, u64LE(strategyID))
}

func DeriveStrategyVaultPDA(programID solana.PublicKey, strategyID uint64) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedStrategyVault, u64LE(strategyID))
}

func DeriveUserPositionPDA(programID, user, strategy solana.PublicKey) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedUserPosition, user.Bytes(), strategy.Bytes())
}

func DeriveMarketplacePDA(programID, strategy solana.PublicKey) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedMarketplace, strategy.Bytes())
}

func DeriveMarketplaceCounterPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedMarketplaceCounter)
}

func DeriveOrderPDA(programID, user solana.PublicKey, orderID uint64) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedOrder, user.Bytes(), u64LE(orderID))
}

func DeriveOrderCounterPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedOrderCounter)
}

func DeriveEscrowPDA(programID, order solana.PublicKey) (solana.PublicKey, uint8, error) {
	return findPDA(programID, SeedEscrow, order.Bytes())
}

// DeriveCounterPDA resolves the singleton address of the given counter kind.
func DeriveCounterPDA(programID solana.PublicKey, kind CounterKind) (solana.PublicKey, uint8, error) {
	return findPDA(programID, kind.Seed())
}

// StrategySignerSeeds are the seeds the program signs with for the strategy
// vault and yield mint. The bump is appended as the last seed.
func StrategySignerSeeds(strategyID uint64, bump uint8) [][]byte {
	return [][]byte{SeedStrategy, u64LE(strategyID), {bump}}
}

func EscrowSignerSeeds(order solana.PublicKey, bump uint8) [][]byte {
	return [][]byte{SeedEscrow, order.Bytes(), {bump}}
}

func U64LEToBytes(value uint64) []byte {
	return u64LE(value)
}

func findPDA(programID solana.PublicKey, seeds ...[]byte) (solana.PublicKey, uint8, error) {
	pk, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: seed %q: %v", ErrBumpNotFound, seeds[0], err)
	}
	return pk, bump, nil
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
