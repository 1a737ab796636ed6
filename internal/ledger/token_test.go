package ledger

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenFixture struct {
	l        *Ledger
	mint     solana.PublicKey
	alice    solana.PublicKey
	bob      solana.PublicKey
	aliceATA solana.PublicKey
	bobATA   solana.PublicKey
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	f := &tokenFixture{
		l:     New(),
		mint:  solana.NewWallet().PublicKey(),
		alice: solana.NewWallet().PublicKey(),
		bob:   solana.NewWallet().PublicKey(),
	}
	require.NoError(t, f.l.CreateMint(f.mint, solana.NewWallet().PublicKey(), 6))
	var err error
	f.aliceATA, err = f.l.CreateAssociatedTokenAccount(f.alice, f.mint)
	require.NoError(t, err)
	f.bobATA, err = f.l.CreateAssociatedTokenAccount(f.bob, f.mint)
	require.NoError(t, err)
	require.NoError(t, f.l.Airdrop(f.aliceATA, 1_000))
	return f
}

func (f *tokenFixture) run(t *testing.T, fn func(ic *InvokeContext) error, signers []solana.PublicKey, metas ...*solana.AccountMeta) error {
	t.Helper()
	f.l.RegisterProgram(testProgramID, ProgramFunc(fn))
	metas = append(metas, solana.NewAccountMeta(solana.TokenProgramID, false, false))
	_, err := f.l.Execute(context.Background(), Transaction{
		Signers:      signers,
		Instructions: []solana.Instruction{instruction(nil, metas...)},
	})
	return err
}

func TestTransfer(t *testing.T) {
	f := newTokenFixture(t)
	metas := []*solana.AccountMeta{
		solana.NewAccountMeta(f.alice, false, true),
		solana.NewAccountMeta(f.aliceATA, true, false),
		solana.NewAccountMeta(f.bobATA, true, false),
	}

	err := f.run(t, func(ic *InvokeContext) error {
		return ic.Transfer(f.aliceATA, f.bobATA, f.alice, 400, nil)
	}, []solana.PublicKey{f.alice}, metas...)
	require.NoError(t, err)

	balance, err := f.l.TokenBalance(f.bobATA)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), balance)

	err = f.run(t, func(ic *InvokeContext) error {
		return ic.Transfer(f.aliceATA, f.bobATA, f.alice, 601, nil)
	}, []solana.PublicKey{f.alice}, metas...)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	err = f.run(t, func(ic *InvokeContext) error {
		return ic.Transfer(f.aliceATA, f.bobATA, f.bob, 1, nil)
	}, []solana.PublicKey{f.alice}, metas...)
	require.ErrorIs(t, err, ErrOwnerMismatch)
}

func TestTransferWithoutSignature(t *testing.T) {
	f := newTokenFixture(t)
	err := f.run(t, func(ic *InvokeContext) error {
		return ic.Transfer(f.aliceATA, f.bobATA, f.alice, 1, nil)
	}, nil,
		solana.NewAccountMeta(f.alice, false, false),
		solana.NewAccountMeta(f.aliceATA, true, false),
		solana.NewAccountMeta(f.bobATA, true, false),
	)
	require.ErrorIs(t, err, ErrMissingSigner)
}

func TestProgramDerivedMintAuthority(t *testing.T) {
	l := New()
	payer := solana.NewWallet().PublicKey()
	mint, mintSeeds := pda(t, "mint")
	authority, authoritySeeds := pda(t, "authority")
	holder := solana.NewWallet().PublicKey()
	holderATA, _, err := solana.FindAssociatedTokenAddress(holder, mint)
	require.NoError(t, err)

	l.RegisterProgram(testProgramID, ProgramFunc(func(ic *InvokeContext) error {
		if err := ic.InitializeMint(payer, mint, authority, 9, mintSeeds); err != nil {
			return err
		}
		if err := ic.CreateAssociatedTokenAccountIdempotent(payer, holderATA, holder, mint); err != nil {
			return err
		}
		if err := ic.CreateAssociatedTokenAccountIdempotent(payer, holderATA, holder, mint); err != nil {
			return err
		}
		if err := ic.MintTo(mint, holderATA, authority, 500, authoritySeeds); err != nil {
			return err
		}
		return ic.Burn(holderATA, mint, holder, 200, nil)
	}))
	_, err = l.Execute(context.Background(), Transaction{
		Signers: []solana.PublicKey{payer, holder},
		Instructions: []solana.Instruction{instruction(nil,
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(holder, false, true),
			solana.NewAccountMeta(mint, true, false),
			solana.NewAccountMeta(authority, false, false),
			solana.NewAccountMeta(holderATA, true, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
			solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		)},
	})
	require.NoError(t, err)

	supply, err := l.MintSupply(mint)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), supply)
	balance, err := l.TokenBalance(holderATA)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), balance)
}

func TestMintToRejectsWrongSeeds(t *testing.T) {
	l := New()
	mint := solana.NewWallet().PublicKey()
	authority, _ := pda(t, "authority")
	_, wrongSeeds := pda(t, "impostor")
	require.NoError(t, l.CreateMint(mint, authority, 6))
	holder := solana.NewWallet().PublicKey()
	ata, err := l.CreateAssociatedTokenAccount(holder, mint)
	require.NoError(t, err)

	l.RegisterProgram(testProgramID, ProgramFunc(func(ic *InvokeContext) error {
		return ic.MintTo(mint, ata, authority, 1, wrongSeeds)
	}))
	_, err = l.Execute(context.Background(), Transaction{
		Instructions: []solana.Instruction{instruction(nil,
			solana.NewAccountMeta(mint, true, false),
			solana.NewAccountMeta(ata, true, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
		)},
	})
	require.ErrorIs(t, err, ErrInvalidSeeds)
}

func TestCloseTokenAccountRequiresEmpty(t *testing.T) {
	f := newTokenFixture(t)
	metas := []*solana.AccountMeta{
		solana.NewAccountMeta(f.alice, true, true),
		solana.NewAccountMeta(f.aliceATA, true, false),
		solana.NewAccountMeta(f.bobATA, true, false),
	}
	err := f.run(t, func(ic *InvokeContext) error {
		return ic.CloseTokenAccount(f.aliceATA, f.alice, f.alice, nil)
	}, []solana.PublicKey{f.alice}, metas...)
	require.ErrorIs(t, err, ErrNonZeroBalance)

	err = f.run(t, func(ic *InvokeContext) error {
		if err := ic.Transfer(f.aliceATA, f.bobATA, f.alice, 1_000, nil); err != nil {
			return err
		}
		return ic.CloseTokenAccount(f.aliceATA, f.alice, f.alice, nil)
	}, []solana.PublicKey{f.alice}, metas...)
	require.NoError(t, err)
	_, ok := f.l.Account(f.aliceATA)
	assert.False(t, ok)
}
