package ledger

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// The token bank mirrors the SPL token program's observable rules: balances
// never go negative, supply tracks mint and burn, and only the account owner
// or mint authority may move funds.

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMintMismatch      = errors.New("account not associated with this mint")
	ErrOwnerMismatch     = errors.New("owner does not match")
	ErrNotTokenAccount   = errors.New("not a token account")
	ErrNotMint           = errors.New("not a mint")
	ErrNonZeroBalance    = errors.New("non-native account can only be closed if its balance is zero")
	ErrTokenOverflow     = errors.New("token operation overflowed")
)

func (ic *InvokeContext) tokenState(pk solana.PublicKey) (*Account, error) {
	if _, err := ic.meta(pk); err != nil {
		return nil, err
	}
	acct, ok := ic.state.get(pk)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, pk)
	}
	if !acct.Owner.Equals(solana.TokenProgramID) {
		return nil, fmt.Errorf("%w: %s owned by %s", ErrIllegalOwner, pk, acct.Owner)
	}
	return acct, nil
}

func (ic *InvokeContext) Mint(pk solana.PublicKey) (token.Mint, error) {
	acct, err := ic.tokenState(pk)
	if err != nil {
		return token.Mint{}, err
	}
	if acct.Mint == nil {
		return token.Mint{}, fmt.Errorf("%w: %s", ErrNotMint, pk)
	}
	return *acct.Mint, nil
}

func (ic *InvokeContext) TokenAccount(pk solana.PublicKey) (token.Account, error) {
	acct, err := ic.tokenState(pk)
	if err != nil {
		return token.Account{}, err
	}
	if acct.Token == nil {
		return token.Account{}, fmt.Errorf("%w: %s", ErrNotTokenAccount, pk)
	}
	return *acct.Token, nil
}

func (ic *InvokeContext) createTokenState(payer, pk solana.PublicKey, acct *Account) error {
	if err := ic.requireProgram(solana.TokenProgramID); err != nil {
		return err
	}
	if err := ic.requireProgram(solana.SystemProgramID); err != nil {
		return err
	}
	if !ic.IsSigner(payer) {
		return fmt.Errorf("%w: payer %s", ErrMissingSigner, payer)
	}
	if err := ic.requireWritable(pk); err != nil {
		return err
	}
	if _, ok := ic.state.get(pk); ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, pk)
	}
	ic.state.put(pk, acct)
	return nil
}

// InitializeMint creates a mint at a program-derived address.
func (ic *InvokeContext) InitializeMint(payer, mint, authority solana.PublicKey, decimals uint8, seeds [][]byte) error {
	if err := ic.checkSeeds(mint, seeds); err != nil {
		return err
	}
	return ic.createTokenState(payer, mint, newMintAccount(authority, decimals))
}

// InitializeTokenAccount creates a token account at a program-derived
// address.
func (ic *InvokeContext) InitializeTokenAccount(payer, account, mint, owner solana.PublicKey, seeds [][]byte) error {
	if err := ic.checkSeeds(account, seeds); err != nil {
		return err
	}
	if _, err := ic.Mint(mint); err != nil {
		return err
	}
	return ic.createTokenState(payer, account, newTokenAccount(mint, owner))
}

// CreateAssociatedTokenAccountIdempotent creates wallet's ATA for mint unless
// it already exists with the same mint and owner.
func (ic *InvokeContext) CreateAssociatedTokenAccountIdempotent(payer, ata, wallet, mint solana.PublicKey) error {
	if err := ic.requireProgram(solana.SPLAssociatedTokenAccountProgramID); err != nil {
		return err
	}
	derived, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return err
	}
	if !derived.Equals(ata) {
		return fmt.Errorf("%w: associated token address %s, want %s", ErrInvalidSeeds, ata, derived)
	}
	if existing, ok := ic.state.get(ata); ok {
		if _, err := ic.meta(ata); err != nil {
			return err
		}
		if existing.Token == nil {
			return fmt.Errorf("%w: %s", ErrNotTokenAccount, ata)
		}
		if !existing.Token.Mint.Equals(mint) {
			return fmt.Errorf("%w: %s", ErrMintMismatch, ata)
		}
		if !existing.Token.Owner.Equals(wallet) {
			return fmt.Errorf("%w: %s", ErrOwnerMismatch, ata)
		}
		return nil
	}
	if _, err := ic.Mint(mint); err != nil {
		return err
	}
	return ic.createTokenState(payer, ata, newTokenAccount(mint, wallet))
}

func (ic *InvokeContext) mutableTokenAccount(pk solana.PublicKey) (*Account, error) {
	if err := ic.requireProgram(solana.TokenProgramID); err != nil {
		return nil, err
	}
	if err := ic.requireWritable(pk); err != nil {
		return nil, err
	}
	acct, err := ic.tokenState(pk)
	if err != nil {
		return nil, err
	}
	if acct.Token == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotTokenAccount, pk)
	}
	return acct.clone(), nil
}

func (ic *InvokeContext) mutableMint(pk solana.PublicKey) (*Account, error) {
	if err := ic.requireWritable(pk); err != nil {
		return nil, err
	}
	acct, err := ic.tokenState(pk)
	if err != nil {
		return nil, err
	}
	if acct.Mint == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotMint, pk)
	}
	return acct.clone(), nil
}

func (ic *InvokeContext) Transfer(from, to, authority solana.PublicKey, amount uint64, seeds [][]byte) error {
	src, err := ic.mutableTokenAccount(from)
	if err != nil {
		return err
	}
	if !src.Token.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is not the owner of %s", ErrOwnerMismatch, authority, from)
	}
	if err := ic.authorize(authority, seeds); err != nil {
		return err
	}
	if from.Equals(to) {
		if src.Token.Amount < amount {
			return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, from, src.Token.Amount, amount)
		}
		return nil
	}
	dst, err := ic.mutableTokenAccount(to)
	if err != nil {
		return err
	}
	if !src.Token.Mint.Equals(dst.Token.Mint) {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, from, to)
	}
	if src.Token.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, from, src.Token.Amount, amount)
	}
	credited, carry := bits.Add64(dst.Token.Amount, amount, 0)
	if carry != 0 {
		return ErrTokenOverflow
	}
	src.Token.Amount -= amount
	dst.Token.Amount = credited
	ic.state.put(from, src)
	ic.state.put(to, dst)
	return nil
}

func (ic *InvokeContext) MintTo(mint, to, authority solana.PublicKey, amount uint64, seeds [][]byte) error {
	mintAcct, err := ic.mutableMint(mint)
	if err != nil {
		return err
	}
	if mintAcct.Mint.MintAuthority == nil || !mintAcct.Mint.MintAuthority.Equals(authority) {
		return fmt.Errorf("%w: %s is not the mint authority of %s", ErrOwnerMismatch, authority, mint)
	}
	if err := ic.authorize(authority, seeds); err != nil {
		return err
	}
	dst, err := ic.mutableTokenAccount(to)
	if err != nil {
		return err
	}
	if !dst.Token.Mint.Equals(mint) {
		return fmt.Errorf("%w: %s", ErrMintMismatch, to)
	}
	supply, carry := bits.Add64(mintAcct.Mint.Supply, amount, 0)
	if carry != 0 {
		return ErrTokenOverflow
	}
	balance, carry := bits.Add64(dst.Token.Amount, amount, 0)
	if carry != 0 {
		return ErrTokenOverflow
	}
	mintAcct.Mint.Supply = supply
	dst.Token.Amount = balance
	ic.state.put(mint, mintAcct)
	ic.state.put(to, dst)
	return nil
}

func (ic *InvokeContext) Burn(from, mint, authority solana.PublicKey, amount uint64, seeds [][]byte) error {
	src, err := ic.mutableTokenAccount(from)
	if err != nil {
		return err
	}
	if !src.Token.Mint.Equals(mint) {
		return fmt.Errorf("%w: %s", ErrMintMismatch, from)
	}
	if !src.Token.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is not the owner of %s", ErrOwnerMismatch, authority, from)
	}
	if err := ic.authorize(authority, seeds); err != nil {
		return err
	}
	mintAcct, err := ic.mutableMint(mint)
	if err != nil {
		return err
	}
	if src.Token.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, from, src.Token.Amount, amount)
	}
	if mintAcct.Mint.Supply < amount {
		return ErrTokenOverflow
	}
	src.Token.Amount -= amount
	mintAcct.Mint.Supply -= amount
	ic.state.put(from, src)
	ic.state.put(mint, mintAcct)
	return nil
}

// CloseTokenAccount deletes an empty token account.
func (ic *InvokeContext) CloseTokenAccount(account, destination, authority solana.PublicKey, seeds [][]byte) error {
	acct, err := ic.mutableTokenAccount(account)
	if err != nil {
		return err
	}
	if err := ic.requireWritable(destination); err != nil {
		return err
	}
	if !acct.Token.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is not the owner of %s", ErrOwnerMismatch, authority, account)
	}
	if err := ic.authorize(authority, seeds); err != nil {
		return err
	}
	if acct.Token.Amount != 0 {
		return fmt.Errorf("%w: %s holds %d", ErrNonZeroBalance, account, acct.Token.Amount)
	}
	ic.state.remove(account)
	return nil
}

func newMintAccount(authority solana.PublicKey, decimals uint8) *Account {
	mintAuthority := authority
	return &Account{
		Owner: solana.TokenProgramID,
		Mint: &token.Mint{
			MintAuthority: &mintAuthority,
			Decimals:      decimals,
			IsInitialized: true,
		},
	}
}

func newTokenAccount(mint, owner solana.PublicKey) *Account {
	return &Account{
		Owner: solana.TokenProgramID,
		Token: &token.Account{
			Mint:  mint,
			Owner: owner,
			State: token.Initialized,
		},
	}
}

// CreateMint installs a mint outside any transaction.
func (l *Ledger) CreateMint(mint, authority solana.PublicKey, decimals uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[mint]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, mint)
	}
	l.accounts[mint] = newMintAccount(authority, decimals)
	return nil
}

func (l *Ledger) CreateTokenAccount(account, mint, owner solana.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[account]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, account)
	}
	if m, ok := l.accounts[mint]; !ok || m.Mint == nil {
		return fmt.Errorf("%w: %s", ErrNotMint, mint)
	}
	l.accounts[account] = newTokenAccount(mint, owner)
	return nil
}

func (l *Ledger) CreateAssociatedTokenAccount(wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if err := l.CreateTokenAccount(ata, mint, wallet); err != nil {
		return solana.PublicKey{}, err
	}
	return ata, nil
}

// Airdrop mints amount into a token account without an authority check.
func (l *Ledger) Airdrop(account solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[account]
	if !ok || acct.Token == nil {
		return fmt.Errorf("%w: %s", ErrNotTokenAccount, account)
	}
	mint, ok := l.accounts[acct.Token.Mint]
	if !ok || mint.Mint == nil {
		return fmt.Errorf("%w: %s", ErrNotMint, acct.Token.Mint)
	}
	balance, carry := bits.Add64(acct.Token.Amount, amount, 0)
	if carry != 0 {
		return ErrTokenOverflow
	}
	supply, carry := bits.Add64(mint.Mint.Supply, amount, 0)
	if carry != 0 {
		return ErrTokenOverflow
	}
	updatedAcct, updatedMint := acct.clone(), mint.clone()
	updatedAcct.Token.Amount = balance
	updatedMint.Mint.Supply = supply
	l.accounts[account] = updatedAcct
	l.accounts[acct.Token.Mint] = updatedMint
	return nil
}

func (l *Ledger) TokenBalance(account solana.PublicKey) (uint64, error) {
	acct, ok := l.load(account)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	if acct.Token == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotTokenAccount, account)
	}
	return acct.Token.Amount, nil
}

func (l *Ledger) MintSupply(mint solana.PublicKey) (uint64, error) {
	acct, ok := l.load(mint)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, mint)
	}
	if acct.Mint == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotMint, mint)
	}
	return acct.Mint.Supply, nil
}
