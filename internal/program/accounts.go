package program

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/solayield/backend/internal/ledger"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

func requireSigner(ic *ledger.InvokeContext, pk solana.PublicKey) error {
	if !ic.IsSigner(pk) {
		return fmt.Errorf("%w: %s must sign", protocol.ErrUnauthorized, pk)
	}
	return nil
}

// expect returns a checker that compares got with a derived address. Use as
// expect(got, "what")(protocol.DeriveXPDA(...)).
func expect(got solana.PublicKey, what string) func(solana.PublicKey, uint8, error) (uint8, error) {
	return func(want solana.PublicKey, bump uint8, err error) (uint8, error) {
		if err != nil {
			return 0, err
		}
		if !got.Equals(want) {
			return 0, fmt.Errorf("%w: %s %s, want %s", protocol.ErrInvalidAccount, what, got, want)
		}
		return bump, nil
	}
}

func expectKey(got, want solana.PublicKey, what string) error {
	if !got.Equals(want) {
		return fmt.Errorf("%w: %s %s, want %s", protocol.ErrInvalidAccount, what, got, want)
	}
	return nil
}

func load(ic *ledger.InvokeContext, pk solana.PublicKey, what string, into protocol.Account) error {
	found, err := ic.Exists(pk)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s %s", protocol.ErrNotFound, what, pk)
	}
	data, err := ic.ReadAccount(pk)
	if err != nil {
		if errors.Is(err, ledger.ErrIllegalOwner) {
			return fmt.Errorf("%w: %s: %v", protocol.ErrInvalidAccount, what, err)
		}
		return err
	}
	if err := protocol.DecodeAccount(data, into); err != nil {
		return fmt.Errorf("%s %s: %w", what, pk, err)
	}
	return nil
}

func store(ic *ledger.InvokeContext, pk solana.PublicKey, account protocol.Account) error {
	data, err := protocol.EncodeAccount(account)
	if err != nil {
		return fmt.Errorf("encode %T: %w", account, err)
	}
	return ic.WriteAccount(pk, data)
}

// tokenAccount loads a token account and checks its mint and owner.
func tokenAccount(ic *ledger.InvokeContext, pk, mint, owner solana.PublicKey, what string) (token.Account, error) {
	acct, err := ic.TokenAccount(pk)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownAccount) {
			return token.Account{}, err
		}
		return token.Account{}, fmt.Errorf("%w: %s: %v", protocol.ErrInvalidAccount, what, err)
	}
	if !acct.Mint.Equals(mint) {
		return token.Account{}, fmt.Errorf("%w: %s mint %s, want %s", protocol.ErrInvalidAccount, what, acct.Mint, mint)
	}
	if !acct.Owner.Equals(owner) {
		return token.Account{}, fmt.Errorf("%w: %s owner %s, want %s", protocol.ErrInvalidAccount, what, acct.Owner, owner)
	}
	return acct, nil
}

func requireBalance(acct token.Account, amount uint64, what string) error {
	if acct.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", protocol.ErrInsufficientBalance, what, acct.Amount, amount)
	}
	return nil
}

func loadCounter(ic *ledger.InvokeContext, programID, key solana.PublicKey, kind protocol.CounterKind) (*protocol.Counter, error) {
	if _, err := expect(key, kind.String()+" counter")(protocol.DeriveCounterPDA(programID, kind)); err != nil {
		return nil, err
	}
	counter := &protocol.Counter{Kind: kind}
	if err := load(ic, key, kind.String()+" counter", counter); err != nil {
		return nil, err
	}
	return counter, nil
}
