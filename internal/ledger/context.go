package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
)

// InvokeContext is what a program sees while processing one instruction:
// the accounts passed to it, its data, the transaction clock and the pending
// state of the enclosing transaction.
type InvokeContext struct {
	ctx       context.Context
	programID solana.PublicKey
	metas     []*solana.AccountMeta
	data      []byte
	now       time.Time
	state     *overlay
	logs      *[]string
	logger    *slog.Logger
}

func (ic *InvokeContext) Context() context.Context { return ic.ctx }

func (ic *InvokeContext) ProgramID() solana.PublicKey { return ic.programID }

func (ic *InvokeContext) Data() []byte { return ic.data }

func (ic *InvokeContext) UnixTimestamp() int64 { return ic.now.Unix() }

func (ic *InvokeContext) Keys() []solana.PublicKey {
	out := make([]solana.PublicKey, len(ic.metas))
	for i, meta := range ic.metas {
		out[i] = meta.PublicKey
	}
	return out
}

func (ic *InvokeContext) IsSigner(pk solana.PublicKey) bool {
	for _, meta := range ic.metas {
		if meta.IsSigner && meta.PublicKey.Equals(pk) {
			return true
		}
	}
	return false
}

// Logf records a program log line on the transaction receipt.
func (ic *InvokeContext) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	*ic.logs = append(*ic.logs, "Program log: "+line)
	ic.logger.Debug(line, "program", ic.programID)
}

func (ic *InvokeContext) meta(pk solana.PublicKey) (*solana.AccountMeta, error) {
	var found *solana.AccountMeta
	for _, meta := range ic.metas {
		if !meta.PublicKey.Equals(pk) {
			continue
		}
		if found == nil || meta.IsWritable {
			found = meta
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, pk)
	}
	return found, nil
}

func (ic *InvokeContext) requireWritable(pk solana.PublicKey) error {
	meta, err := ic.meta(pk)
	if err != nil {
		return err
	}
	if !meta.IsWritable {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, pk)
	}
	return nil
}

func (ic *InvokeContext) requireProgram(programID solana.PublicKey) error {
	if _, err := ic.meta(programID); err != nil {
		return fmt.Errorf("%w: %s", ErrMissingProgram, programID)
	}
	return nil
}

// Exists reports whether an account is allocated at pk.
func (ic *InvokeContext) Exists(pk solana.PublicKey) (bool, error) {
	if _, err := ic.meta(pk); err != nil {
		return false, err
	}
	_, ok := ic.state.get(pk)
	return ok, nil
}

// ReadAccount returns the data of an account owned by the running program.
func (ic *InvokeContext) ReadAccount(pk solana.PublicKey) ([]byte, error) {
	if _, err := ic.meta(pk); err != nil {
		return nil, err
	}
	acct, ok := ic.state.get(pk)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, pk)
	}
	if !acct.Owner.Equals(ic.programID) {
		return nil, fmt.Errorf("%w: %s owned by %s", ErrIllegalOwner, pk, acct.Owner)
	}
	return append([]byte(nil), acct.Data...), nil
}

// CreateAccount allocates space zeroed bytes at a program-derived address.
// seeds must include the bump and derive pk under the running program.
func (ic *InvokeContext) CreateAccount(payer, pk solana.PublicKey, space int, seeds [][]byte) error {
	if err := ic.requireProgram(solana.SystemProgramID); err != nil {
		return err
	}
	if !ic.IsSigner(payer) {
		return fmt.Errorf("%w: payer %s", ErrMissingSigner, payer)
	}
	if err := ic.requireWritable(pk); err != nil {
		return err
	}
	if err := ic.checkSeeds(pk, seeds); err != nil {
		return err
	}
	if _, ok := ic.state.get(pk); ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, pk)
	}
	ic.state.put(pk, &Account{Owner: ic.programID, Data: make([]byte, space)})
	return nil
}

// WriteAccount stores data into a program-owned account, zero padding the
// rest of its allocation.
func (ic *InvokeContext) WriteAccount(pk solana.PublicKey, data []byte) error {
	if err := ic.requireWritable(pk); err != nil {
		return err
	}
	acct, ok := ic.state.get(pk)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, pk)
	}
	if !acct.Owner.Equals(ic.programID) {
		return fmt.Errorf("%w: %s owned by %s", ErrIllegalOwner, pk, acct.Owner)
	}
	if len(data) > len(acct.Data) {
		return fmt.Errorf("%w: %d > %d", ErrDataTooLarge, len(data), len(acct.Data))
	}
	updated := acct.clone()
	copy(updated.Data, data)
	clear(updated.Data[len(data):])
	ic.state.put(pk, updated)
	return nil
}

func (ic *InvokeContext) checkSeeds(pk solana.PublicKey, seeds [][]byte) error {
	derived, err := solana.CreateProgramAddress(seeds, ic.programID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeeds, err)
	}
	if !derived.Equals(pk) {
		return fmt.Errorf("%w: derived %s, want %s", ErrInvalidSeeds, derived, pk)
	}
	return nil
}

// authorize accepts either a transaction signer or, when seeds are given, a
// program-derived authority.
func (ic *InvokeContext) authorize(authority solana.PublicKey, seeds [][]byte) error {
	if seeds == nil {
		if !ic.IsSigner(authority) {
			return fmt.Errorf("%w: %s", ErrMissingSigner, authority)
		}
		return nil
	}
	return ic.checkSeeds(authority, seeds)
}
