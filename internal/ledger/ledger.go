// Package ledger is an in-process host for on-chain programs. It serializes
// write access per account across concurrently submitted transactions and
// commits each transaction all-or-nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

var (
	ErrAccountInUse       = errors.New("account in use")
	ErrMissingSigner      = errors.New("missing required signature")
	ErrAccountNotWritable = errors.New("account not writable")
	ErrUnknownAccount     = errors.New("account not passed to instruction")
	ErrUnknownProgram     = errors.New("unknown program")
	ErrMissingProgram     = errors.New("program not passed to instruction")
	ErrAccountExists      = errors.New("account already exists")
	ErrAccountNotFound    = errors.New("account not found")
	ErrIllegalOwner       = errors.New("account not owned by program")
	ErrInvalidSeeds       = errors.New("signer seeds do not derive authority")
	ErrDataTooLarge       = errors.New("account data exceeds allocated space")
)

// Account is one addressable record. Program-owned accounts carry Data;
// token program accounts carry either Mint or Token.
type Account struct {
	Owner solana.PublicKey
	Data  []byte
	Mint  *token.Mint
	Token *token.Account
}

func (a *Account) clone() *Account {
	if a == nil {
		return nil
	}
	out := &Account{Owner: a.Owner}
	if a.Data != nil {
		out.Data = append([]byte(nil), a.Data...)
	}
	if a.Mint != nil {
		mint := *a.Mint
		out.Mint = &mint
	}
	if a.Token != nil {
		tokenAccount := *a.Token
		out.Token = &tokenAccount
	}
	return out
}

// Program processes one instruction addressed to its id.
type Program interface {
	Process(ic *InvokeContext) error
}

type ProgramFunc func(ic *InvokeContext) error

func (f ProgramFunc) Process(ic *InvokeContext) error { return f(ic) }

type Transaction struct {
	Signers      []solana.PublicKey
	Instructions []solana.Instruction
}

type Receipt struct {
	Slot uint64
	Logs []string
}

type KeyedAccount struct {
	Pubkey  solana.PublicKey
	Account *Account
}

type Ledger struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*Account
	slot     uint64

	locks *lockTable

	programsMu sync.RWMutex
	programs   map[solana.PublicKey]Program

	clock  func() time.Time
	logger *slog.Logger
}

type Option func(*Ledger)

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		l.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[solana.PublicKey]*Account),
		locks:    newLockTable(),
		programs: make(map[solana.PublicKey]Program),
		clock:    time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) RegisterProgram(programID solana.PublicKey, program Program) {
	l.programsMu.Lock()
	defer l.programsMu.Unlock()
	l.programs[programID] = program
}

func (l *Ledger) program(programID solana.PublicKey) (Program, bool) {
	l.programsMu.RLock()
	defer l.programsMu.RUnlock()
	p, ok := l.programs[programID]
	return p, ok
}

// Execute runs every instruction of tx in order. Account locks are taken up
// front and a conflicting transaction fails immediately with ErrAccountInUse.
func (l *Ledger) Execute(ctx context.Context, tx Transaction) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if len(tx.Instructions) == 0 {
		return Receipt{}, fmt.Errorf("transaction has no instructions")
	}

	signers := make(map[solana.PublicKey]struct{}, len(tx.Signers))
	for _, s := range tx.Signers {
		signers[s] = struct{}{}
	}

	lockSet := make(map[solana.PublicKey]bool)
	for i, ix := range tx.Instructions {
		for _, meta := range ix.Accounts() {
			if meta.IsSigner {
				if _, ok := signers[meta.PublicKey]; !ok {
					return Receipt{}, fmt.Errorf("instruction %d: %w: %s", i, ErrMissingSigner, meta.PublicKey)
				}
			}
			lockSet[meta.PublicKey] = lockSet[meta.PublicKey] || meta.IsWritable
		}
	}

	if !l.locks.acquire(lockSet) {
		return Receipt{}, ErrAccountInUse
	}
	defer l.locks.release(lockSet)

	now := l.clock()
	state := newOverlay(l)
	var logs []string

	for i, ix := range tx.Instructions {
		program, ok := l.program(ix.ProgramID())
		if !ok {
			return Receipt{Logs: logs}, fmt.Errorf("instruction %d: %w: %s", i, ErrUnknownProgram, ix.ProgramID())
		}
		data, err := ix.Data()
		if err != nil {
			return Receipt{Logs: logs}, fmt.Errorf("instruction %d: read data: %w", i, err)
		}
		ic := &InvokeContext{
			ctx:       ctx,
			programID: ix.ProgramID(),
			metas:     ix.Accounts(),
			data:      data,
			now:       now,
			state:     state,
			logs:      &logs,
			logger:    l.logger,
		}
		logs = append(logs, fmt.Sprintf("Program %s invoke [1]", ix.ProgramID()))
		if err := program.Process(ic); err != nil {
			logs = append(logs, fmt.Sprintf("Program %s failed: %v", ix.ProgramID(), err))
			l.logger.Debug("transaction rolled back", "instruction", i, "program", ix.ProgramID(), "err", err)
			return Receipt{Logs: logs}, fmt.Errorf("instruction %d: %w", i, err)
		}
		logs = append(logs, fmt.Sprintf("Program %s success", ix.ProgramID()))
	}

	slot := l.commit(state)
	return Receipt{Slot: slot, Logs: logs}, nil
}

// Submit retries Execute while the accounts it needs are held by another
// transaction. Program failures are returned as is.
func (l *Ledger) Submit(ctx context.Context, tx Transaction, attempts int, backoff time.Duration) (Receipt, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		receipt, err := l.Execute(ctx, tx)
		if !errors.Is(err, ErrAccountInUse) {
			return receipt, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-time.After(backoff * time.Duration(attempt+1)):
		}
	}
	return Receipt{}, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (l *Ledger) commit(state *overlay) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pk := range state.dirty {
		acct := state.changed[pk]
		if acct == nil {
			delete(l.accounts, pk)
			continue
		}
		l.accounts[pk] = acct
	}
	l.slot++
	return l.slot
}

func (l *Ledger) load(pk solana.PublicKey) (*Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[pk]
	if !ok {
		return nil, false
	}
	return acct.clone(), true
}

// Account returns a copy of the committed account.
func (l *Ledger) Account(pk solana.PublicKey) (*Account, bool) {
	return l.load(pk)
}

func (l *Ledger) AccountData(pk solana.PublicKey) ([]byte, bool) {
	acct, ok := l.load(pk)
	if !ok || acct.Data == nil {
		return nil, false
	}
	return acct.Data, true
}

// ProgramAccounts lists every committed account owned by programID, ordered
// by address.
func (l *Ledger) ProgramAccounts(programID solana.PublicKey) []KeyedAccount {
	l.mu.RLock()
	out := make([]KeyedAccount, 0)
	for pk, acct := range l.accounts {
		if acct.Owner.Equals(programID) {
			out = append(out, KeyedAccount{Pubkey: pk, Account: acct.clone()})
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pubkey.String() < out[j].Pubkey.String()
	})
	return out
}

func (l *Ledger) Slot() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slot
}

// SetAccount installs an account directly, outside any transaction.
func (l *Ledger) SetAccount(pk solana.PublicKey, acct *Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[pk] = acct.clone()
}

type overlay struct {
	base    *Ledger
	changed map[solana.PublicKey]*Account
	dirty   map[solana.PublicKey]struct{}
}

func newOverlay(base *Ledger) *overlay {
	return &overlay{
		base:    base,
		changed: make(map[solana.PublicKey]*Account),
		dirty:   make(map[solana.PublicKey]struct{}),
	}
}

func (o *overlay) get(pk solana.PublicKey) (*Account, bool) {
	if acct, ok := o.changed[pk]; ok {
		if acct == nil {
			return nil, false
		}
		return acct, true
	}
	acct, ok := o.base.load(pk)
	if !ok {
		return nil, false
	}
	o.changed[pk] = acct
	return acct, true
}

func (o *overlay) put(pk solana.PublicKey, acct *Account) {
	o.changed[pk] = acct
	o.dirty[pk] = struct{}{}
}

func (o *overlay) remove(pk solana.PublicKey) {
	o.changed[pk] = nil
	o.dirty[pk] = struct{}{}
}
