package ledger

import (
	"sync"

	"github.com/gagliardetto/solana-go"
)

type accountLock struct {
	writer  bool
	readers int
}

// lockTable grants a transaction all of its account locks or none of them.
type lockTable struct {
	mu    sync.Mutex
	locks map[solana.PublicKey]*accountLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[solana.PublicKey]*accountLock)}
}

func (t *lockTable) acquire(set map[solana.PublicKey]bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for pk, write := range set {
		held, ok := t.locks[pk]
		if !ok {
			continue
		}
		if held.writer || (write && held.readers > 0) {
			return false
		}
	}

	for pk, write := range set {
		held, ok := t.locks[pk]
		if !ok {
			held = &accountLock{}
			t.locks[pk] = held
		}
		if write {
			held.writer = true
		} else {
			held.readers++
		}
	}
	return true
}

func (t *lockTable) release(set map[solana.PublicKey]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for pk, write := range set {
		held, ok := t.locks[pk]
		if !ok {
			continue
		}
		if write {
			held.writer = false
		} else if held.readers > 0 {
			held.readers--
		}
		if !held.writer && held.readers == 0 {
			delete(t.locks, pk)
		}
	}
}
