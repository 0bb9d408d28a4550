package llm

import (
	"errors"
	"sync"
)

// Keyring is the process-wide round-robin cursor over the credential
// pool. The index is shared by every concurrent request; mutations go
// through the mutex. Quota retries walk the pool from the current
// index WITHOUT mutating it — only request completion advances the
// shared cursor, by exactly one.
type Keyring struct {
	mu      sync.Mutex
	keys    []string
	current int
	hook    func(newIndex int)
}

// NewKeyring creates a keyring over a non-empty credential pool.
func NewKeyring(keys []string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("llm: key pool is empty")
	}
	copied := make([]string, len(keys))
	copy(copied, keys)
	return &Keyring{keys: copied}, nil
}

// Size returns the pool size.
func (k *Keyring) Size() int {
	return len(k.keys)
}

// Current returns the index to try first for a new request.
func (k *Keyring) Current() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Advance moves the shared cursor forward by one, modulo pool size,
// and returns the new index. Called once per completed request.
func (k *Keyring) Advance() int {
	k.mu.Lock()
	k.current = (k.current + 1) % len(k.keys)
	next, hook := k.current, k.hook
	k.mu.Unlock()
	if hook != nil {
		hook(next)
	}
	return next
}

// SetAdvanceHook registers fn to run after every cursor advance,
// e.g. to count rotations.
func (k *Keyring) SetAdvanceHook(fn func(newIndex int)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hook = fn
}

// Key returns the credential at index i.
func (k *Keyring) Key(i int) string {
	return k.keys[i%len(k.keys)]
}
