package ledger

import (
	"sync"

	"confidentialscore/internal/identity"
)

// keyedMutex serializes work per participant. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[identity.Address]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key identity.Address) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[identity.Address]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
