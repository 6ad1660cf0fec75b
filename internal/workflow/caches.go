package workflow

import (
	"sync"

	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

// HandleKey identifies one participant's record on one ledger.
type HandleKey struct {
	ChainID uint64
	Ledger  identity.Address
	Owner   identity.Address
}

func keyFor(s Snapshot) HandleKey {
	return HandleKey{ChainID: s.ChainID, Ledger: s.Ledger, Owner: s.Signer}
}

// HandleCache holds the handle each owner may decrypt, as last read from the ledger.
// The zero handle means the owner has no record.
type HandleCache struct {
	mu sync.RWMutex
	m  map[HandleKey]fhe.Handle
}

func NewHandleCache() *HandleCache { return &HandleCache{m: make(map[HandleKey]fhe.Handle)} }

func (c *HandleCache) Get(k HandleKey) (fhe.Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.m[k]
	return h, ok
}

func (c *HandleCache) Put(k HandleKey, h fhe.Handle) {
	c.mu.Lock()
	c.m[k] = h
	c.mu.Unlock()
}

func (c *HandleCache) Clear() {
	c.mu.Lock()
	clear(c.m)
	c.mu.Unlock()
}

// CleartextCache maps handles to plaintexts already decrypted by their owner.
type CleartextCache struct {
	mu sync.RWMutex
	m  map[fhe.Handle]uint32
}

func NewCleartextCache() *CleartextCache { return &CleartextCache{m: make(map[fhe.Handle]uint32)} }

func (c *CleartextCache) Get(h fhe.Handle) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[h]
	return v, ok
}

func (c *CleartextCache) Put(h fhe.Handle, v uint32) {
	c.mu.Lock()
	c.m[h] = v
	c.mu.Unlock()
}

func (c *CleartextCache) Clear() {
	c.mu.Lock()
	clear(c.m)
	c.mu.Unlock()
}

// inflight tracks which participants have an operation running.
type inflight struct {
	mu  sync.Mutex
	set map[identity.Address]struct{}
}

func (f *inflight) acquire(p identity.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set == nil {
		f.set = make(map[identity.Address]struct{})
	}
	if _, busy := f.set[p]; busy {
		return false
	}
	f.set[p] = struct{}{}
	return true
}

func (f *inflight) release(p identity.Address) {
	f.mu.Lock()
	delete(f.set, p)
	f.mu.Unlock()
}
