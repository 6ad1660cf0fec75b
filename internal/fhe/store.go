package fhe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"confidentialscore/internal/errs"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/kv"
)

// Store persists sealed ciphertexts and their access grants.
type Store interface {
	PutCiphertext(ctx context.Context, h Handle, sealed []byte) error
	Ciphertext(ctx context.Context, h Handle) ([]byte, error)
	Grant(ctx context.Context, h Handle, principal identity.Address) error
	Allowed(ctx context.Context, h Handle, principal identity.Address) (bool, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu  sync.RWMutex
	cts map[Handle][]byte
	acl map[Handle]map[identity.Address]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cts: make(map[Handle][]byte),
		acl: make(map[Handle]map[identity.Address]struct{}),
	}
}

func (m *MemoryStore) PutCiphertext(_ context.Context, h Handle, sealed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cts[h] = append([]byte(nil), sealed...)
	return nil
}

func (m *MemoryStore) Ciphertext(_ context.Context, h Handle) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ct, ok := m.cts[h]
	if !ok {
		return nil, fmt.Errorf("handle %s: %w", h.Redacted(), errs.ErrNotFound)
	}
	return ct, nil
}

func (m *MemoryStore) Grant(_ context.Context, h Handle, principal identity.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.acl[h]
	if !ok {
		set = make(map[identity.Address]struct{})
		m.acl[h] = set
	}
	set[principal] = struct{}{}
	return nil
}

func (m *MemoryStore) Allowed(_ context.Context, h Handle, principal identity.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.acl[h][principal]
	return ok, nil
}

// Len reports how many ciphertexts are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cts)
}

// KVStore keeps ciphertexts and grants in badger under "ct:" and "acl:" prefixes.
type KVStore struct {
	db *kv.Store
}

func NewKVStore(db *kv.Store) *KVStore { return &KVStore{db: db} }

func ctKey(h Handle) []byte { return []byte("ct:" + h.Hex()) }

func aclKey(h Handle, p identity.Address) []byte {
	return []byte("acl:" + h.Hex() + ":" + p.Hex())
}

func (s *KVStore) PutCiphertext(_ context.Context, h Handle, sealed []byte) error {
	return s.db.Put(ctKey(h), sealed)
}

func (s *KVStore) Ciphertext(_ context.Context, h Handle) ([]byte, error) {
	ct, err := s.db.Get(ctKey(h))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("handle %s: %w", h.Redacted(), errs.ErrNotFound)
	}
	return ct, err
}

func (s *KVStore) Grant(_ context.Context, h Handle, principal identity.Address) error {
	return s.db.Put(aclKey(h, principal), []byte{1})
}

func (s *KVStore) Allowed(_ context.Context, h Handle, principal identity.Address) (bool, error) {
	return s.db.Has(aclKey(h, principal))
}
