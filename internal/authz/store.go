package authz

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"confidentialscore/internal/kv"
)

// Store persists credentials by key. Load reports false when the key is absent.
type Store interface {
	Load(ctx context.Context, key string) (Authorization, bool, error)
	Save(ctx context.Context, key string, a Authorization) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Authorization
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{m: make(map[string]Authorization)} }

func (s *MemoryStore) Load(_ context.Context, key string) (Authorization, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.m[key]
	return a, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, a Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = a
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Len reports the number of cached credentials.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// BadgerStore persists credentials as JSON in a kv store.
type BadgerStore struct {
	db *kv.Store
}

func NewBadgerStore(db *kv.Store) *BadgerStore { return &BadgerStore{db: db} }

func (s *BadgerStore) Load(_ context.Context, key string) (Authorization, bool, error) {
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, kv.ErrNotFound) {
		return Authorization{}, false, nil
	}
	if err != nil {
		return Authorization{}, false, err
	}
	var a Authorization
	if err := json.Unmarshal(raw, &a); err != nil {
		// unreadable entries are treated as absent and overwritten on the next save
		return Authorization{}, false, nil
	}
	return a, true, nil
}

func (s *BadgerStore) Save(_ context.Context, key string, a Authorization) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), raw)
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key))
}
