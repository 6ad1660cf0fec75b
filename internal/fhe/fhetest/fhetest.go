// Package fhetest provides a shared proving system and coprocessor fixtures for tests.
// Groth16 setup is slow, so it runs once per test binary.
package fhetest

import (
	"sync"
	"testing"

	"confidentialscore/internal/clock"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

// ChainID is the chain the fixtures run on.
const ChainID = 31337

var (
	once   sync.Once
	ps     *fhe.ProvingSystem
	keys   *fhe.NetworkKeys
	setErr error
)

// ProvingSystem returns the process-wide proving system and network keys.
func ProvingSystem(t testing.TB) (*fhe.ProvingSystem, *fhe.NetworkKeys) {
	t.Helper()
	once.Do(func() {
		ps, setErr = fhe.SetupProvingSystem("")
		if setErr != nil {
			return
		}
		keys, setErr = fhe.GenerateNetworkKeys()
	})
	if setErr != nil {
		t.Fatalf("proving system setup: %v", setErr)
	}
	return ps, keys
}

// Verifier is the verifying contract address used by fixtures.
var Verifier = identity.ContractAddress("decryption-oracle", ChainID)

// Fixture bundles a coprocessor, a matching encryptor and the clock driving them.
type Fixture struct {
	Coprocessor *fhe.Coprocessor
	Encryptor   *fhe.Encryptor
	Store       *fhe.MemoryStore
	Clock       *clock.Fake
}

// New returns a fresh coprocessor over an empty memory store.
func New(t testing.TB, clk *clock.Fake, opts ...fhe.Option) *Fixture {
	t.Helper()
	ps, keys := ProvingSystem(t)
	store := fhe.NewMemoryStore()
	opts = append([]fhe.Option{fhe.WithClock(clk)}, opts...)
	cp, err := fhe.NewCoprocessor(fhe.Config{
		ChainID:           ChainID,
		VerifyingContract: Verifier,
		VerifyingKey:      ps.VK,
		Keys:              keys,
		Store:             store,
	}, opts...)
	if err != nil {
		t.Fatalf("new coprocessor: %v", err)
	}
	return &Fixture{
		Coprocessor: cp,
		Encryptor:   fhe.NewEncryptor(keys.KEMPublic, ps),
		Store:       store,
		Clock:       clk,
	}
}
