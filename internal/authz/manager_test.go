package authz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialscore/internal/clock"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/kv"
)

var (
	t0     = time.Unix(1_700_000_000, 0)
	chain  = Chain{ID: 31337, Verifier: identity.ContractAddress("decryption-oracle", 31337)}
	ledger = identity.ContractAddress("ScoreLedger", 31337)
	other  = identity.ContractAddress("Other", 31337)
)

type testSigner struct {
	*identity.KeySigner
	calls   atomic.Int32
	decline bool
	gate    chan struct{}
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	k, err := identity.GenerateKeySigner()
	require.NoError(t, err)
	return &testSigner{KeySigner: k}
}

func (s *testSigner) SignTypedData(ctx context.Context, td identity.TypedData) ([]byte, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.decline {
		return nil, identity.ErrDeclined
	}
	return s.KeySigner.SignTypedData(ctx, td)
}

func newManager(t *testing.T) (*Manager, *clock.Fake, *MemoryStore) {
	t.Helper()
	clk := clock.NewFake(t0)
	store := NewMemoryStore()
	return NewManager(store, WithClock(clk), WithDurationDays(1)), clk, store
}

func TestFreshAuthorizationIsSignedByOwner(t *testing.T) {
	m, _, store := newManager(t)
	s := newTestSigner(t)

	a, err := m.Get(context.Background(), s, chain, []identity.Address{ledger})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), a.Owner)
	assert.Equal(t, []identity.Address{ledger}, a.Targets)
	assert.Equal(t, t0.Unix(), a.StartTime)
	assert.Equal(t, 1, store.Len())

	got, err := identity.Recover(a.TypedData().Digest(), a.Signature)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	kp, err := a.KeyPair()
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey, kp.PublicBytes())
}

func TestExpiryBoundary(t *testing.T) {
	m, clk, _ := newManager(t)
	s := newTestSigner(t)
	ctx := context.Background()

	first, err := m.Get(ctx, s, chain, []identity.Address{ledger})
	require.NoError(t, err)

	clk.Set(first.Expiry().Add(-time.Second))
	again, err := m.Get(ctx, s, chain, []identity.Address{ledger})
	require.NoError(t, err)
	assert.Equal(t, first.Signature, again.Signature, "still valid one second before expiry")
	assert.EqualValues(t, 1, m.Signings())

	clk.Set(first.Expiry())
	renewed, err := m.Get(ctx, s, chain, []identity.Address{ledger})
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey, renewed.PublicKey)
	assert.EqualValues(t, 2, m.Signings())
	assert.True(t, renewed.ValidAt(clk.Now()))
}

func TestMismatchForcesNewSigning(t *testing.T) {
	ctx := context.Background()

	t.Run("target superset and subset", func(t *testing.T) {
		m, _, _ := newManager(t)
		s := newTestSigner(t)
		_, err := m.Get(ctx, s, chain, []identity.Address{ledger})
		require.NoError(t, err)
		both, err := m.Get(ctx, s, chain, []identity.Address{other, ledger})
		require.NoError(t, err)
		assert.Equal(t, identity.SortedAddresses([]identity.Address{ledger, other}), both.Targets)
		assert.EqualValues(t, 2, m.Signings())

		// same set in another order hits the cache
		_, err = m.Get(ctx, s, chain, []identity.Address{ledger, other})
		require.NoError(t, err)
		assert.EqualValues(t, 2, m.Signings())
	})

	t.Run("chain change", func(t *testing.T) {
		m, _, _ := newManager(t)
		s := newTestSigner(t)
		_, err := m.Get(ctx, s, chain, []identity.Address{ledger})
		require.NoError(t, err)
		moved := Chain{ID: 1, Verifier: chain.Verifier}
		a, err := m.Get(ctx, s, moved, []identity.Address{ledger})
		require.NoError(t, err)
		assert.Equal(t, moved, a.Chain)
		assert.EqualValues(t, 2, m.Signings())
	})

	t.Run("signer change", func(t *testing.T) {
		m, _, _ := newManager(t)
		alice, bob := newTestSigner(t), newTestSigner(t)
		_, err := m.Get(ctx, alice, chain, []identity.Address{ledger})
		require.NoError(t, err)
		a, err := m.Get(ctx, bob, chain, []identity.Address{ledger})
		require.NoError(t, err)
		assert.Equal(t, bob.Address(), a.Owner)
		assert.EqualValues(t, 1, bob.calls.Load())
	})

	t.Run("tampered cache entry", func(t *testing.T) {
		m, _, store := newManager(t)
		s := newTestSigner(t)
		a, err := m.Get(ctx, s, chain, []identity.Address{ledger})
		require.NoError(t, err)
		a.Owner = identity.ContractAddress("mallory", 0)
		require.NoError(t, store.Save(ctx, Key(s.Address(), a.Targets), a))

		b, err := m.Get(ctx, s, chain, []identity.Address{ledger})
		require.NoError(t, err)
		assert.Equal(t, s.Address(), b.Owner)
		assert.EqualValues(t, 2, m.Signings())
	})
}

func TestDeclineCachesNothing(t *testing.T) {
	m, _, store := newManager(t)
	s := newTestSigner(t)
	s.decline = true

	_, err := m.Get(context.Background(), s, chain, []identity.Address{ledger})
	assert.True(t, errors.Is(err, errs.ErrAuthorizationDenied))
	assert.Equal(t, errs.Reauthorize, errs.RecoveryFor(err))
	assert.Equal(t, 0, store.Len())
	assert.EqualValues(t, 0, m.Signings())
}

func TestConcurrentGetSignsOnce(t *testing.T) {
	m, _, _ := newManager(t)
	s := newTestSigner(t)
	s.gate = make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]Authorization, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := m.Get(context.Background(), s, chain, []identity.Address{ledger})
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	// let the callers pile up behind the first signing prompt
	time.Sleep(50 * time.Millisecond)
	close(s.gate)
	wg.Wait()

	assert.EqualValues(t, 1, s.calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0].Signature, r.Signature)
	}
}

func TestConcurrentGetOnOtherChainSignsAgain(t *testing.T) {
	m, _, _ := newManager(t)
	s := newTestSigner(t)
	s.gate = make(chan struct{})
	otherChain := Chain{ID: 5, Verifier: identity.ContractAddress("decryption-oracle", 5)}

	type result struct {
		a   Authorization
		err error
	}
	first := make(chan result, 1)
	go func() {
		a, err := m.Get(context.Background(), s, chain, []identity.Address{ledger})
		first <- result{a, err}
	}()
	require.Eventually(t, func() bool { return s.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan result, 1)
	go func() {
		a, err := m.Get(context.Background(), s, otherChain, []identity.Address{ledger})
		second <- result{a, err}
	}()
	require.Eventually(t, func() bool { return s.calls.Load() == 2 }, time.Second, time.Millisecond,
		"a different chain must not join the in-flight round")
	close(s.gate)

	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, chain, r1.a.Chain)
	assert.Equal(t, otherChain, r2.a.Chain)
}

func TestInvalidate(t *testing.T) {
	m, _, store := newManager(t)
	s := newTestSigner(t)
	ctx := context.Background()
	_, err := m.Get(ctx, s, chain, []identity.Address{ledger})
	require.NoError(t, err)

	require.NoError(t, m.Invalidate(ctx, s.Address(), []identity.Address{ledger}))
	assert.Equal(t, 0, store.Len())
	_, err = m.Get(ctx, s, chain, []identity.Address{ledger})
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.Signings())
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newTestSigner(t)
	clk := clock.NewFake(t0)

	db, err := kv.Open(dir, nil)
	require.NoError(t, err)
	first, err := NewManager(NewBadgerStore(db), WithClock(clk)).Get(ctx, s, chain, []identity.Address{ledger})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = kv.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m := NewManager(NewBadgerStore(db), WithClock(clk))
	again, err := m.Get(ctx, s, chain, []identity.Address{ledger})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.EqualValues(t, 0, m.Signings())
}

func TestKeyIsOrderIndependent(t *testing.T) {
	owner := identity.ContractAddress("owner", 0)
	assert.Equal(t, Key(owner, []identity.Address{ledger, other}), Key(owner, []identity.Address{other, ledger}))
	assert.NotEqual(t, Key(owner, []identity.Address{ledger}), Key(owner, []identity.Address{ledger, other}))
}
