package authz

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"confidentialscore/internal/clock"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

// Option customizes a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l logrus.FieldLogger) Option { return func(m *Manager) { m.log = l } }

func WithDurationDays(d uint32) Option { return func(m *Manager) { m.durationDays = d } }

// Manager hands out valid credentials, signing new ones only when needed.
// At most one signing round runs per cache key.
type Manager struct {
	store        Store
	clock        clock.Clock
	log          logrus.FieldLogger
	durationDays uint32

	group    singleflight.Group
	signings atomic.Uint64
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		clock:        clock.Real,
		log:          logrus.StandardLogger(),
		durationDays: DefaultDurationDays,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Signings counts completed signing rounds.
func (m *Manager) Signings() uint64 { return m.signings.Load() }

// Get returns a credential for the signer's address on chain covering exactly targets.
// A cached credential is reused only if it still matches and is inside its window;
// otherwise it is dropped and the signer is asked for a new one.
func (m *Manager) Get(ctx context.Context, signer identity.Signer, chain Chain, targets []identity.Address) (Authorization, error) {
	owner := signer.Address()
	sorted := identity.SortedAddresses(targets)
	if len(sorted) == 0 {
		return Authorization{}, fmt.Errorf("no targets: %w", errs.ErrBadRequest)
	}
	key := Key(owner, sorted)

	if a, ok := m.cached(ctx, key, owner, chain, sorted); ok {
		return a, nil
	}

	// one signing round per chain; the store key stays chain-free
	flight := fmt.Sprintf("%s@%d:%s", key, chain.ID, chain.Verifier.Hex())
	v, err, shared := m.group.Do(flight, func() (any, error) {
		// a round that finished just before this one may have filled the cache
		if a, ok := m.cached(ctx, key, owner, chain, sorted); ok {
			return a, nil
		}
		return m.sign(ctx, key, signer, chain, sorted)
	})
	if err != nil {
		return Authorization{}, err
	}
	if shared {
		m.log.WithField("key", key).Debug("joined in-flight signing")
	}
	return v.(Authorization), nil
}

func (m *Manager) cached(ctx context.Context, key string, owner identity.Address, chain Chain, targets []identity.Address) (Authorization, bool) {
	a, ok, err := m.store.Load(ctx, key)
	if err != nil {
		m.log.WithError(err).WithField("key", key).Warn("authorization cache read failed")
		return Authorization{}, false
	}
	if !ok {
		return Authorization{}, false
	}
	if a.Matches(owner, chain, targets) && a.ValidAt(m.clock.Now()) {
		return a, true
	}
	m.log.WithFields(logrus.Fields{"key": key, "expiry": a.Expiry()}).Debug("discarding stale authorization")
	if err := m.store.Delete(ctx, key); err != nil {
		m.log.WithError(err).Warn("authorization cache delete failed")
	}
	return Authorization{}, false
}

func (m *Manager) sign(ctx context.Context, key string, signer identity.Signer, chain Chain, targets []identity.Address) (Authorization, error) {
	kp, err := fhe.GenerateKeyPair()
	if err != nil {
		return Authorization{}, err
	}
	a := Authorization{
		PublicKey:    kp.PublicBytes(),
		PrivateKey:   kp.SecretBytes(),
		StartTime:    m.clock.Now().Unix(),
		DurationDays: m.durationDays,
		Owner:        signer.Address(),
		Chain:        chain,
		Targets:      targets,
	}
	sig, err := signer.SignTypedData(ctx, a.TypedData())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Authorization{}, err
		}
		return Authorization{}, fmt.Errorf("could not build authorization: %w: %w", errs.ErrAuthorizationDenied, err)
	}
	a.Signature = sig
	m.signings.Add(1)

	if err := m.store.Save(ctx, key, a); err != nil {
		m.log.WithError(err).WithField("key", key).Warn("authorization not cached")
	}
	return a, nil
}

// Invalidate drops the cached credential for (owner, targets).
func (m *Manager) Invalidate(ctx context.Context, owner identity.Address, targets []identity.Address) error {
	return m.store.Delete(ctx, Key(owner, targets))
}
