package workflow

import (
	"sync"

	"confidentialscore/internal/identity"
)

// Deployment is where the ledger and the decryption verifier live on one chain.
type Deployment struct {
	Ledger   identity.Address `json:"ledger" yaml:"ledger"`
	Verifier identity.Address `json:"verifier" yaml:"verifier"`
}

// AddressBook maps chain ids to deployments.
type AddressBook map[uint64]Deployment

// Snapshot is the immutable view of the environment an operation starts from.
// Two snapshots are equal exactly when nothing an in-flight result depends on has changed.
type Snapshot struct {
	ChainID  uint64
	Ledger   identity.Address
	Verifier identity.Address
	Signer   identity.Address
}

// Connected reports whether there is an active signer and a ledger on the active chain.
func (s Snapshot) Connected() bool { return !s.Signer.IsZero() && !s.Ledger.IsZero() }

// Environment is the client's active chain, signer and address book.
type Environment struct {
	mu        sync.RWMutex
	chainID   uint64
	signer    identity.Signer
	book      AddressBook
	listeners []func(old, cur Snapshot)
}

func NewEnvironment(chainID uint64, signer identity.Signer, book AddressBook) *Environment {
	b := make(AddressBook, len(book))
	for k, v := range book {
		b[k] = v
	}
	return &Environment{chainID: chainID, signer: signer, book: b}
}

func (e *Environment) snapshotLocked() Snapshot {
	s := Snapshot{ChainID: e.chainID}
	if d, ok := e.book[e.chainID]; ok {
		s.Ledger, s.Verifier = d.Ledger, d.Verifier
	}
	if e.signer != nil {
		s.Signer = e.signer.Address()
	}
	return s
}

// Snapshot returns the current view.
func (e *Environment) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// Current returns the view together with the signer it names.
func (e *Environment) Current() (Snapshot, identity.Signer) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked(), e.signer
}

// OnChange registers fn to run after every change that alters the snapshot.
func (e *Environment) OnChange(fn func(old, cur Snapshot)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Environment) update(mutate func()) {
	e.mu.Lock()
	old := e.snapshotLocked()
	mutate()
	cur := e.snapshotLocked()
	listeners := append([]func(old, cur Snapshot){}, e.listeners...)
	e.mu.Unlock()

	if old == cur {
		return
	}
	for _, fn := range listeners {
		fn(old, cur)
	}
}

// SetChain switches the active chain.
func (e *Environment) SetChain(id uint64) { e.update(func() { e.chainID = id }) }

// SetSigner switches the active signing identity; nil disconnects.
func (e *Environment) SetSigner(s identity.Signer) { e.update(func() { e.signer = s }) }

// SetDeployment records where the contracts live on chain id.
func (e *Environment) SetDeployment(id uint64, d Deployment) {
	e.update(func() { e.book[id] = d })
}
