package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

// fakeBackend keeps plaintexts in the clear so tests can check what a handle holds.
type fakeBackend struct {
	mu      sync.Mutex
	values  map[fhe.Handle]uint32
	acl     map[fhe.Handle]map[identity.Address]bool
	next    uint64
	verifyN int
	maxN    int

	failVerify error
	failMax    error
	failAllow  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		values: make(map[fhe.Handle]uint32),
		acl:    make(map[fhe.Handle]map[identity.Address]bool),
	}
}

func fakeInput(v uint32) fhe.Input {
	ct := make([]byte, 4)
	binary.BigEndian.PutUint32(ct, v)
	return fhe.Input{Ciphertext: ct}
}

func (f *fakeBackend) fresh(v uint32) fhe.Handle {
	f.next++
	var h fhe.Handle
	binary.BigEndian.PutUint64(h[:8], f.next)
	f.values[h] = v
	f.acl[h] = make(map[identity.Address]bool)
	return h
}

func (f *fakeBackend) VerifyInput(_ context.Context, in fhe.Input, contract, _ identity.Address) (fhe.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyN++
	if f.failVerify != nil {
		return fhe.Handle{}, f.failVerify
	}
	if len(in.Ciphertext) != 4 {
		return fhe.Handle{}, errs.ErrVerificationFailed
	}
	h := f.fresh(binary.BigEndian.Uint32(in.Ciphertext))
	f.acl[h][contract] = true
	return h, nil
}

func (f *fakeBackend) Max(_ context.Context, caller identity.Address, a, b fhe.Handle) (fhe.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxN++
	if f.failMax != nil {
		return fhe.Handle{}, f.failMax
	}
	if !f.acl[a][caller] || !f.acl[b][caller] {
		return fhe.Handle{}, errs.ErrUnauthorized
	}
	h := f.fresh(max(f.values[a], f.values[b]))
	f.acl[h][caller] = true
	return h, nil
}

func (f *fakeBackend) Allow(_ context.Context, caller identity.Address, h fhe.Handle, principal identity.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAllow != nil {
		return f.failAllow
	}
	if !f.acl[h][caller] {
		return fmt.Errorf("allow: %w", errs.ErrUnauthorized)
	}
	f.acl[h][principal] = true
	return nil
}

func (f *fakeBackend) value(h fhe.Handle) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[h]
}

func (f *fakeBackend) allowed(h fhe.Handle, p identity.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acl[h][p]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type failingJournal struct{ err error }

func (j failingJournal) Put(context.Context, ScoreRecord) error { return j.err }

func (j failingJournal) Replay(context.Context, func(ScoreRecord) error) error { return nil }

// holdingJournal parks the first Put for owner until release is closed.
type holdingJournal struct {
	Journal
	owner   identity.Address
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newHoldingJournal(j Journal, owner identity.Address) *holdingJournal {
	return &holdingJournal{Journal: j, owner: owner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (j *holdingJournal) Put(ctx context.Context, rec ScoreRecord) error {
	if rec.Owner == j.owner {
		held := false
		j.once.Do(func() { held = true })
		if held {
			close(j.entered)
			<-j.release
		}
	}
	return j.Journal.Put(ctx, rec)
}
