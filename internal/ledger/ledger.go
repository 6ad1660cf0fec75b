// ledger.go - Confidential best-score ledger.
//
// The Ledger holds one ScoreRecord per participant and an append-only participant index in
// first-submission order. A submission is verified by the backend, then either stored as-is
// (first submission) or combined with the existing handle through the backend's Max, which
// never decrypts. Every stored handle is granted to the ledger and to its owner.
//
// Submit is all-or-nothing: any failure before the in-memory publish leaves state unchanged.

package ledger

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/sirupsen/logrus"

	"confidentialscore/internal/clock"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

// Backend is the encrypted value service the ledger relies on.
type Backend interface {
	VerifyInput(ctx context.Context, in fhe.Input, contract, user identity.Address) (fhe.Handle, error)
	Max(ctx context.Context, caller identity.Address, a, b fhe.Handle) (fhe.Handle, error)
	Allow(ctx context.Context, caller identity.Address, h fhe.Handle, principal identity.Address) error
}

// Option customizes a Ledger.
type Option func(*Ledger)

func WithJournal(j Journal) Option { return func(l *Ledger) { l.journal = j } }

func WithNotifier(n Notifier) Option { return func(l *Ledger) { l.notifier = n } }

func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithLogger(log logrus.FieldLogger) Option { return func(l *Ledger) { l.log = log } }

func WithDuplicatePolicy(p DuplicatePolicy) Option { return func(l *Ledger) { l.policy = p } }

// Ledger is safe for concurrent use.
type Ledger struct {
	addr     identity.Address
	backend  Backend
	journal  Journal
	notifier Notifier
	clock    clock.Clock
	log      logrus.FieldLogger
	policy   DuplicatePolicy

	locks keyedMutex
	// commit is held from sequence allocation through Notify; journal order and
	// index order are the same.
	commit sync.Mutex

	mu      sync.RWMutex
	records map[identity.Address]ScoreRecord
	index   []identity.Address
	seq     uint64
}

// New returns an empty ledger at addr.
func New(addr identity.Address, backend Backend, opts ...Option) *Ledger {
	l := &Ledger{
		addr:    addr,
		backend: backend,
		clock:   clock.Real,
		log:     logrus.StandardLogger(),
		records: make(map[identity.Address]ScoreRecord),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.WithField("ledger", addr.Hex())
	return l
}

// Open returns a ledger restored from its journal, if one is configured.
func Open(ctx context.Context, addr identity.Address, backend Backend, opts ...Option) (*Ledger, error) {
	l := New(addr, backend, opts...)
	if l.journal == nil {
		return l, nil
	}
	err := l.journal.Replay(ctx, func(r ScoreRecord) error {
		if _, ok := l.records[r.Owner]; !ok {
			l.index = append(l.index, r.Owner)
		}
		l.records[r.Owner] = r
		l.seq = max(l.seq, r.Seq)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	l.log.WithField("participants", len(l.index)).Info("ledger restored")
	return l, nil
}

// Address is the ledger's contract address; inputs must be encrypted for it.
func (l *Ledger) Address() identity.Address { return l.addr }

// Policy reports the configured duplicate policy.
func (l *Ledger) Policy() DuplicatePolicy { return l.policy }

// Submit accepts an encrypted score from participant and returns the resulting record.
func (l *Ledger) Submit(ctx context.Context, participant identity.Address, in fhe.Input) (ScoreRecord, error) {
	if participant.IsZero() {
		return ScoreRecord{}, fmt.Errorf("zero participant: %w", errs.ErrBadRequest)
	}
	if l.policy == RejectDuplicates && l.Exists(participant) {
		return ScoreRecord{}, fmt.Errorf("participant %s already submitted: %w", participant, errs.ErrDuplicate)
	}

	h, err := l.backend.VerifyInput(ctx, in, l.addr, participant)
	if err != nil {
		return ScoreRecord{}, fmt.Errorf("verify input: %w", err)
	}

	unlock := l.locks.Lock(participant)
	defer unlock()

	l.mu.RLock()
	existing, exists := l.records[participant]
	l.mu.RUnlock()

	if exists {
		if l.policy == RejectDuplicates {
			return ScoreRecord{}, fmt.Errorf("participant %s already submitted: %w", participant, errs.ErrDuplicate)
		}
		h, err = l.backend.Max(ctx, l.addr, existing.Handle, h)
		if err != nil {
			return ScoreRecord{}, fmt.Errorf("combine: %w", err)
		}
	}
	for _, principal := range []identity.Address{l.addr, participant} {
		if err := l.backend.Allow(ctx, l.addr, h, principal); err != nil {
			return ScoreRecord{}, fmt.Errorf("grant %s: %w", principal, err)
		}
	}

	l.commit.Lock()
	defer l.commit.Unlock()

	// Sequence numbers burned by a failed journal write leave a gap.
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()
	rec := ScoreRecord{Handle: h, Owner: participant, RecordedAt: l.clock.Now().UTC(), Seq: seq}

	if l.journal != nil {
		if err := l.journal.Put(ctx, rec); err != nil {
			return ScoreRecord{}, fmt.Errorf("journal: %w: %w", errs.ErrBackendUnavailable, err)
		}
	}

	l.mu.Lock()
	l.records[participant] = rec
	if !exists {
		l.index = append(l.index, participant)
	}
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"participant": participant.Hex(),
		"handle":      h.Redacted(),
		"first":       !exists,
	}).Info("score accepted")

	if l.notifier != nil {
		l.notifier.Notify(Event{Ledger: l.addr, Participant: participant, Timestamp: rec.RecordedAt, Seq: rec.Seq})
	}
	return rec, nil
}

// Get returns the current handle of participant.
func (l *Ledger) Get(participant identity.Address) (fhe.Handle, error) {
	rec, err := l.Record(participant)
	return rec.Handle, err
}

// Record returns the full record of participant.
func (l *Ledger) Record(participant identity.Address) (ScoreRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[participant]
	if !ok {
		return ScoreRecord{}, fmt.Errorf("participant %s: %w", participant, errs.ErrNotFound)
	}
	return rec, nil
}

// Count returns the number of participants.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

// ByIndex returns the i-th participant in first-submission order.
func (l *Ledger) ByIndex(i int) (identity.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.index) {
		return identity.Address{}, fmt.Errorf("index %d of %d: %w", i, len(l.index), errs.ErrOutOfRange)
	}
	return l.index[i], nil
}

// Exists reports whether participant has submitted.
func (l *Ledger) Exists(participant identity.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[participant]
	return ok
}

// All iterates participants and their handles in first-submission order. The length is
// fixed when iteration starts; each call starts over.
func (l *Ledger) All() iter.Seq2[identity.Address, fhe.Handle] {
	return func(yield func(identity.Address, fhe.Handle) bool) {
		n := l.Count()
		for i := 0; i < n; i++ {
			l.mu.RLock()
			p := l.index[i]
			h := l.records[p].Handle
			l.mu.RUnlock()
			if !yield(p, h) {
				return
			}
		}
	}
}

// GetAll returns participants and handles as parallel slices.
func (l *Ledger) GetAll() ([]identity.Address, []fhe.Handle) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	addrs := make([]identity.Address, len(l.index))
	handles := make([]fhe.Handle, len(l.index))
	for i, p := range l.index {
		addrs[i] = p
		handles[i] = l.records[p].Handle
	}
	return addrs, handles
}

// Seq returns the sequence number of the latest accepted submission.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}
