package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"confidentialscore/internal/clock"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/identity"
)

var (
	ledgerAddr = identity.ContractAddress("ScoreLedger", 31337)
	alice      = identity.ContractAddress("alice", 0)
	bob        = identity.ContractAddress("bob", 0)
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *fakeBackend) {
	t.Helper()
	b := newFakeBackend()
	opts = append([]Option{WithClock(clock.NewFake(time.Unix(1_700_000_000, 0)))}, opts...)
	return New(ledgerAddr, b, opts...), b
}

func submit(t *testing.T, l *Ledger, p identity.Address, v uint32) ScoreRecord {
	t.Helper()
	rec, err := l.Submit(context.Background(), p, fakeInput(v))
	require.NoError(t, err)
	return rec
}

func TestSubmitKeepsPersonalBest(t *testing.T) {
	l, b := newTestLedger(t)

	submit(t, l, alice, 10)
	assert.Equal(t, 1, l.Count())
	h, err := l.Get(alice)
	require.NoError(t, err)
	assert.EqualValues(t, 10, b.value(h))

	submit(t, l, alice, 7)
	assert.Equal(t, 1, l.Count(), "later submissions never grow the index")
	h, _ = l.Get(alice)
	assert.EqualValues(t, 10, b.value(h))

	submit(t, l, alice, 15)
	h, _ = l.Get(alice)
	assert.EqualValues(t, 15, b.value(h))
	assert.Equal(t, 2, b.maxN)
}

func TestGrantsOnEveryStoredHandle(t *testing.T) {
	l, b := newTestLedger(t)
	first := submit(t, l, alice, 3)
	assert.True(t, b.allowed(first.Handle, ledgerAddr))
	assert.True(t, b.allowed(first.Handle, alice))
	assert.False(t, b.allowed(first.Handle, bob))

	second := submit(t, l, alice, 4)
	assert.NotEqual(t, first.Handle, second.Handle)
	assert.True(t, b.allowed(second.Handle, ledgerAddr))
	assert.True(t, b.allowed(second.Handle, alice))
	assert.False(t, b.allowed(second.Handle, bob))
}

func TestQueries(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Get(bob)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.False(t, l.Exists(bob))
	_, err = l.ByIndex(0)
	assert.True(t, errors.Is(err, errs.ErrOutOfRange))

	submit(t, l, bob, 1)
	submit(t, l, alice, 100)

	assert.Equal(t, 2, l.Count())
	p0, err := l.ByIndex(0)
	require.NoError(t, err)
	p1, err := l.ByIndex(1)
	require.NoError(t, err)
	assert.Equal(t, []identity.Address{bob, alice}, []identity.Address{p0, p1}, "submission order, not score order")
	_, err = l.ByIndex(l.Count())
	assert.True(t, errors.Is(err, errs.ErrOutOfRange))
	_, err = l.ByIndex(-1)
	assert.True(t, errors.Is(err, errs.ErrOutOfRange))

	addrs, handles := l.GetAll()
	require.Len(t, addrs, l.Count())
	require.Len(t, handles, l.Count())
	for i, a := range addrs {
		h, _ := l.Get(a)
		assert.Equal(t, h, handles[i])
	}

	n := 0
	for p, h := range l.All() {
		assert.Equal(t, addrs[n], p)
		assert.Equal(t, handles[n], h)
		n++
	}
	assert.Equal(t, l.Count(), n)

	// restartable, early stop
	for range l.All() {
		break
	}
	n = 0
	for range l.All() {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestFailuresLeaveLedgerUnchanged(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*Ledger, *fakeBackend)
		opts  []Option
		want  error
	}{
		{
			name:  "verification",
			setup: func(_ *Ledger, b *fakeBackend) { b.failVerify = fmt.Errorf("bad proof: %w", errs.ErrVerificationFailed) },
			want:  errs.ErrVerificationFailed,
		},
		{
			name:  "max unavailable",
			setup: func(_ *Ledger, b *fakeBackend) { b.failMax = errs.ErrBackendUnavailable },
			want:  errs.ErrBackendUnavailable,
		},
		{
			name:  "allow unavailable",
			setup: func(_ *Ledger, b *fakeBackend) { b.failAllow = errs.ErrBackendUnavailable },
			want:  errs.ErrBackendUnavailable,
		},
		{
			name: "journal",
			opts: []Option{WithJournal(failingJournal{err: errors.New("disk full")})},
			want: errs.ErrBackendUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var l *Ledger
			var b *fakeBackend
			if tc.opts == nil {
				l, b = newTestLedger(t)
				submit(t, l, alice, 5)
			} else {
				// the journal rejects every write, so the ledger starts empty
				l, b = newTestLedger(t, tc.opts...)
			}
			beforeCount := l.Count()
			beforeHandle, _ := l.Get(alice)
			beforeSeq := l.Seq()

			if tc.setup != nil {
				tc.setup(l, b)
			}
			_, err := l.Submit(context.Background(), alice, fakeInput(50))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)

			assert.Equal(t, beforeCount, l.Count())
			h, _ := l.Get(alice)
			assert.Equal(t, beforeHandle, h)
			if tc.opts == nil {
				assert.Equal(t, beforeSeq, l.Seq())
			}
		})
	}
}

func TestRejectDuplicatesPolicy(t *testing.T) {
	l, b := newTestLedger(t, WithDuplicatePolicy(RejectDuplicates))
	submit(t, l, alice, 5)
	verified := b.verifyN

	_, err := l.Submit(context.Background(), alice, fakeInput(9))
	assert.True(t, errors.Is(err, errs.ErrDuplicate))
	assert.Equal(t, verified, b.verifyN, "no backend call for a rejected duplicate")
	h, _ := l.Get(alice)
	assert.EqualValues(t, 5, b.value(h))
}

func TestConcurrentSubmissionsSameParticipant(t *testing.T) {
	l, b := newTestLedger(t)
	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(v uint32) {
			defer wg.Done()
			_, err := l.Submit(context.Background(), alice, fakeInput(v))
			assert.NoError(t, err)
		}(uint32(i))
	}
	wg.Wait()

	assert.Equal(t, 1, l.Count())
	h, err := l.Get(alice)
	require.NoError(t, err)
	assert.EqualValues(t, 32, b.value(h))
}

func TestNotifierReceivesEvents(t *testing.T) {
	n := &recordingNotifier{}
	l, _ := newTestLedger(t, WithNotifier(n))
	submit(t, l, alice, 1)
	submit(t, l, bob, 2)
	submit(t, l, alice, 3)

	require.Len(t, n.events, 3)
	assert.Equal(t, alice, n.events[0].Participant)
	assert.Equal(t, bob, n.events[1].Participant)
	assert.Equal(t, uint64(3), n.events[2].Seq)
	assert.Equal(t, ledgerAddr, n.events[2].Ledger)
	assert.False(t, n.events[0].Timestamp.IsZero())
}

func TestFileJournalReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	b := newFakeBackend()
	l, err := Open(context.Background(), ledgerAddr, b, WithJournal(NewFileJournal(path)))
	require.NoError(t, err)

	_, err = l.Submit(context.Background(), bob, fakeInput(4))
	require.NoError(t, err)
	_, err = l.Submit(context.Background(), alice, fakeInput(8))
	require.NoError(t, err)
	_, err = l.Submit(context.Background(), bob, fakeInput(6))
	require.NoError(t, err)
	wantAddrs, wantHandles := l.GetAll()

	restored, err := Open(context.Background(), ledgerAddr, b, WithJournal(NewFileJournal(path)))
	require.NoError(t, err)
	addrs, handles := restored.GetAll()
	assert.Equal(t, wantAddrs, addrs)
	assert.Equal(t, wantHandles, handles)
	assert.Equal(t, l.Seq(), restored.Seq())

	hb, _ := restored.Get(bob)
	assert.EqualValues(t, 6, b.value(hb))
}

func TestConcurrentFirstSubmissionsKeepJournalOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	b := newFakeBackend()
	n := &recordingNotifier{}
	j := newHoldingJournal(NewFileJournal(path), alice)
	l, err := Open(ctx, ledgerAddr, b, WithJournal(j), WithNotifier(n))
	require.NoError(t, err)

	aliceDone := make(chan error, 1)
	go func() {
		_, err := l.Submit(ctx, alice, fakeInput(3))
		aliceDone <- err
	}()
	<-j.entered

	bobDone := make(chan error, 1)
	go func() {
		_, err := l.Submit(ctx, bob, fakeInput(5))
		bobDone <- err
	}()
	assert.Never(t, func() bool { return len(bobDone) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"bob commits only after alice's journal write")

	close(j.release)
	require.NoError(t, <-aliceDone)
	require.NoError(t, <-bobDone)

	live, _ := l.GetAll()
	assert.Equal(t, []identity.Address{alice, bob}, live)

	restored, err := Open(ctx, ledgerAddr, b, WithJournal(NewFileJournal(path)))
	require.NoError(t, err)
	addrs, _ := restored.GetAll()
	assert.Equal(t, live, addrs)

	require.Len(t, n.events, 2)
	assert.Equal(t, alice, n.events[0].Participant)
	assert.Less(t, n.events[0].Seq, n.events[1].Seq)
}

func TestZeroParticipantRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Submit(context.Background(), identity.Address{}, fakeInput(1))
	assert.True(t, errors.Is(err, errs.ErrBadRequest))
}

// The final record holds the max of all submissions in any arrival order.
func TestPermutationInvariance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		values := rapid.SliceOfN(rapid.Uint32(), 1, 12).Draw(rt, "values")
		perm := rapid.Permutation(values).Draw(rt, "perm")

		var want uint32
		for _, v := range values {
			want = max(want, v)
		}
		for _, order := range [][]uint32{values, perm} {
			b := newFakeBackend()
			l := New(ledgerAddr, b)
			for _, v := range order {
				if _, err := l.Submit(context.Background(), alice, fakeInput(v)); err != nil {
					rt.Fatalf("submit %d: %v", v, err)
				}
			}
			h, err := l.Get(alice)
			if err != nil {
				rt.Fatal(err)
			}
			if got := b.value(h); got != want {
				rt.Fatalf("order %v: got %d, want %d", order, got, want)
			}
			if l.Count() != 1 {
				rt.Fatalf("count %d", l.Count())
			}
		}
	})
}
