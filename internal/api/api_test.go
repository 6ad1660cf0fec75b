package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialscore/internal/authz"
	"confidentialscore/internal/clock"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe/fhetest"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
	"confidentialscore/internal/notify"
	"confidentialscore/internal/workflow"
)

var (
	t0         = time.Unix(1_700_000_000, 0)
	ledgerAddr = identity.ContractAddress("ScoreLedger", fhetest.ChainID)
)

type denyAll struct{}

func (denyAll) Allow(identity.Address) bool { return false }

type env struct {
	fx     *fhetest.Fixture
	ledger *ledger.Ledger
	hub    *notify.Hub
	srv    *httptest.Server
	client *Client

	mu     sync.Mutex
	routes []string
	errors []error
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newEnv(t *testing.T, limiter Limiter) *env {
	t.Helper()
	clk := clock.NewFake(t0)
	fx := fhetest.New(t, clk)
	hub := notify.NewHub("test", notify.WithLogger(quiet()))
	l := ledger.New(ledgerAddr, fx.Coprocessor, ledger.WithClock(clk), ledger.WithNotifier(hub))

	e := &env{fx: fx, ledger: l, hub: hub}
	s := NewServer(Config{
		Coprocessor: fx.Coprocessor,
		Ledgers:     []*ledger.Ledger{l},
		Events:      hub,
		Limiter:     limiter,
		Clock:       clk,
		Log:         quiet(),
		Observer: func(route string, _ int, _ time.Duration) {
			e.mu.Lock()
			e.routes = append(e.routes, route)
			e.mu.Unlock()
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.errors = append(e.errors, err)
			e.mu.Unlock()
		},
	})
	e.srv = httptest.NewServer(s.Handler())
	t.Cleanup(e.srv.Close)
	e.client = NewClient(e.srv.URL, WithClientClock(clk))
	return e
}

func (e *env) session(t *testing.T, signer identity.Signer) *workflow.Session {
	t.Helper()
	book := workflow.AddressBook{fhetest.ChainID: {Ledger: ledgerAddr, Verifier: fhetest.Verifier}}
	return workflow.NewSession(workflow.Config{
		Env:       workflow.NewEnvironment(fhetest.ChainID, signer, book),
		Encrypter: e.fx.Encryptor,
		Ledger:    e.client,
		Decrypter: e.client,
		Authz:     authz.NewManager(authz.NewMemoryStore(), authz.WithClock(e.fx.Clock)),
		Log:       quiet(),
	})
}

func newSigner(t *testing.T) *identity.KeySigner {
	t.Helper()
	s, err := identity.GenerateKeySigner()
	require.NoError(t, err)
	return s
}

func TestPersonalBestOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	alice := newSigner(t)
	s := e.session(t, alice)

	for _, v := range []uint32{10, 7, 15} {
		res, err := s.SubmitScore(ctx, v)
		require.NoError(t, err)
		require.Equal(t, workflow.StatusSubmitted, res.Status)
	}

	got, err := s.DecryptMyScore(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(15), got)

	n, err := e.client.Count(ctx, ledgerAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := e.client.ByIndex(ctx, ledgerAddr, 0)
	require.NoError(t, err)
	assert.Equal(t, alice.Address(), p)

	ok, err := e.client.Exists(ctx, ledgerAddr, alice.Address())
	require.NoError(t, err)
	assert.True(t, ok)

	addrs, handles, err := e.client.GetAll(ctx, ledgerAddr)
	require.NoError(t, err)
	want, _ := e.ledger.Get(alice.Address())
	assert.Equal(t, []identity.Address{alice.Address()}, addrs)
	require.Len(t, handles, 1)
	assert.Equal(t, want, handles[0])

	events, err := e.client.Events(ctx, ledgerAddr, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	events, err = e.client.Events(ctx, ledgerAddr, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
}

func TestQueryErrors(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	stranger := identity.ContractAddress("stranger", 1)

	_, err := e.client.Get(ctx, ledgerAddr, stranger)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.client.ByIndex(ctx, ledgerAddr, 0)
	assert.ErrorIs(t, err, errs.ErrOutOfRange)

	ok, err := e.client.Exists(ctx, ledgerAddr, stranger)
	require.NoError(t, err)
	assert.False(t, ok)

	addrs, handles, err := e.client.GetAll(ctx, ledgerAddr)
	require.NoError(t, err)
	assert.Empty(t, addrs)
	assert.Empty(t, handles)

	_, err = e.client.Count(ctx, identity.ContractAddress("nowhere", 1))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	resp, err := http.Get(e.srv.URL + "/v1/ledgers/not-an-address/count")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Len(t, e.errors, 4, "every error response reaches the error observer")
	assert.ErrorIs(t, e.errors[0], errs.ErrNotFound)
	assert.ErrorIs(t, e.errors[1], errs.ErrOutOfRange)
	assert.ErrorIs(t, e.errors[3], errs.ErrBadRequest)
}

func TestSubmitAuthentication(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	alice := newSigner(t)
	mallory := newSigner(t)

	in, err := e.fx.Encryptor.Encrypt(ctx, 5, ledgerAddr, alice.Address())
	require.NoError(t, err)
	path := ledgerPath(ledgerAddr, "/submit")

	t.Run("forged sender", func(t *testing.T) {
		tx, err := SignSubmit(ctx, mallory, ledgerAddr, in, t0)
		require.NoError(t, err)
		tx.Sender = alice.Address()
		err = e.client.do(ctx, http.MethodPost, path, tx, nil)
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})

	t.Run("wrong ledger", func(t *testing.T) {
		tx, err := SignSubmit(ctx, alice, identity.ContractAddress("other", 1), in, t0)
		require.NoError(t, err)
		err = e.client.do(ctx, http.MethodPost, path, tx, nil)
		assert.ErrorIs(t, err, errs.ErrBadRequest)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		tx, err := SignSubmit(ctx, alice, ledgerAddr, in, t0.Add(-time.Hour))
		require.NoError(t, err)
		err = e.client.do(ctx, http.MethodPost, path, tx, nil)
		assert.ErrorIs(t, err, errs.ErrBadRequest)
	})

	t.Run("replay", func(t *testing.T) {
		tx, err := SignSubmit(ctx, alice, ledgerAddr, in, t0)
		require.NoError(t, err)
		require.NoError(t, e.client.do(ctx, http.MethodPost, path, tx, nil))
		err = e.client.do(ctx, http.MethodPost, path, tx, nil)
		assert.ErrorIs(t, err, errs.ErrBadRequest)
		assert.Equal(t, 1, e.ledger.Count())
	})

	t.Run("input bound to another user", func(t *testing.T) {
		_, err := e.client.Submit(ctx, ledgerAddr, mallory, in)
		assert.ErrorIs(t, err, errs.ErrVerificationFailed)
		assert.False(t, e.ledger.Exists(mallory.Address()))
	})
}

func TestSubmitThrottled(t *testing.T) {
	e := newEnv(t, denyAll{})
	alice := newSigner(t)
	in, err := e.fx.Encryptor.Encrypt(context.Background(), 1, ledgerAddr, alice.Address())
	require.NoError(t, err)

	_, err = e.client.Submit(context.Background(), ledgerAddr, alice, in)
	assert.ErrorIs(t, err, errs.ErrBusy)
	assert.Equal(t, errs.Retry, errs.RecoveryFor(err))
	assert.Zero(t, e.ledger.Count())
}

func TestNetworkAndMiddleware(t *testing.T) {
	e := newEnv(t, nil)
	n, err := e.client.Network(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(fhetest.ChainID), n.ChainID)
	assert.Equal(t, fhetest.Verifier, n.VerifyingContract)
	assert.Equal(t, []identity.Address{ledgerAddr}, n.Ledgers)
	assert.Equal(t, e.fx.Coprocessor.Network().KEMPublicKey, n.KEMPublicKey)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/network", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc", resp.Header.Get(RequestIDHeader))

	resp, err = http.Get(e.srv.URL + "/v1/network")
	require.NoError(t, err)
	resp.Body.Close()
	_, err = uuid.Parse(resp.Header.Get(RequestIDHeader))
	assert.NoError(t, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Contains(t, e.routes, "GET /v1/network")
}

func TestNonceCache(t *testing.T) {
	c := NewNonceCache(time.Minute)
	n := uuid.New()

	require.NoError(t, c.Check(n, t0.Unix(), t0))
	assert.ErrorIs(t, c.Check(n, t0.Unix(), t0.Add(time.Second)), errs.ErrBadRequest)
	assert.ErrorIs(t, c.Check(uuid.New(), t0.Add(2*time.Minute).Unix(), t0), errs.ErrBadRequest)

	// remembered nonces expire with the window
	require.NoError(t, c.Check(uuid.New(), t0.Add(2*time.Minute).Unix(), t0.Add(2*time.Minute)))
	assert.Equal(t, 1, c.Len())
}

func TestNonceCacheFutureDatedReplay(t *testing.T) {
	c := NewNonceCache(time.Minute)
	n := uuid.New()
	ts := t0.Add(time.Minute - time.Second).Unix()

	require.NoError(t, c.Check(n, ts, t0))
	// still inside the window of ts, so the nonce must still be remembered
	assert.ErrorIs(t, c.Check(n, ts, t0.Add(time.Minute+30*time.Second)), errs.ErrBadRequest)
	assert.Equal(t, 1, c.Len())

	// once ts is outside the window the window check refuses it on its own
	assert.ErrorIs(t, c.Check(n, ts, t0.Add(3*time.Minute)), errs.ErrBadRequest)
}
