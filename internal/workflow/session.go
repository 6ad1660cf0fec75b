// Package workflow runs the client side of score submission and decryption.
//
// Every operation captures an environment Snapshot before it suspends on an external call
// and compares it on resume. A result produced for a chain, ledger or signer that is no
// longer active is discarded with errs.ErrStale and never applied or cached.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"confidentialscore/internal/authz"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

// Encrypter turns a plaintext score into an input bound to (contract, user).
type Encrypter interface {
	Encrypt(ctx context.Context, value uint32, contract, user identity.Address) (fhe.Input, error)
}

// LedgerClient is the ledger contract surface. Submit is authenticated as signer.
type LedgerClient interface {
	Submit(ctx context.Context, ledgerAddr identity.Address, signer identity.Signer, in fhe.Input) (ledger.ScoreRecord, error)
	Get(ctx context.Context, ledgerAddr, participant identity.Address) (fhe.Handle, error)
}

// Decrypter is the backend's user decryption entry point.
type Decrypter interface {
	UserDecrypt(ctx context.Context, req fhe.DecryptRequest) (map[fhe.Handle]fhe.Reencrypted, error)
}

// Authorizer hands out decryption credentials.
type Authorizer interface {
	Get(ctx context.Context, signer identity.Signer, chain authz.Chain, targets []identity.Address) (authz.Authorization, error)
	Invalidate(ctx context.Context, owner identity.Address, targets []identity.Address) error
}

// Config wires a Session. Handles and Cleartexts are created when nil.
type Config struct {
	Env        *Environment
	Encrypter  Encrypter
	Ledger     LedgerClient
	Decrypter  Decrypter
	Authz      Authorizer
	Handles    *HandleCache
	Cleartexts *CleartextCache
	Log        logrus.FieldLogger
}

// Session is one client's view of the ledger.
type Session struct {
	env        *Environment
	enc        Encrypter
	ledger     LedgerClient
	dec        Decrypter
	authz      Authorizer
	handles    *HandleCache
	cleartexts *CleartextCache
	log        logrus.FieldLogger

	submitting inflight
	decrypting inflight
}

func NewSession(cfg Config) *Session {
	s := &Session{
		env:        cfg.Env,
		enc:        cfg.Encrypter,
		ledger:     cfg.Ledger,
		dec:        cfg.Decrypter,
		authz:      cfg.Authz,
		handles:    cfg.Handles,
		cleartexts: cfg.Cleartexts,
		log:        cfg.Log,
	}
	if s.handles == nil {
		s.handles = NewHandleCache()
	}
	if s.cleartexts == nil {
		s.cleartexts = NewCleartextCache()
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.env.OnChange(s.onChange)
	return s
}

func (s *Session) onChange(old, cur Snapshot) {
	s.handles.Clear()
	s.cleartexts.Clear()
	if old.Connected() && s.authz != nil {
		if err := s.authz.Invalidate(context.Background(), old.Signer, []identity.Address{old.Ledger}); err != nil {
			s.log.WithError(err).Warn("authorization invalidation failed")
		}
	}
	s.log.WithFields(logrus.Fields{
		"chain":  cur.ChainID,
		"signer": cur.Signer.Hex(),
		"ledger": cur.Ledger.Hex(),
	}).Info("environment changed, client caches dropped")
}

func (s *Session) connected() (Snapshot, identity.Signer, error) {
	snap, signer := s.env.Current()
	if !snap.Connected() || signer == nil {
		return Snapshot{}, nil, fmt.Errorf("no signer or ledger on chain %d: %w", snap.ChainID, errs.ErrNotConnected)
	}
	return snap, signer, nil
}

func (s *Session) stale(snap Snapshot) bool { return s.env.Snapshot() != snap }

// Environment returns the session's environment.
func (s *Session) Environment() *Environment { return s.env }

// PendingHandle returns the cached handle of the active participant.
func (s *Session) PendingHandle() (fhe.Handle, bool) {
	return s.handles.Get(keyFor(s.env.Snapshot()))
}

// Refresh re-reads the active participant's handle from the ledger. A participant with no
// record gets the zero handle.
func (s *Session) Refresh(ctx context.Context) (fhe.Handle, error) {
	snap, _, err := s.connected()
	if err != nil {
		return fhe.Handle{}, err
	}
	h, err := s.ledger.Get(ctx, snap.Ledger, snap.Signer)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fhe.Handle{}, err
	}
	if s.stale(snap) {
		return fhe.Handle{}, fmt.Errorf("refresh: %w", errs.ErrStale)
	}
	s.handles.Put(keyFor(snap), h)
	return h, nil
}
