package workflow

import (
	"context"
	"errors"
	"fmt"

	"confidentialscore/internal/authz"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/identity"
)

// DecryptMyScore returns the plaintext of the active participant's pending handle.
// A handle already decrypted is answered from the cleartext cache.
func (s *Session) DecryptMyScore(ctx context.Context) (uint32, error) {
	snap, signer, err := s.connected()
	if err != nil {
		return 0, err
	}
	h, ok := s.handles.Get(keyFor(snap))
	if !ok || h.IsZero() {
		return 0, fmt.Errorf("no pending handle for %s: %w", snap.Signer, errs.ErrNoValue)
	}
	if v, ok := s.cleartexts.Get(h); ok {
		return v, nil
	}

	if !s.decrypting.acquire(snap.Signer) {
		return 0, fmt.Errorf("decryption for %s in flight: %w", snap.Signer, errs.ErrBusy)
	}
	defer s.decrypting.release(snap.Signer)

	targets := []identity.Address{snap.Ledger}
	auth, err := s.authz.Get(ctx, signer, authz.Chain{ID: snap.ChainID, Verifier: snap.Verifier}, targets)
	if err != nil {
		return 0, err
	}

	if s.stale(snap) {
		return 0, fmt.Errorf("before decrypt: %w", errs.ErrStale)
	}
	out, err := s.dec.UserDecrypt(ctx, auth.Request(snap.Ledger, h))
	if s.stale(snap) {
		return 0, fmt.Errorf("after decrypt: %w", errs.ErrStale)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			if ierr := s.authz.Invalidate(ctx, snap.Signer, targets); ierr != nil {
				s.log.WithError(ierr).Warn("authorization invalidation failed")
			}
		}
		return 0, fmt.Errorf("user decrypt: %w", err)
	}

	r, ok := out[h]
	if !ok {
		return 0, fmt.Errorf("handle %s missing from response: %w", h.Redacted(), errs.ErrBackendUnavailable)
	}
	kp, err := auth.KeyPair()
	if err != nil {
		return 0, err
	}
	v, err := kp.Open(r)
	if err != nil {
		return 0, fmt.Errorf("open response: %w", err)
	}
	s.cleartexts.Put(h, v)
	return v, nil
}
