package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/ledger"
)

// SubmitStatus is the outcome of SubmitScore when it returns no error.
type SubmitStatus int

const (
	StatusSubmitted SubmitStatus = iota
	// StatusBusy means another submission for the participant was in flight; nothing was done.
	StatusBusy
)

func (s SubmitStatus) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// SubmitResult reports what SubmitScore did.
type SubmitResult struct {
	Status SubmitStatus
	Record ledger.ScoreRecord
	// Handle is the refreshed pending handle; zero if the refresh did not complete.
	Handle fhe.Handle
}

// SubmitScore encrypts score for the active (ledger, signer) pair and submits it once.
// If the environment changed while encrypting, nothing is submitted and ErrStale is returned.
func (s *Session) SubmitScore(ctx context.Context, score uint32) (SubmitResult, error) {
	snap, signer, err := s.connected()
	if err != nil {
		return SubmitResult{}, err
	}
	if !s.submitting.acquire(snap.Signer) {
		return SubmitResult{Status: StatusBusy}, nil
	}
	defer s.submitting.release(snap.Signer)

	in, err := s.enc.Encrypt(ctx, score, snap.Ledger, snap.Signer)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encrypt: %w", err)
	}
	if s.stale(snap) {
		s.log.WithField("signer", snap.Signer.Hex()).Warn("environment changed during encryption, submission dropped")
		return SubmitResult{}, fmt.Errorf("encrypted for %s on chain %d: %w", snap.Ledger, snap.ChainID, errs.ErrStale)
	}

	rec, err := s.ledger.Submit(ctx, snap.Ledger, signer, in)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}
	res := SubmitResult{Status: StatusSubmitted, Record: rec}

	h, err := s.Refresh(ctx)
	if err != nil {
		// the submission itself succeeded; the caller can refresh again
		s.log.WithError(err).Warn("pending handle refresh failed")
		return res, nil
	}
	res.Handle = h
	s.log.WithFields(logrus.Fields{"signer": snap.Signer.Hex(), "handle": h.Redacted()}).Info("score submitted")
	return res, nil
}
