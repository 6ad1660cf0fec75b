package api

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/google/uuid"

	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

const submitDomain = "confidentialscore/submit/v1"

// SubmitTx is a signed submission. The signature covers every field but itself.
type SubmitTx struct {
	Ledger    identity.Address `json:"ledger"`
	Sender    identity.Address `json:"sender"`
	Input     fhe.Input        `json:"input"`
	Nonce     uuid.UUID        `json:"nonce"`
	Timestamp int64            `json:"timestamp"`
	Signature []byte           `json:"signature"`
}

// Digest is the blake256 hash the sender signs.
func (tx SubmitTx) Digest() [32]byte {
	h := blake256.New()
	h.Write([]byte(submitDomain))
	h.Write(tx.Ledger[:])
	h.Write(tx.Sender[:])
	h.Write(tx.Input.Handle[:])
	for _, part := range [][]byte{tx.Input.Ciphertext, tx.Input.Commitment, tx.Input.Proof} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	h.Write(tx.Nonce[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tx.Timestamp))
	h.Write(ts[:])

	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

// Verify checks that Sender produced Signature.
func (tx SubmitTx) Verify() error {
	if err := identity.Verify(tx.Digest(), tx.Signature, tx.Sender); err != nil {
		return fmt.Errorf("submit signature: %v: %w", err, errs.ErrUnauthorized)
	}
	return nil
}

// SignSubmit builds and signs a transaction for signer.
func SignSubmit(ctx context.Context, signer identity.Signer, ledgerAddr identity.Address, in fhe.Input, now time.Time) (SubmitTx, error) {
	tx := SubmitTx{
		Ledger:    ledgerAddr,
		Sender:    signer.Address(),
		Input:     in,
		Nonce:     uuid.New(),
		Timestamp: now.Unix(),
	}
	sig, err := signer.SignDigest(ctx, tx.Digest())
	if err != nil {
		return SubmitTx{}, fmt.Errorf("sign submit: %w", err)
	}
	tx.Signature = sig
	return tx, nil
}

// NonceCache rejects replayed transactions. A timestamp further than ttl from now is
// refused outright, and a nonce is remembered until its timestamp leaves that window.
type NonceCache struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[uuid.UUID]time.Time // nonce -> expiry
}

func NewNonceCache(ttl time.Duration) *NonceCache {
	return &NonceCache{ttl: ttl, seen: make(map[uuid.UUID]time.Time)}
}

// Check records nonce if it is fresh.
func (c *NonceCache) Check(nonce uuid.UUID, timestamp int64, now time.Time) error {
	ts := time.Unix(timestamp, 0)
	if ts.Before(now.Add(-c.ttl)) || ts.After(now.Add(c.ttl)) {
		return fmt.Errorf("transaction timestamp %d outside accepted window: %w", timestamp, errs.ErrBadRequest)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for n, expiry := range c.seen {
		if now.After(expiry) {
			delete(c.seen, n)
		}
	}
	if _, dup := c.seen[nonce]; dup {
		return fmt.Errorf("replayed nonce %s: %w", nonce, errs.ErrBadRequest)
	}
	c.seen[nonce] = maxTime(now, ts).Add(c.ttl)
	return nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Len returns the number of remembered nonces.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
