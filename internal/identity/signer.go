// signer.go - Signing identities backed by secp256k1 keys.
//
// Signatures are 65-byte compact recoverable ECDSA signatures, so a verifier recovers the
// signer's Address from (digest, signature) without being handed the public key.

package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer is the active signing identity of a client session.
// SignTypedData is the interactive path; implementations may refuse.
type Signer interface {
	Address() Address
	SignTypedData(ctx context.Context, td TypedData) ([]byte, error)
	SignDigest(ctx context.Context, digest [32]byte) ([]byte, error)
}

// ErrDeclined is returned by a Signer whose user refused to sign.
var ErrDeclined = errors.New("signature request declined")

// KeySigner signs with an in-memory private key and never prompts.
type KeySigner struct {
	key  *secp256k1.PrivateKey
	addr Address
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewKeySigner(key), nil
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(key *secp256k1.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: AddressFromPubKey(key.PubKey())}
}

// KeySignerFromHex parses a 32-byte hex private key.
func KeySignerFromHex(s string) (*KeySigner, error) {
	b, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(s, "0x")))
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("invalid private key encoding")
	}
	return NewKeySigner(secp256k1.PrivKeyFromBytes(b)), nil
}

// LoadKeySigner reads a hex private key file, creating one if it does not exist.
func LoadKeySigner(path string) (*KeySigner, error) {
	if data, err := os.ReadFile(path); err == nil {
		return KeySignerFromHex(string(data))
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	s, err := GenerateKeySigner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(s.Hex()), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return s, nil
}

func (s *KeySigner) Address() Address { return s.addr }

// Hex returns the private key encoding accepted by KeySignerFromHex.
func (s *KeySigner) Hex() string { return hex.EncodeToString(s.key.Serialize()) }

func (s *KeySigner) SignDigest(_ context.Context, digest [32]byte) ([]byte, error) {
	return ecdsa.SignCompact(s.key, digest[:], true), nil
}

func (s *KeySigner) SignTypedData(ctx context.Context, td TypedData) ([]byte, error) {
	return s.SignDigest(ctx, td.Digest())
}

// Recover returns the address that produced sig over digest.
func Recover(digest [32]byte, sig []byte) (Address, error) {
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return AddressFromPubKey(pub), nil
}

// Verify checks that sig over digest was produced by want.
func Verify(digest [32]byte, sig []byte, want Address) error {
	got, err := Recover(digest, sig)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("signature by %s, expected %s", got, want)
	}
	return nil
}
