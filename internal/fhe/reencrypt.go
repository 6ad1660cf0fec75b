// reencrypt.go - Re-encryption of plaintexts to a user's ephemeral BLS12-377 key.
//
// For each value the coprocessor draws a fresh ephemeral keypair (e, E = e*G), computes
// the DH point S = e*P with the recipient key P, and masks the big-endian value with the
// BW6-761 MiMC hash of (S.X, S.Y). The recipient recovers S = p*E and removes the mask.

package fhe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// KeyPair is a BLS12-377 keypair used for re-encryption.
type KeyPair struct {
	Secret bls12377_fr.Element
	Public bls12377.G1Affine
}

// GenerateKeyPair draws a random BLS12-377 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var sk bls12377_fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, err
	}
	return keyPairFromScalar(&sk), nil
}

// KeyPairFromSecret rebuilds a keypair from its serialized secret scalar.
func KeyPairFromSecret(secret []byte) (*KeyPair, error) {
	if len(secret) != bls12377_fr.Bytes {
		return nil, fmt.Errorf("secret key: want %d bytes, got %d", bls12377_fr.Bytes, len(secret))
	}
	var sk bls12377_fr.Element
	sk.SetBytes(secret)
	return keyPairFromScalar(&sk), nil
}

func keyPairFromScalar(sk *bls12377_fr.Element) *KeyPair {
	g1Jac, _, _, _ := bls12377.Generators()
	var pk bls12377.G1Affine
	pk.FromJacobian(&g1Jac)
	pk.ScalarMultiplication(&pk, sk.BigInt(new(big.Int)))
	return &KeyPair{Secret: *sk, Public: pk}
}

// PublicBytes returns the serialized public key.
func (k *KeyPair) PublicBytes() []byte { return k.Public.Marshal() }

// SecretBytes returns the serialized secret scalar.
func (k *KeyPair) SecretBytes() []byte {
	b := k.Secret.Bytes()
	return b[:]
}

// ParsePublicKey decodes a serialized BLS12-377 G1 point.
func ParsePublicKey(b []byte) (*bls12377.G1Affine, error) {
	var p bls12377.G1Affine
	if err := p.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if p.IsInfinity() {
		return nil, errors.New("public key: point at infinity")
	}
	return &p, nil
}

// Reencrypted is a value masked for one recipient key.
type Reencrypted struct {
	Ephemeral []byte `json:"ephemeral"`
	Masked    []byte `json:"masked"`
}

// Open removes the mask with the recipient's secret key.
func (k *KeyPair) Open(r Reencrypted) (uint32, error) {
	eph, err := ParsePublicKey(r.Ephemeral)
	if err != nil {
		return 0, err
	}
	if len(r.Masked) != 4 {
		return 0, fmt.Errorf("masked value: want 4 bytes, got %d", len(r.Masked))
	}
	shared := computeShared(&k.Secret, eph)
	plain := xorPad(r.Masked, valueMask(shared))
	return binary.BigEndian.Uint32(plain), nil
}

func reencrypt(value uint32, recipient *bls12377.G1Affine) (Reencrypted, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return Reencrypted{}, err
	}
	shared := computeShared(&eph.Secret, recipient)
	var plain [4]byte
	binary.BigEndian.PutUint32(plain[:], value)
	return Reencrypted{
		Ephemeral: eph.PublicBytes(),
		Masked:    xorPad(plain[:], valueMask(shared)),
	}, nil
}

func computeShared(sk *bls12377_fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

// valueMask returns the 4-byte mask derived from a shared point.
func valueMask(shared *bls12377.G1Affine) []byte {
	h := mimcNative.NewMiMC()
	x := shared.X.Bytes()
	y := shared.Y.Bytes()
	h.Write(x[:])
	h.Write(y[:])
	return h.Sum(nil)[:4]
}

// xorPad xors two byte slices, truncating to the shorter one.
func xorPad(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}
