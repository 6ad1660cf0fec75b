// kem.go - Hybrid KEM sealing of score inputs to the coprocessor.
//
// A sealed input is ct_kem || nonce || AES-256-GCM(value || blinding). The AES key is
// HKDF-SHA3-256(ss, context = SHA3-256(contract || submitter)), so the same bytes only open
// for the (contract, submitter) pair they were produced for.

package fhe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/hybrid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// scheme selects the hybrid PQC/classical KEM used for inputs.
var scheme = hybrid.Kyber768X25519()

var errShortCiphertext = errors.New("ciphertext too short")

func generateKEMKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// encapsulate runs the KEM against pub and derives a 32-byte key bound to m1, m2.
func encapsulate(pub, m1, m2 []byte) (ct, key []byte, err error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	ct, secret, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	return ct, deriveKey(secret, m1, m2), nil
}

// decapsulate mirrors encapsulate for the holder of the private key.
func decapsulate(priv, ct, m1, m2 []byte) ([]byte, error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	secret, err := scheme.Decapsulate(sk, ct)
	if err != nil {
		return nil, err
	}
	return deriveKey(secret, m1, m2), nil
}

func deriveKey(secret, m1, m2 []byte) []byte {
	h := sha3.New256()
	h.Write(m1)
	h.Write(m2)
	context := h.Sum(nil)

	hk := hkdf.New(sha3.New256, secret, nil, context)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hk, key); err != nil {
		panic(err)
	}
	return key
}

// sealTo encrypts plaintext for the KEM public key, binding m1, m2 and aad.
func sealTo(pub, m1, m2, plaintext, aad []byte) ([]byte, error) {
	ct, key, err := encapsulate(pub, m1, m2)
	if err != nil {
		return nil, fmt.Errorf("encapsulate: %w", err)
	}
	sealed, err := sealAESGCM(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(ct, sealed...), nil
}

// openFrom reverses sealTo.
func openFrom(priv, m1, m2, blob, aad []byte) ([]byte, error) {
	n := scheme.CiphertextSize()
	if len(blob) < n {
		return nil, errShortCiphertext
	}
	key, err := decapsulate(priv, blob[:n], m1, m2)
	if err != nil {
		return nil, fmt.Errorf("decapsulate: %w", err)
	}
	return openAESGCM(key, blob[n:], aad)
}

// sealAESGCM returns nonce || ciphertext.
func sealAESGCM(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func openAESGCM(key, blob, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errShortCiphertext
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, aad)
}
