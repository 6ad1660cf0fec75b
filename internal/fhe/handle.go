package fhe

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HandleLength is the byte length of a Handle.
const HandleLength = 32

// Handle is an opaque reference to an encrypted value held by the coprocessor.
// The zero Handle is the canonical "no value" sentinel.
type Handle [HandleLength]byte

// ParseHandle parses a 0x-prefixed hex handle.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != HandleLength {
		return h, fmt.Errorf("invalid handle %q", s)
	}
	copy(h[:], b)
	return h, nil
}

func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Handle) String() string { return h.Hex() }

// Redacted returns a short display form.
func (h Handle) Redacted() string {
	s := hex.EncodeToString(h[:])
	return "0x" + s[:6] + "…" + s[len(s)-4:]
}

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	parsed, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func deriveHandle(domain string, parts ...[]byte) Handle {
	d := sha3.New256()
	d.Write([]byte(domain))
	for _, p := range parts {
		d.Write(p)
	}
	var h Handle
	copy(h[:], d.Sum(nil))
	return h
}
