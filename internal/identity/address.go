// address.go - Account identifiers for participants, ledgers and verifying contracts.
//
// An Address is the last 20 bytes of the blake256 digest of an uncompressed secp256k1
// public key (without the 0x04 prefix). Contract addresses are derived from a name and
// a chain id so that a deployment is reproducible from configuration alone.

package identity

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AddressLength is the byte length of an Address.
const AddressLength = 20

// Address identifies a participant or a contract.
type Address [AddressLength]byte

// AddressFromPubKey derives the address controlled by pub.
func AddressFromPubKey(pub *secp256k1.PublicKey) Address {
	h := blake256.Sum256(pub.SerializeUncompressed()[1:])
	var a Address
	copy(a[:], h[32-AddressLength:])
	return a
}

// ContractAddress derives the address of a named contract deployed on chainID.
func ContractAddress(name string, chainID uint64) Address {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], chainID)
	h := blake256.New()
	h.Write([]byte("contract:"))
	h.Write([]byte(name))
	h.Write(chain[:])
	var a Address
	copy(a[:], h.Sum(nil)[32-AddressLength:])
	return a
}

// ParseAddress parses a 0x-prefixed (or bare) 40-digit hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*AddressLength {
		return a, fmt.Errorf("invalid address length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address: %w", err)
	}
	copy(a[:], b)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SortedAddresses returns a sorted, de-duplicated copy of addrs.
func SortedAddresses(addrs []Address) []Address {
	out := make([]Address, 0, len(addrs))
	seen := make(map[Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// SameAddressSet reports whether a and b contain exactly the same addresses.
func SameAddressSet(a, b []Address) bool {
	sa, sb := SortedAddresses(a), SortedAddresses(b)
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
