// typeddata.go - Structured, domain-separated messages for decryption authorizations.
//
// The encoding follows the EIP-712 layout (type hash, per-field 32-byte words, a domain
// separator and a 0x1901 prefix) with blake256 as the hash function.

package identity

import (
	"encoding/binary"

	"github.com/decred/dcrd/crypto/blake256"
)

const (
	domainType = "Domain(string name,string version,uint256 chainId,address verifyingContract)"
	permitType = "UserDecryptRequest(bytes publicKey,address[] contractAddresses,uint256 startTimestamp,uint256 durationDays)"
)

var (
	domainTypeHash = blake256.Sum256([]byte(domainType))
	permitTypeHash = blake256.Sum256([]byte(permitType))
)

// Domain binds a message to one verifier on one chain.
type Domain struct {
	Name              string  `json:"name"`
	Version           string  `json:"version"`
	ChainID           uint64  `json:"chainId"`
	VerifyingContract Address `json:"verifyingContract"`
}

// DecryptPermit is the message an owner signs to let the backend re-encrypt
// values under PublicKey for the listed contracts.
type DecryptPermit struct {
	PublicKey         []byte    `json:"publicKey"`
	ContractAddresses []Address `json:"contractAddresses"`
	StartTimestamp    int64     `json:"startTimestamp"`
	DurationDays      uint32    `json:"durationDays"`
}

// TypedData is what a Signer is asked to sign.
type TypedData struct {
	Domain  Domain        `json:"domain"`
	Message DecryptPermit `json:"message"`
}

// Separator returns the domain separator hash.
func (d Domain) Separator() [32]byte {
	name := blake256.Sum256([]byte(d.Name))
	version := blake256.Sum256([]byte(d.Version))
	buf := make([]byte, 0, 5*32)
	buf = append(buf, domainTypeHash[:]...)
	buf = append(buf, name[:]...)
	buf = append(buf, version[:]...)
	buf = append(buf, word(d.ChainID)...)
	buf = append(buf, addressWord(d.VerifyingContract)...)
	return blake256.Sum256(buf)
}

// StructHash hashes the permit. Contract addresses are hashed in the order given;
// callers sign sorted sets.
func (p DecryptPermit) StructHash() [32]byte {
	pk := blake256.Sum256(p.PublicKey)
	addrs := make([]byte, 0, 32*len(p.ContractAddresses))
	for _, a := range p.ContractAddresses {
		addrs = append(addrs, addressWord(a)...)
	}
	addrsHash := blake256.Sum256(addrs)
	buf := make([]byte, 0, 5*32)
	buf = append(buf, permitTypeHash[:]...)
	buf = append(buf, pk[:]...)
	buf = append(buf, addrsHash[:]...)
	buf = append(buf, word(uint64(p.StartTimestamp))...)
	buf = append(buf, word(uint64(p.DurationDays))...)
	return blake256.Sum256(buf)
}

// Digest is the 32-byte value actually signed.
func (td TypedData) Digest() [32]byte {
	sep := td.Domain.Separator()
	sh := td.Message.StructHash()
	buf := make([]byte, 0, 2+64)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, sep[:]...)
	buf = append(buf, sh[:]...)
	return blake256.Sum256(buf)
}

func word(v uint64) []byte {
	w := make([]byte, 32)
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}

func addressWord(a Address) []byte {
	w := make([]byte, 32)
	copy(w[32-AddressLength:], a[:])
	return w
}
