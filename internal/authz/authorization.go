// Package authz builds, caches and validates the time-boxed credentials that let an owner
// decrypt their own values.
//
// A credential is an ephemeral BLS12-377 keypair plus the owner's signature over a typed
// permit naming the keypair, the target contracts and a validity window. It is cached per
// (owner, sorted targets) and discarded whenever it no longer matches the active owner,
// target set or chain, or its window has passed.
package authz

import (
	"strings"
	"time"

	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

// DefaultDurationDays is how long a fresh credential lasts.
const DefaultDurationDays = 10

// Chain identifies where a credential is usable: the chain and its decryption verifier.
type Chain struct {
	ID       uint64           `json:"id"`
	Verifier identity.Address `json:"verifier"`
}

// Authorization is a signed decryption credential.
type Authorization struct {
	PublicKey    []byte             `json:"publicKey"`
	PrivateKey   []byte             `json:"privateKey"`
	Signature    []byte             `json:"signature"`
	StartTime    int64              `json:"startTime"`
	DurationDays uint32             `json:"durationDays"`
	Owner        identity.Address   `json:"owner"`
	Chain        Chain              `json:"chain"`
	Targets      []identity.Address `json:"targets"` // sorted
}

// Start returns the beginning of the validity window.
func (a Authorization) Start() time.Time { return time.Unix(a.StartTime, 0) }

// Expiry returns the first instant the credential is no longer valid.
func (a Authorization) Expiry() time.Time {
	return a.Start().Add(time.Duration(a.DurationDays) * 24 * time.Hour)
}

// ValidAt reports whether now lies in [Start, Expiry).
func (a Authorization) ValidAt(now time.Time) bool {
	return !now.Before(a.Start()) && now.Before(a.Expiry())
}

// Matches reports whether the credential was made for owner, chain and exactly targets.
func (a Authorization) Matches(owner identity.Address, chain Chain, targets []identity.Address) bool {
	return a.Owner == owner && a.Chain == chain && identity.SameAddressSet(a.Targets, targets)
}

// KeyPair rebuilds the ephemeral keypair.
func (a Authorization) KeyPair() (*fhe.KeyPair, error) {
	return fhe.KeyPairFromSecret(a.PrivateKey)
}

// TypedData is the permit the owner signed.
func (a Authorization) TypedData() identity.TypedData {
	return permit(a.Chain, a.PublicKey, a.Targets, a.StartTime, a.DurationDays)
}

// Request builds the coprocessor request for the given handles, all read through contract.
func (a Authorization) Request(contract identity.Address, handles ...fhe.Handle) fhe.DecryptRequest {
	pairs := make([]fhe.HandlePair, len(handles))
	for i, h := range handles {
		pairs[i] = fhe.HandlePair{Handle: h, Contract: contract}
	}
	return fhe.DecryptRequest{
		Pairs:             pairs,
		User:              a.Owner,
		PublicKey:         a.PublicKey,
		Signature:         a.Signature,
		ContractAddresses: a.Targets,
		StartTimestamp:    a.StartTime,
		DurationDays:      a.DurationDays,
	}
}

func permit(chain Chain, pub []byte, targets []identity.Address, start int64, days uint32) identity.TypedData {
	return identity.TypedData{
		Domain: fhe.DecryptionDomain(chain.ID, chain.Verifier),
		Message: identity.DecryptPermit{
			PublicKey:         pub,
			ContractAddresses: targets,
			StartTimestamp:    start,
			DurationDays:      days,
		},
	}
}

// Key is the cache key for (owner, targets).
func Key(owner identity.Address, targets []identity.Address) string {
	sorted := identity.SortedAddresses(targets)
	parts := make([]string, len(sorted))
	for i, t := range sorted {
		parts[i] = t.Hex()
	}
	return "authz:" + owner.Hex() + ":" + strings.Join(parts, ",")
}
