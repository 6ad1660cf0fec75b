// Package api exposes ledgers and the coprocessor over HTTP and provides the matching
// client. Errors travel as HTTP status codes produced by errs.Status and are turned back
// into sentinels by the client.
package api

import (
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

// NetworkInfo is served by GET /v1/network.
type NetworkInfo struct {
	ChainID           uint64             `json:"chainId"`
	VerifyingContract identity.Address   `json:"verifyingContract"`
	KEMPublicKey      []byte             `json:"kemPublicKey"`
	Ledgers           []identity.Address `json:"ledgers"`
}

type countResponse struct {
	Count int `json:"count"`
}

type indexResponse struct {
	Participant identity.Address `json:"participant"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type allResponse struct {
	Participants []identity.Address `json:"participants"`
	Handles      []fhe.Handle       `json:"handles"`
}

type eventsResponse struct {
	Events []ledger.Event `json:"events"`
}

// DecryptedValue is one entry of a decrypt response.
type DecryptedValue struct {
	Handle fhe.Handle      `json:"handle"`
	Value  fhe.Reencrypted `json:"value"`
}

type decryptResponse struct {
	Values []DecryptedValue `json:"values"`
}

type errorResponse struct {
	Error string `json:"error"`
}
