// Package fhe implements the encrypted value backend used by the score ledger.
//
// Overview:
//   - Clients encrypt a 32-bit score with an Encryptor, producing an Input: a hybrid-KEM
//     sealed (value, blinding) pair, a MiMC commitment and a Groth16 proof that the committed
//     value is a 32-bit integer bound to a (contract, submitter) pair
//   - The Coprocessor verifies inputs, keeps the ciphertext table keyed by opaque Handles,
//     evaluates Max over two handles into a fresh handle, and enforces per-handle ACLs
//   - Owners recover plaintexts through UserDecrypt, which checks a signed, time-boxed
//     permit and re-encrypts each value to the permit's ephemeral BLS12-377 public key
//
// Security Model:
//   - Inputs are sealed with Kyber768+X25519 (circl hybrid KEM), the KDF context binds the
//     contract and submitter addresses, so an input replayed for another pair fails to open
//   - Commitments use BN254 MiMC; proofs are Groth16 over BN254 (gnark)
//   - Stored values are sealed with AES-256-GCM under the coprocessor storage key and are
//     never returned in the clear; only re-encrypted outputs leave the coprocessor
//   - Re-encryption masks come from a BW6-761 MiMC hash of an ephemeral DH shared point
//
// The coprocessor models the network's FHE service: Max is evaluated inside its trust
// boundary and callers only ever see handles.
package fhe
