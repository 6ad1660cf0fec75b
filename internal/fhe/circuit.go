// circuit.go - Zero-knowledge circuit proving an encrypted score input is well formed.
//
// Public inputs:  Commitment = MiMC(Value, Blinding, Context), Context = MiMC(contract, submitter)
// Private inputs: Value (score), Blinding (random field element)
// Constraints:
//  1. Value fits in ScoreBits bits
//  2. Commitment opens to (Value, Blinding, Context)

package fhe

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"confidentialscore/internal/identity"
)

// ScoreBits is the plaintext width of a score.
const ScoreBits = 32

// CircuitScoreInput is the input well-formedness circuit.
type CircuitScoreInput struct {
	Commitment frontend.Variable `gnark:",public"`
	Context    frontend.Variable `gnark:",public"`

	Value    frontend.Variable
	Blinding frontend.Variable
}

// Define declares the circuit constraints.
func (c *CircuitScoreInput) Define(api frontend.API) error {
	// 1. Range check
	api.ToBinary(c.Value, ScoreBits)

	// 2. Commitment opening, bound to the (contract, submitter) context
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.Value, c.Blinding, c.Context)
	api.AssertIsEqual(h.Sum(), c.Commitment)
	return nil
}

// bindingContext hashes the (contract, submitter) pair an input is encrypted for.
func bindingContext(contract, user identity.Address) fr.Element {
	h := mimcNative.NewMiMC()
	h.Write(elementBytes(new(big.Int).SetBytes(contract[:])))
	h.Write(elementBytes(new(big.Int).SetBytes(user[:])))
	var e fr.Element
	e.SetBytes(h.Sum(nil))
	return e
}

// commitment computes MiMC(value, blinding, context) natively, matching the circuit.
func commitment(value uint32, blinding, context *fr.Element) fr.Element {
	h := mimcNative.NewMiMC()
	h.Write(elementBytes(new(big.Int).SetUint64(uint64(value))))
	b := blinding.Bytes()
	h.Write(b[:])
	c := context.Bytes()
	h.Write(c[:])
	var e fr.Element
	e.SetBytes(h.Sum(nil))
	return e
}

func elementBytes(v *big.Int) []byte {
	var e fr.Element
	e.SetBigInt(v)
	b := e.Bytes()
	return b[:]
}
