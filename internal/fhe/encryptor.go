package fhe

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"confidentialscore/internal/identity"
)

// Input is an encrypted score ready for submission.
type Input struct {
	Handle     Handle `json:"handle"`
	Ciphertext []byte `json:"ciphertext"`
	Commitment []byte `json:"commitment"`
	Proof      []byte `json:"proof"`
}

// Encryptor produces Inputs on the client side. It needs the coprocessor's KEM public
// key and the circuit proving key.
type Encryptor struct {
	kemPublic []byte
	ps        *ProvingSystem
}

func NewEncryptor(kemPublic []byte, ps *ProvingSystem) *Encryptor {
	return &Encryptor{kemPublic: kemPublic, ps: ps}
}

// Encrypt seals value for (contract, user) and proves it is a 32-bit integer bound to them.
func (e *Encryptor) Encrypt(ctx context.Context, value uint32, contract, user identity.Address) (Input, error) {
	var blinding fr.Element
	if _, err := blinding.SetRandom(); err != nil {
		return Input{}, err
	}
	bctx := bindingContext(contract, user)
	cm := commitment(value, &blinding, &bctx)

	if err := ctx.Err(); err != nil {
		return Input{}, err
	}

	assignment := CircuitScoreInput{
		Commitment: cm.BigInt(new(big.Int)),
		Context:    bctx.BigInt(new(big.Int)),
		Value:      value,
		Blinding:   blinding.BigInt(new(big.Int)),
	}
	w, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField())
	if err != nil {
		return Input{}, fmt.Errorf("witness: %w", err)
	}
	proof, err := groth16.Prove(e.ps.CCS, e.ps.PK, w)
	if err != nil {
		return Input{}, fmt.Errorf("prove: %w", err)
	}
	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return Input{}, err
	}

	cmBytes := cm.Bytes()
	plaintext := make([]byte, 4, 4+fr.Bytes)
	binary.BigEndian.PutUint32(plaintext, value)
	b := blinding.Bytes()
	plaintext = append(plaintext, b[:]...)

	ct, err := sealTo(e.kemPublic, contract[:], user[:], plaintext, cmBytes[:])
	if err != nil {
		return Input{}, err
	}
	return Input{
		Handle:     inputHandle(ct, cmBytes[:]),
		Ciphertext: ct,
		Commitment: cmBytes[:],
		Proof:      proofBuf.Bytes(),
	}, nil
}

func inputHandle(ciphertext, commitment []byte) Handle {
	return deriveHandle("input", ciphertext, commitment)
}
