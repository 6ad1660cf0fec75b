// keys.go - Groth16 key management and coprocessor network keys.
//
// Proving/verifying keys are generated once and persisted in a key directory; clients load
// the proving key, the coprocessor loads the verifying key. Network keys (KEM keypair and
// storage key) never leave the coprocessor except for the KEM public key.

package fhe

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

const (
	provingKeyFile   = "CircuitScoreInput_pk.bin"
	verifyingKeyFile = "CircuitScoreInput_vk.bin"
	kemPrivateFile   = "network_kem.key"
	kemPublicFile    = "network_kem.pub"
	storageKeyFile   = "storage.key"
)

// ProvingSystem bundles the compiled circuit and its Groth16 keys.
type ProvingSystem struct {
	CCS constraint.ConstraintSystem
	PK  groth16.ProvingKey
	VK  groth16.VerifyingKey
}

// CompileCircuit compiles the input circuit over BN254.
func CompileCircuit() (constraint.ConstraintSystem, error) {
	var circuit CircuitScoreInput
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// SetupProvingSystem compiles the circuit and generates or loads keys from keyDir.
// An empty keyDir runs a fresh in-memory setup.
func SetupProvingSystem(keyDir string) (*ProvingSystem, error) {
	ccs, err := CompileCircuit()
	if err != nil {
		return nil, err
	}
	if keyDir == "" {
		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			return nil, fmt.Errorf("groth16 setup: %w", err)
		}
		return &ProvingSystem{CCS: ccs, PK: pk, VK: vk}, nil
	}
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		return nil, err
	}
	pk, vk, err := SetupOrLoadKeys(ccs, filepath.Join(keyDir, provingKeyFile), filepath.Join(keyDir, verifyingKeyFile))
	if err != nil {
		return nil, err
	}
	return &ProvingSystem{CCS: ccs, PK: pk, VK: vk}, nil
}

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

// LoadProvingKey loads a Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey loads a Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// SetupOrLoadKeys loads both keys if present, otherwise generates and saves new ones.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, err
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}

// NetworkKeys are the coprocessor's secrets.
type NetworkKeys struct {
	KEMPrivate []byte
	KEMPublic  []byte
	StorageKey []byte // AES-256
}

// GenerateNetworkKeys creates fresh network keys.
func GenerateNetworkKeys() (*NetworkKeys, error) {
	pub, priv, err := generateKEMKeyPair()
	if err != nil {
		return nil, err
	}
	storage := make([]byte, 32)
	if _, err := rand.Read(storage); err != nil {
		return nil, err
	}
	return &NetworkKeys{KEMPrivate: priv, KEMPublic: pub, StorageKey: storage}, nil
}

// LoadOrCreateNetworkKeys reads network keys from dir, generating them on first use.
func LoadOrCreateNetworkKeys(dir string) (*NetworkKeys, error) {
	priv, errPriv := os.ReadFile(filepath.Join(dir, kemPrivateFile))
	pub, errPub := os.ReadFile(filepath.Join(dir, kemPublicFile))
	storage, errStorage := os.ReadFile(filepath.Join(dir, storageKeyFile))
	if errPriv == nil && errPub == nil && errStorage == nil {
		return &NetworkKeys{KEMPrivate: priv, KEMPublic: pub, StorageKey: storage}, nil
	}
	keys, err := GenerateNetworkKeys()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	files := map[string][]byte{
		kemPrivateFile: keys.KEMPrivate,
		kemPublicFile:  keys.KEMPublic,
		storageKeyFile: keys.StorageKey,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	return keys, nil
}

// LoadKEMPublicKey reads only the public KEM key, for clients sharing a key directory.
func LoadKEMPublicKey(dir string) ([]byte, error) {
	return os.ReadFile(filepath.Join(dir, kemPublicFile))
}
