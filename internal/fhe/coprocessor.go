package fhe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/sirupsen/logrus"

	"confidentialscore/internal/clock"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/identity"
)

const (
	// DomainName and DomainVersion identify decryption permits.
	DomainName    = "Decryption"
	DomainVersion = "1"

	// DefaultMaxDurationDays bounds how long a permit may be valid.
	DefaultMaxDurationDays = 365

	secondsPerDay = 24 * 60 * 60
)

// DecryptionDomain returns the typed-data domain permits are signed under.
func DecryptionDomain(chainID uint64, verifier identity.Address) identity.Domain {
	return identity.Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           chainID,
		VerifyingContract: verifier,
	}
}

// Observer is notified after each coprocessor operation.
type Observer func(op string, elapsed time.Duration, err error)

// Network describes the coprocessor to clients.
type Network struct {
	ChainID           uint64           `json:"chainId"`
	VerifyingContract identity.Address `json:"verifyingContract"`
	KEMPublicKey      []byte           `json:"kemPublicKey"`
}

// HandlePair names a handle and the contract it is read through.
type HandlePair struct {
	Handle   Handle           `json:"handle"`
	Contract identity.Address `json:"contract"`
}

// DecryptRequest is a user decryption request together with its signed permit.
type DecryptRequest struct {
	Pairs             []HandlePair       `json:"pairs"`
	User              identity.Address   `json:"user"`
	PublicKey         []byte             `json:"publicKey"`
	Signature         []byte             `json:"signature"`
	ContractAddresses []identity.Address `json:"contractAddresses"`
	StartTimestamp    int64              `json:"startTimestamp"`
	DurationDays      uint32             `json:"durationDays"`
}

// Config holds what a Coprocessor needs to run.
type Config struct {
	ChainID           uint64
	VerifyingContract identity.Address
	VerifyingKey      groth16.VerifyingKey
	Keys              *NetworkKeys
	Store             Store
}

// Option customizes a Coprocessor.
type Option func(*Coprocessor)

func WithClock(c clock.Clock) Option { return func(p *Coprocessor) { p.clock = c } }

func WithLogger(l logrus.FieldLogger) Option { return func(p *Coprocessor) { p.log = l } }

func WithObserver(o Observer) Option { return func(p *Coprocessor) { p.observe = o } }

func WithMaxDurationDays(d uint32) Option { return func(p *Coprocessor) { p.maxDays = d } }

// Coprocessor verifies inputs, evaluates Max, enforces ACLs and serves user decryption.
// Plaintexts never leave it except re-encrypted to a permit key.
type Coprocessor struct {
	chainID  uint64
	verifier identity.Address
	vk       groth16.VerifyingKey
	keys     *NetworkKeys
	store    Store
	clock    clock.Clock
	log      logrus.FieldLogger
	observe  Observer
	maxDays  uint32
}

func NewCoprocessor(cfg Config, opts ...Option) (*Coprocessor, error) {
	if cfg.VerifyingKey == nil || cfg.Keys == nil || cfg.Store == nil {
		return nil, fmt.Errorf("coprocessor: verifying key, network keys and store are required")
	}
	if len(cfg.Keys.StorageKey) != 32 {
		return nil, fmt.Errorf("coprocessor: storage key must be 32 bytes")
	}
	p := &Coprocessor{
		chainID:  cfg.ChainID,
		verifier: cfg.VerifyingContract,
		vk:       cfg.VerifyingKey,
		keys:     cfg.Keys,
		store:    cfg.Store,
		clock:    clock.Real,
		log:      logrus.StandardLogger(),
		maxDays:  DefaultMaxDurationDays,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Network returns the public parameters clients encrypt and sign against.
func (p *Coprocessor) Network() Network {
	return Network{ChainID: p.chainID, VerifyingContract: p.verifier, KEMPublicKey: p.keys.KEMPublic}
}

func (p *Coprocessor) done(op string, start time.Time, err error) {
	if p.observe != nil {
		p.observe(op, p.clock.Now().Sub(start), err)
	}
}

// VerifyInput checks the proof and ciphertext of in for (contract, user), stores the
// value and grants contract access to the returned handle.
func (p *Coprocessor) VerifyInput(ctx context.Context, in Input, contract, user identity.Address) (h Handle, err error) {
	start := p.clock.Now()
	defer func() { p.done("verify", start, err) }()

	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if len(in.Commitment) != fr.Bytes || inputHandle(in.Ciphertext, in.Commitment) != in.Handle {
		return Handle{}, fmt.Errorf("malformed input: %w", errs.ErrVerificationFailed)
	}
	var cm fr.Element
	cm.SetBytes(in.Commitment)
	bctx := bindingContext(contract, user)

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(in.Proof)); err != nil {
		return Handle{}, fmt.Errorf("decode proof: %w", errs.ErrVerificationFailed)
	}
	public := CircuitScoreInput{
		Commitment: cm.BigInt(new(big.Int)),
		Context:    bctx.BigInt(new(big.Int)),
	}
	pw, err := frontend.NewWitness(&public, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return Handle{}, fmt.Errorf("public witness: %w", err)
	}
	if err := groth16.Verify(proof, p.vk, pw); err != nil {
		return Handle{}, fmt.Errorf("proof rejected: %w", errs.ErrVerificationFailed)
	}

	plaintext, err := openFrom(p.keys.KEMPrivate, contract[:], user[:], in.Ciphertext, in.Commitment)
	if err != nil || len(plaintext) != 4+fr.Bytes {
		return Handle{}, fmt.Errorf("ciphertext does not open for context: %w", errs.ErrVerificationFailed)
	}
	value := binary.BigEndian.Uint32(plaintext[:4])
	var blinding fr.Element
	blinding.SetBytes(plaintext[4:])
	if got := commitment(value, &blinding, &bctx); !got.Equal(&cm) {
		return Handle{}, fmt.Errorf("ciphertext does not match commitment: %w", errs.ErrVerificationFailed)
	}

	if err := p.put(ctx, in.Handle, value); err != nil {
		return Handle{}, err
	}
	if err := p.store.Grant(ctx, in.Handle, contract); err != nil {
		return Handle{}, fmt.Errorf("grant: %w", errs.ErrBackendUnavailable)
	}
	p.log.WithFields(logrus.Fields{"handle": in.Handle.Redacted(), "contract": contract}).Debug("input verified")
	return in.Handle, nil
}

// Max returns a fresh handle to max(a, b). The caller must be allowed on both inputs and
// is granted the result; every other principal needs an explicit Allow.
func (p *Coprocessor) Max(ctx context.Context, caller identity.Address, a, b Handle) (h Handle, err error) {
	start := p.clock.Now()
	defer func() { p.done("max", start, err) }()

	va, err := p.readAllowed(ctx, caller, a)
	if err != nil {
		return Handle{}, err
	}
	vb, err := p.readAllowed(ctx, caller, b)
	if err != nil {
		return Handle{}, err
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Handle{}, err
	}
	out := deriveHandle("max", a[:], b[:], nonce)
	if err := p.put(ctx, out, max(va, vb)); err != nil {
		return Handle{}, err
	}
	if err := p.store.Grant(ctx, out, caller); err != nil {
		return Handle{}, fmt.Errorf("grant: %w", errs.ErrBackendUnavailable)
	}
	return out, nil
}

// Allow grants principal access to h. The caller must already be allowed on h.
func (p *Coprocessor) Allow(ctx context.Context, caller identity.Address, h Handle, principal identity.Address) error {
	ok, err := p.IsAllowed(ctx, h, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s may not share %s: %w", caller, h.Redacted(), errs.ErrUnauthorized)
	}
	if err := p.store.Grant(ctx, h, principal); err != nil {
		return fmt.Errorf("grant: %w", errs.ErrBackendUnavailable)
	}
	return nil
}

// IsAllowed reports whether principal may use h.
func (p *Coprocessor) IsAllowed(ctx context.Context, h Handle, principal identity.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := p.store.Allowed(ctx, h, principal)
	if err != nil {
		return false, fmt.Errorf("acl lookup: %w", errs.ErrBackendUnavailable)
	}
	return ok, nil
}

// UserDecrypt validates a signed permit and returns each requested value re-encrypted
// to the permit's public key.
func (p *Coprocessor) UserDecrypt(ctx context.Context, req DecryptRequest) (out map[Handle]Reencrypted, err error) {
	start := p.clock.Now()
	defer func() { p.done("decrypt", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.clock.Now().Unix()
	end := req.StartTimestamp + int64(req.DurationDays)*secondsPerDay
	if now < req.StartTimestamp || now >= end {
		return nil, fmt.Errorf("permit window [%d, %d) excludes %d: %w", req.StartTimestamp, end, now, errs.ErrExpired)
	}
	if req.DurationDays > p.maxDays {
		return nil, fmt.Errorf("permit lasts %d days, limit %d: %w", req.DurationDays, p.maxDays, errs.ErrBadRequest)
	}
	recipient, err := ParsePublicKey(req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrBadRequest)
	}

	td := identity.TypedData{
		Domain: DecryptionDomain(p.chainID, p.verifier),
		Message: identity.DecryptPermit{
			PublicKey:         req.PublicKey,
			ContractAddresses: req.ContractAddresses,
			StartTimestamp:    req.StartTimestamp,
			DurationDays:      req.DurationDays,
		},
	}
	if err := identity.Verify(td.Digest(), req.Signature, req.User); err != nil {
		return nil, fmt.Errorf("permit signature: %w", errs.ErrAuthorizationDenied)
	}

	out = make(map[Handle]Reencrypted, len(req.Pairs))
	for _, pair := range req.Pairs {
		if !slices.Contains(req.ContractAddresses, pair.Contract) {
			return nil, fmt.Errorf("contract %s not in permit: %w", pair.Contract, errs.ErrUnauthorized)
		}
		for _, principal := range []identity.Address{req.User, pair.Contract} {
			ok, err := p.IsAllowed(ctx, pair.Handle, principal)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%s not allowed on %s: %w", principal, pair.Handle.Redacted(), errs.ErrUnauthorized)
			}
		}
		v, err := p.read(ctx, pair.Handle)
		if err != nil {
			return nil, err
		}
		r, err := reencrypt(v, recipient)
		if err != nil {
			return nil, err
		}
		out[pair.Handle] = r
	}
	p.log.WithFields(logrus.Fields{"user": req.User, "values": len(out)}).Debug("user decryption served")
	return out, nil
}

func (p *Coprocessor) readAllowed(ctx context.Context, caller identity.Address, h Handle) (uint32, error) {
	ok, err := p.IsAllowed(ctx, h, caller)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%s not allowed on %s: %w", caller, h.Redacted(), errs.ErrUnauthorized)
	}
	return p.read(ctx, h)
}

func (p *Coprocessor) put(ctx context.Context, h Handle, value uint32) error {
	var plain [4]byte
	binary.BigEndian.PutUint32(plain[:], value)
	sealed, err := sealAESGCM(p.keys.StorageKey, plain[:], h[:])
	if err != nil {
		return err
	}
	if err := p.store.PutCiphertext(ctx, h, sealed); err != nil {
		return fmt.Errorf("store ciphertext: %w", errs.ErrBackendUnavailable)
	}
	return nil
}

func (p *Coprocessor) read(ctx context.Context, h Handle) (uint32, error) {
	sealed, err := p.store.Ciphertext(ctx, h)
	if err != nil {
		return 0, err
	}
	plain, err := openAESGCM(p.keys.StorageKey, sealed, h[:])
	if err != nil || len(plain) != 4 {
		return 0, fmt.Errorf("stored ciphertext for %s unreadable: %w", h.Redacted(), errs.ErrBackendUnavailable)
	}
	return binary.BigEndian.Uint32(plain), nil
}
