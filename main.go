// main.go - In-process N=10 participant scenario for the confidential score ledger.
//
// This demonstrates the full life of a ledger without a network:
//   - a coprocessor and one ledger start on a local chain
//   - 10 participants each submit a few encrypted scores; the ledger keeps only their best
//   - participant 10 never submits and is absent from the board
//   - the board is printed with redacted handles
//   - every participant decrypts their own best score through a signed authorization
//
// Usage:
//
//	go run .
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"confidentialscore/internal/authz"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/leaderboard"
	"confidentialscore/internal/ledger"
	"confidentialscore/internal/notify"
	"confidentialscore/internal/workflow"
)

const (
	N       = 10
	chainID = 31337
)

// participantResult is what one participant ends up with.
type participantResult struct {
	Address   identity.Address
	Submitted []uint32
	Decrypted uint32
	HasValue  bool
}

type report struct {
	Participants []participantResult
	Board        []leaderboard.Row
	Events       int
}

// scoresFor gives participant i a few scores; the last participant submits none.
func scoresFor(i, n int) []uint32 {
	if i == n-1 {
		return nil
	}
	base := uint32(100 + 7*i)
	return []uint32{base, base - 3 + uint32(i%2)*10, base + uint32(i%3)}
}

func best(scores []uint32) uint32 {
	var m uint32
	for _, s := range scores {
		m = max(m, s)
	}
	return m
}

func runScenario(ctx context.Context, n int, log logrus.FieldLogger) (*report, error) {
	ps, err := fhe.SetupProvingSystem("")
	if err != nil {
		return nil, fmt.Errorf("proving system: %w", err)
	}
	keys, err := fhe.GenerateNetworkKeys()
	if err != nil {
		return nil, err
	}
	verifier := identity.ContractAddress("DecryptionOracle", chainID)
	cp, err := fhe.NewCoprocessor(fhe.Config{
		ChainID:           chainID,
		VerifyingContract: verifier,
		VerifyingKey:      ps.VK,
		Keys:              keys,
		Store:             fhe.NewMemoryStore(),
	}, fhe.WithLogger(log))
	if err != nil {
		return nil, err
	}

	ledgerAddr := identity.ContractAddress("ScoreLedger", chainID)
	hub := notify.NewHub("demo", notify.WithLogger(log))
	events, cancel := hub.Subscribe(n * 4)
	defer cancel()
	l := ledger.New(ledgerAddr, cp, ledger.WithNotifier(hub), ledger.WithLogger(log))

	direct := workflow.NewDirect(cp, l)
	enc := fhe.NewEncryptor(keys.KEMPublic, ps)
	manager := authz.NewManager(authz.NewMemoryStore(), authz.WithLogger(log))
	book := workflow.AddressBook{chainID: {Ledger: ledgerAddr, Verifier: verifier}}

	sessions := make([]*workflow.Session, n)
	out := &report{Participants: make([]participantResult, n)}
	for i := range sessions {
		signer, err := identity.GenerateKeySigner()
		if err != nil {
			return nil, err
		}
		sessions[i] = workflow.NewSession(workflow.Config{
			Env:       workflow.NewEnvironment(chainID, signer, book),
			Encrypter: enc,
			Ledger:    direct,
			Decrypter: direct,
			Authz:     manager,
			Log:       log,
		})
		out.Participants[i].Address = signer.Address()
	}

	for i, s := range sessions {
		scores := scoresFor(i, n)
		for _, v := range scores {
			if _, err := s.SubmitScore(ctx, v); err != nil {
				return nil, fmt.Errorf("participant %d submit %d: %w", i+1, v, err)
			}
		}
		out.Participants[i].Submitted = scores
		log.WithFields(logrus.Fields{"participant": i + 1, "submissions": len(scores)}).Info("participant done")
	}

	out.Board, err = leaderboard.Board(ctx, l, identity.Address{})
	if err != nil {
		return nil, err
	}

	for i, s := range sessions {
		if _, err := s.Refresh(ctx); err != nil {
			return nil, err
		}
		v, err := s.DecryptMyScore(ctx)
		if errors.Is(err, errs.ErrNoValue) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("participant %d decrypt: %w", i+1, err)
		}
		out.Participants[i].Decrypted = v
		out.Participants[i].HasValue = true
	}

	for len(events) > 0 {
		<-events
		out.Events++
	}
	return out, nil
}

func main() {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	fmt.Printf("=== Confidential Score Ledger: N=%d Scenario ===\n", N)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	rep, err := runScenario(ctx, N, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}

	fmt.Printf("\n%d submissions accepted, %d participants on the board\n\n", rep.Events, len(rep.Board))
	for _, r := range rep.Board {
		fmt.Printf("%3d  %s  %s\n", r.Position, r.Participant, r.Redacted)
	}
	fmt.Println()
	for i, p := range rep.Participants {
		if !p.HasValue {
			fmt.Printf("participant %2d  %s  never submitted\n", i+1, p.Address)
			continue
		}
		fmt.Printf("participant %2d  %s  submitted %v, decrypted best %d\n", i+1, p.Address, p.Submitted, p.Decrypted)
	}
}
