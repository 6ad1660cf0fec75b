package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"confidentialscore/internal/api"
	"confidentialscore/internal/authz"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/kv"
	"confidentialscore/internal/leaderboard"
	"confidentialscore/internal/workflow"
)

func runKeygen() error {
	s, err := identity.LoadKeySigner(*keyFile)
	if err != nil {
		return err
	}
	fmt.Println(s.Address())
	return nil
}

// connect fetches the network description and picks its first ledger.
func connect(ctx context.Context) (*api.Client, api.NetworkInfo, error) {
	c := api.NewClient(*serverURL)
	n, err := c.Network(ctx)
	if err != nil {
		return nil, api.NetworkInfo{}, err
	}
	if len(n.Ledgers) == 0 {
		return nil, api.NetworkInfo{}, fmt.Errorf("server at %s serves no ledger", *serverURL)
	}
	return c, n, nil
}

// session builds a workflow session against the first ledger of the server. The proving
// system is only loaded when withProver is set.
func session(ctx context.Context, log logrus.FieldLogger, withProver bool) (*workflow.Session, func(), error) {
	signer, err := identity.LoadKeySigner(*keyFile)
	if err != nil {
		return nil, nil, err
	}
	c, n, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	var enc workflow.Encrypter
	if withProver {
		ps, err := fhe.SetupProvingSystem(*keyDir)
		if err != nil {
			return nil, nil, fmt.Errorf("proving system: %w", err)
		}
		enc = fhe.NewEncryptor(n.KEMPublicKey, ps)
	}

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		return nil, nil, err
	}
	db, err := kv.Open(filepath.Join(*dataDir, "authz"), log)
	if err != nil {
		return nil, nil, err
	}

	book := workflow.AddressBook{n.ChainID: {Ledger: n.Ledgers[0], Verifier: n.VerifyingContract}}
	s := workflow.NewSession(workflow.Config{
		Env:       workflow.NewEnvironment(n.ChainID, signer, book),
		Encrypter: enc,
		Ledger:    c,
		Decrypter: c,
		Authz:     authz.NewManager(authz.NewBadgerStore(db), authz.WithLogger(log)),
		Log:       log,
	})
	return s, func() { db.Close() }, nil
}

func runSubmit(ctx context.Context, log logrus.FieldLogger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one score argument")
	}
	score, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("score must be an unsigned 32-bit integer: %w", err)
	}
	s, done, err := session(ctx, log, true)
	if err != nil {
		return err
	}
	defer done()

	res, err := s.SubmitScore(ctx, uint32(score))
	if err != nil {
		return err
	}
	fmt.Printf("status  %s\nhandle  %s\nseq     %d\n", res.Status, res.Handle, res.Record.Seq)
	return nil
}

func runDecrypt(ctx context.Context, log logrus.FieldLogger) error {
	s, done, err := session(ctx, log, false)
	if err != nil {
		return err
	}
	defer done()

	if _, err := s.Refresh(ctx); err != nil {
		return err
	}
	v, err := s.DecryptMyScore(ctx)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runBoard(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("board", flag.ContinueOnError)
	top := fs.Int("top", 10, "rows to show, -1 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var viewer identity.Address
	if signer, err := identity.LoadKeySigner(*keyFile); err == nil {
		viewer = signer.Address()
	}
	c, n, err := connect(ctx)
	if err != nil {
		return err
	}
	rows, err := leaderboard.BoardFrom(ctx, func(ctx context.Context) ([]identity.Address, []fhe.Handle, error) {
		return c.GetAll(ctx, n.Ledgers[0])
	}, viewer)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPARTICIPANT\tHANDLE\t")
	for _, r := range leaderboard.Top(rows, *top) {
		mark := ""
		if r.Mine {
			mark = "<- you"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Position, r.Participant, r.Redacted, mark)
	}
	if me, ok := leaderboard.Mine(rows); ok && *top >= 0 && me.Position > *top {
		fmt.Fprintf(w, "%d\t%s\t%s\t<- you\n", me.Position, me.Participant, me.Redacted)
	}
	return w.Flush()
}

func runEvents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	after := fs.Uint64("after", 0, "only events with a larger sequence number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, n, err := connect(ctx)
	if err != nil {
		return err
	}
	events, err := c.Events(ctx, n.Ledgers[0], *after)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("%d\t%s\t%s\n", e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.Participant)
	}
	return nil
}
