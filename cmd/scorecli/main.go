// main.go - Command line client for a score ledger daemon.
//
// Usage:
//
//	scorecli [flags] keygen
//	scorecli [flags] submit <score>
//	scorecli [flags] decrypt
//	scorecli [flags] board [-top N]
//	scorecli [flags] events [-after N]
//
// submit needs the daemon's proving key, so -keys must point at the same key directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"confidentialscore/internal/errs"
)

var (
	serverURL = flag.String("server", "http://localhost:8080", "base URL of scoreledgerd")
	keyFile   = flag.String("key", "scorecli/signer.key", "signer private key file, created when missing")
	keyDir    = flag.String("keys", "keys", "directory holding the circuit proving key")
	dataDir   = flag.String("data", "scorecli", "directory for the authorization cache")
	timeout   = flag.Duration("timeout", 2*time.Minute, "overall command timeout")
	verbose   = flag.Bool("v", false, "debug logging")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] keygen|submit <score>|decrypt|board|events\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "keygen":
		err = runKeygen()
	case "submit":
		err = runSubmit(ctx, log, args)
	case "decrypt":
		err = runDecrypt(ctx, log)
	case "board":
		err = runBoard(ctx, args)
	case "events":
		err = runEvents(ctx, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		if r := errs.RecoveryFor(err); r != errs.Fatal && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", r)
		}
		os.Exit(1)
	}
}
