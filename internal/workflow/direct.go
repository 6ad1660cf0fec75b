package workflow

import (
	"context"
	"fmt"

	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

// Direct serves a Session from in-process ledgers and coprocessor. The submitting signer
// is trusted as the transaction sender.
type Direct struct {
	cp      *fhe.Coprocessor
	ledgers map[identity.Address]*ledger.Ledger
}

func NewDirect(cp *fhe.Coprocessor, ledgers ...*ledger.Ledger) *Direct {
	d := &Direct{cp: cp, ledgers: make(map[identity.Address]*ledger.Ledger, len(ledgers))}
	for _, l := range ledgers {
		d.ledgers[l.Address()] = l
	}
	return d
}

func (d *Direct) lookup(addr identity.Address) (*ledger.Ledger, error) {
	l, ok := d.ledgers[addr]
	if !ok {
		return nil, fmt.Errorf("no ledger at %s: %w", addr, errs.ErrNotConnected)
	}
	return l, nil
}

func (d *Direct) Submit(ctx context.Context, ledgerAddr identity.Address, signer identity.Signer, in fhe.Input) (ledger.ScoreRecord, error) {
	l, err := d.lookup(ledgerAddr)
	if err != nil {
		return ledger.ScoreRecord{}, err
	}
	return l.Submit(ctx, signer.Address(), in)
}

func (d *Direct) Get(_ context.Context, ledgerAddr, participant identity.Address) (fhe.Handle, error) {
	l, err := d.lookup(ledgerAddr)
	if err != nil {
		return fhe.Handle{}, err
	}
	return l.Get(participant)
}

func (d *Direct) UserDecrypt(ctx context.Context, req fhe.DecryptRequest) (map[fhe.Handle]fhe.Reencrypted, error) {
	return d.cp.UserDecrypt(ctx, req)
}
