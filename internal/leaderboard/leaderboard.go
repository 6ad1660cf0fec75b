// Package leaderboard is a read-only view of every participant and their current handle.
// Rows are in first-submission order; nothing here decrypts or ranks by value.
package leaderboard

import (
	"context"
	"iter"

	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

// Source enumerates a ledger.
type Source interface {
	All() iter.Seq2[identity.Address, fhe.Handle]
}

// SourceFunc adapts a function returning parallel slices, such as a remote getAll.
type SourceFunc func(ctx context.Context) ([]identity.Address, []fhe.Handle, error)

// Row is one leaderboard line.
type Row struct {
	Position    int              `json:"position"`
	Participant identity.Address `json:"participant"`
	Handle      fhe.Handle       `json:"handle"`
	Redacted    string           `json:"redacted"`
	Mine        bool             `json:"mine"`
}

// Board builds rows from a ledger. viewer marks the caller's own row; zero marks none.
func Board(ctx context.Context, src Source, viewer identity.Address) ([]Row, error) {
	var rows []Row
	for p, h := range src.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows = append(rows, row(len(rows), p, h, viewer))
	}
	return rows, nil
}

// BoardFrom builds rows from a remote getAll.
func BoardFrom(ctx context.Context, fetch SourceFunc, viewer identity.Address) ([]Row, error) {
	addrs, handles, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	n := min(len(addrs), len(handles))
	rows := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, row(i, addrs[i], handles[i], viewer))
	}
	return rows, nil
}

func row(i int, p identity.Address, h fhe.Handle, viewer identity.Address) Row {
	return Row{
		Position:    i + 1,
		Participant: p,
		Handle:      h,
		Redacted:    h.Redacted(),
		Mine:        !viewer.IsZero() && p == viewer,
	}
}

// Top returns the first n rows by submission order, for display only.
func Top(rows []Row, n int) []Row {
	if n < 0 || n >= len(rows) {
		return rows
	}
	return rows[:n]
}

// Mine returns the viewer's row, if present.
func Mine(rows []Row) (Row, bool) {
	for _, r := range rows {
		if r.Mine {
			return r, true
		}
	}
	return Row{}, false
}
