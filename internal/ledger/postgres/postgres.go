// Package postgres is a pgx-backed ledger journal.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

// Schema creates the journal table. position keeps first-submission order.
const Schema = `
CREATE TABLE IF NOT EXISTS score_records (
    ledger      BYTEA       NOT NULL,
    participant BYTEA       NOT NULL,
    position    BIGSERIAL,
    handle      BYTEA       NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    seq         BIGINT      NOT NULL,
    PRIMARY KEY (ledger, participant)
)`

// Journal stores one row per (ledger, participant).
type Journal struct {
	db     *pgxpool.Pool
	ledger identity.Address
}

func NewJournal(db *pgxpool.Pool, ledgerAddr identity.Address) *Journal {
	return &Journal{db: db, ledger: ledgerAddr}
}

// Migrate creates the schema if missing.
func (j *Journal) Migrate(ctx context.Context) error {
	_, err := j.db.Exec(ctx, Schema)
	return err
}

// Ping checks the connection.
func (j *Journal) Ping(ctx context.Context) error { return j.db.Ping(ctx) }

func (j *Journal) Put(ctx context.Context, rec ledger.ScoreRecord) error {
	_, err := j.db.Exec(ctx, `
        INSERT INTO score_records (ledger, participant, handle, recorded_at, seq)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (ledger, participant) DO UPDATE
          SET handle      = EXCLUDED.handle,
              recorded_at = EXCLUDED.recorded_at,
              seq         = EXCLUDED.seq
    `, j.ledger[:], rec.Owner[:], rec.Handle[:], rec.RecordedAt, int64(rec.Seq))
	return err
}

func (j *Journal) Replay(ctx context.Context, fn func(ledger.ScoreRecord) error) error {
	rows, err := j.db.Query(ctx,
		`SELECT participant, handle, recorded_at, seq
         FROM score_records
         WHERE ledger=$1
         ORDER BY position ASC`, j.ledger[:])
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			owner, handle []byte
			rec           ledger.ScoreRecord
			seq           int64
		)
		if err := rows.Scan(&owner, &handle, &rec.RecordedAt, &seq); err != nil {
			return err
		}
		if len(owner) != identity.AddressLength || len(handle) != fhe.HandleLength {
			return fmt.Errorf("malformed row for participant %x", owner)
		}
		copy(rec.Owner[:], owner)
		copy(rec.Handle[:], handle)
		rec.Seq = uint64(seq)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
