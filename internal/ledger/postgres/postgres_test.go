package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestJournalReplayOrder(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	// a fresh ledger address per run keeps rows from earlier runs out of the way
	addr := identity.ContractAddress(t.Name()+time.Now().String(), 1)
	j := NewJournal(pool, addr)
	require.NoError(t, j.Migrate(ctx))
	require.NoError(t, j.Ping(ctx))

	bob := identity.ContractAddress("bob", 0)
	alice := identity.ContractAddress("alice", 0)
	now := time.Now().UTC().Truncate(time.Microsecond)
	recs := []ledger.ScoreRecord{
		{Owner: bob, Handle: fhe.Handle{1}, RecordedAt: now, Seq: 1},
		{Owner: alice, Handle: fhe.Handle{2}, RecordedAt: now, Seq: 2},
		{Owner: bob, Handle: fhe.Handle{3}, RecordedAt: now.Add(time.Second), Seq: 3},
	}
	for _, r := range recs {
		require.NoError(t, j.Put(ctx, r))
	}

	var got []ledger.ScoreRecord
	require.NoError(t, j.Replay(ctx, func(r ledger.ScoreRecord) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, bob, got[0].Owner)
	assert.Equal(t, fhe.Handle{3}, got[0].Handle)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, alice, got[1].Owner)
	assert.True(t, now.Add(time.Second).Equal(got[0].RecordedAt))
}
