package relayerdb

import (
	"database/sql"
	"math/big"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobridge-io/zerobridge-go/agreement"
)

func newTestDB(t *testing.T) *RelayerDB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	r, err := NewRelayerDB(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		db.Close()
	})
	return r
}

func TestExecutionLifecycle(t *testing.T) {
	r := newTestDB(t)
	now := time.Now().Unix()

	require.NoError(t, r.RecordPendingExecution("wid-1", "0xtxref", 8453, now))

	// A duplicate submission record does not clobber the original.
	require.NoError(t, r.RecordPendingExecution("wid-1", "0xother", 8453, now+10))

	e, found, err := r.GetExecution("wid-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0xtxref", e.TxRef)
	assert.False(t, e.Confirmed)

	unconfirmed, err := r.GetUnconfirmedExecutions()
	require.NoError(t, err)
	require.Len(t, unconfirmed, 1)

	require.NoError(t, r.ConfirmExecution("wid-1", 21000, big.NewInt(5000)))
	e, _, err = r.GetExecution("wid-1")
	require.NoError(t, err)
	assert.True(t, e.Confirmed)
	assert.Equal(t, uint64(21000), e.GasUsed)
	assert.Equal(t, int64(5000), e.FeeEarned.Int64())

	unconfirmed, err = r.GetUnconfirmedExecutions()
	require.NoError(t, err)
	assert.Empty(t, unconfirmed)

	executed, err := r.HasExecuted("wid-1")
	require.NoError(t, err)
	assert.True(t, executed)
	executed, err = r.HasExecuted("wid-2")
	require.NoError(t, err)
	assert.False(t, executed)
}

func TestClaimStore(t *testing.T) {
	r := newTestDB(t)
	now := time.Now().Unix()

	claim := &agreement.TaskClaim{
		TaskID:    "task-1",
		ClaimedBy: "relayer-a",
		ClaimedAt: now,
		ExpiresAt: now + 300,
	}
	require.NoError(t, r.UpsertClaim(claim))

	expired := &agreement.TaskClaim{
		TaskID:    "task-2",
		ClaimedBy: "relayer-b",
		ClaimedAt: now - 600,
		ExpiresAt: now - 300,
	}
	require.NoError(t, r.UpsertClaim(expired))

	claims, err := r.GetClaims()
	require.NoError(t, err)
	assert.Len(t, claims, 2)

	pruned, err := r.PruneExpiredClaims(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	claims, err = r.GetClaims()
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "task-1", claims[0].TaskID)

	require.NoError(t, r.DeleteClaim("task-1"))
	claims, err = r.GetClaims()
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestStatsAggregation(t *testing.T) {
	r := newTestDB(t)
	now := time.Now().Unix()

	require.NoError(t, r.RecordPendingExecution("wid-1", "0xaa", 1, now))
	require.NoError(t, r.ConfirmExecution("wid-1", 21000, big.NewInt(100)))
	require.NoError(t, r.RecordPendingExecution("wid-2", "0xbb", 1, now))
	require.NoError(t, r.ConfirmExecution("wid-2", 30000, big.NewInt(250)))
	require.NoError(t, r.RecordPendingExecution("wid-3", "0xcc", 1, now))

	require.NoError(t, r.RecordPerformance("wid-1", true, "", now))
	require.NoError(t, r.RecordPerformance("wid-2", true, "", now))
	require.NoError(t, r.RecordPerformance("wid-3", false, "timeout", now))

	s, err := r.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.TotalExecutions)
	assert.Equal(t, int64(2), s.ConfirmedExecutions)
	assert.Equal(t, int64(2), s.SuccessfulRelays)
	assert.Equal(t, int64(1), s.FailedRelays)
	assert.Equal(t, int64(350), s.TotalFeesEarned.Int64())
}
