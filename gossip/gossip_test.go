package gossip

import (
	"database/sql"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/relayerdb"
)

// two fully meshed nodes over real HTTP
func newPair(t *testing.T, ttl time.Duration) (*Node, *Node) {
	a := NewNode("relayer-a", "", nil, NewTaskBoard("relayer-a", ttl, nil), nil)
	b := NewNode("relayer-b", "", nil, NewTaskBoard("relayer-b", ttl, nil), nil)

	srvA := httptest.NewServer(a.Handler())
	srvB := httptest.NewServer(b.Handler())
	t.Cleanup(srvA.Close)
	t.Cleanup(srvB.Close)

	a.peers = []string{srvB.URL}
	b.peers = []string{srvA.URL}
	return a, b
}

func TestClaimDedupesAcrossPeers(t *testing.T) {
	a, b := newPair(t, 0)

	// Both see the same authorized withdrawal; A claims first.
	require.True(t, a.Claim("task-1"))

	// B must now refuse to work on it.
	assert.True(t, b.IsClaimed("task-1"))
	assert.False(t, b.Claim("task-1"))

	// A second claim by A itself is also refused; the lease exists.
	assert.False(t, a.Claim("task-1"))
}

func TestExecutedRetiresTaskEverywhere(t *testing.T) {
	a, b := newPair(t, 0)

	require.True(t, a.Claim("task-2"))
	require.True(t, b.IsClaimed("task-2"))

	a.MarkExecuted("task-2", "0xtxref")

	// No lease is left, but the task stays off limits on both sides:
	// the coordinator keeps listing it, so a bare delete would let B
	// claim it and pay for a second, doomed transaction.
	assert.Equal(t, 0, a.Board().ClaimCount())
	assert.Equal(t, 0, b.Board().ClaimCount())
	assert.True(t, a.Board().IsDone("task-2"))
	assert.True(t, b.Board().IsDone("task-2"))

	assert.False(t, a.Claim("task-2"))
	assert.False(t, b.Claim("task-2"))
	assert.True(t, b.IsClaimed("task-2"))
}

func TestLearnIgnoresClaimsOnDoneTasks(t *testing.T) {
	board := NewTaskBoard("relayer-a", 0, nil)
	board.Executed("task-9")

	now := time.Now().Unix()
	board.Learn(&agreement.TaskClaim{
		TaskID: "task-9", ClaimedBy: "relayer-b", ClaimedAt: now, ExpiresAt: now + 300,
	})

	assert.Equal(t, 0, board.ClaimCount())
	assert.True(t, board.IsDone("task-9"))
}

func TestClaimExpires(t *testing.T) {
	board := NewTaskBoard("relayer-a", time.Second, nil)

	_, ok := board.Claim("task-3")
	require.True(t, ok)
	assert.True(t, board.IsClaimed("task-3"))

	// Force the lease into the past instead of sleeping.
	board.mu.Lock()
	board.claims["task-3"].ExpiresAt = time.Now().Unix() - 1
	board.mu.Unlock()

	assert.False(t, board.IsClaimed("task-3"))
	assert.Equal(t, 1, board.Sweep())
	assert.Equal(t, 0, board.ClaimCount())

	// Expired means claimable again, by anyone.
	_, ok = board.Claim("task-3")
	assert.True(t, ok)
}

func TestLearnIgnoresExpiredAndConflicting(t *testing.T) {
	board := NewTaskBoard("relayer-a", 0, nil)
	now := time.Now().Unix()

	board.Learn(&agreement.TaskClaim{
		TaskID: "old", ClaimedBy: "relayer-b", ClaimedAt: now - 600, ExpiresAt: now - 300,
	})
	assert.False(t, board.IsClaimed("old"))

	_, ok := board.Claim("mine")
	require.True(t, ok)
	board.Learn(&agreement.TaskClaim{
		TaskID: "mine", ClaimedBy: "relayer-b", ClaimedAt: now, ExpiresAt: now + 300,
	})

	board.mu.Lock()
	owner := board.claims["mine"].ClaimedBy
	board.mu.Unlock()
	assert.Equal(t, "relayer-a", owner)
}

func TestDuplicateEnvelopeIsDropped(t *testing.T) {
	a, b := newPair(t, 0)
	_ = a

	claim := &agreement.TaskClaim{
		TaskID:    "task-4",
		ClaimedBy: "relayer-c",
		ClaimedAt: time.Now().Unix(),
		ExpiresAt: time.Now().Unix() + 300,
	}

	// Same envelope delivered twice: the second is a no-op.
	assert.False(t, b.alreadySeen("msg-1"))
	assert.True(t, b.alreadySeen("msg-1"))

	b.board.Learn(claim)
	b.board.Learn(claim)
	assert.Equal(t, 1, b.board.ClaimCount())
}

func TestHeartbeatTracksLiveness(t *testing.T) {
	a, b := newPair(t, 0)

	assert.Equal(t, 0, b.LivePeers(time.Minute))
	a.Heartbeat("50000")
	assert.Equal(t, 1, b.LivePeers(time.Minute))
}

func TestBoardRestoresFromStore(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	rdb, err := relayerdb.NewRelayerDB(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		rdb.Close()
		db.Close()
	})

	board := NewTaskBoard("relayer-a", 0, rdb)
	_, ok := board.Claim("task-5")
	require.True(t, ok)

	// A fresh board over the same store still honors the lease.
	board2 := NewTaskBoard("relayer-a", 0, rdb)
	assert.True(t, board2.IsClaimed("task-5"))
}
