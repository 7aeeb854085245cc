package relayer

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/config"
	"github.com/zerobridge-io/zerobridge-go/coordclient"
	"github.com/zerobridge-io/zerobridge-go/executor"
	"github.com/zerobridge-io/zerobridge-go/gossip"
	"github.com/zerobridge-io/zerobridge-go/metrics"
	"github.com/zerobridge-io/zerobridge-go/relayerdb"
	"github.com/zerobridge-io/zerobridge-go/stake"
)

type fakeCoord struct {
	withdrawals []*agreement.AuthorizedWithdrawal
	err         error
}

func (f *fakeCoord) Health(context.Context) (*coordclient.HealthResponse, error) {
	return &coordclient.HealthResponse{Status: "ok"}, nil
}

func (f *fakeCoord) AuthorizedWithdrawals(context.Context) ([]*agreement.AuthorizedWithdrawal, error) {
	return f.withdrawals, f.err
}

type testRelayer struct {
	r       *Relayer
	adapter *executor.SimulatedAdapter
	node    *gossip.Node
	rdb     *relayerdb.RelayerDB
	srvURL  string
}

func newTestRelayer(t *testing.T, id string, coord Coordinator) *testRelayer {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	rdb, err := relayerdb.NewRelayerDB(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		rdb.Close()
		db.Close()
	})

	sink := metrics.NewSink("relayer_test")
	node := gossip.NewNode(id, "", nil, gossip.NewTaskBoard(id, time.Minute, rdb), sink)
	srv := httptest.NewServer(node.Handler())
	t.Cleanup(srv.Close)

	adapter := executor.NewSimulatedAdapter(8453)
	registry := executor.NewRegistry()
	registry.Register(adapter)

	stakeMgr, err := stake.NewManager(config.StakeConfig{Amount: "1000", MinStake: "1000"}, rdb, sink)
	require.NoError(t, err)

	r := New(Config{Identity: id, FeeBps: 10}, coord, registry, node, rdb, stakeMgr, sink)
	return &testRelayer{r: r, adapter: adapter, node: node, rdb: rdb, srvURL: srv.URL}
}

func randWithdrawal() *agreement.AuthorizedWithdrawal {
	return &agreement.AuthorizedWithdrawal{
		WithdrawalID:  common.ByteSliceToPureHexStr(common.RandBytes(16)),
		TargetChainID: 8453,
		Recipient:     "0x2000000000000000000000000000000000000002",
		Token:         "0x3000000000000000000000000000000000000003",
		Amount:        big.NewInt(2_000_000),
		Nullifier:     common.RandBytes(32),
		AuthSignature: common.RandBytes(65),
	}
}

func TestRelayHappyPath(t *testing.T) {
	w := randWithdrawal()
	rig := newTestRelayer(t, "relayer-a", &fakeCoord{withdrawals: []*agreement.AuthorizedWithdrawal{w}})

	rig.r.Tick(context.Background())

	assert.True(t, rig.adapter.HasSubmitted(w.WithdrawalID))

	executed, err := rig.rdb.HasExecuted(w.WithdrawalID)
	require.NoError(t, err)
	assert.True(t, executed)

	// 10 bps of 2_000_000.
	stats, err := rig.rdb.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SuccessfulRelays)
	assert.Equal(t, big.NewInt(2000), stats.TotalFeesEarned)

	// The execution row carries the gas the adapter reported.
	exec, found, err := rig.rdb.GetExecution(w.WithdrawalID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rig.adapter.GasUsed, exec.GasUsed)

	// Executed tasks carry no lease anymore, just the done marker.
	assert.Equal(t, 0, rig.node.Board().ClaimCount())
	assert.True(t, rig.node.Board().IsDone(w.WithdrawalID))
}

func TestRelayIdempotentAcrossTicks(t *testing.T) {
	w := randWithdrawal()
	rig := newTestRelayer(t, "relayer-a", &fakeCoord{withdrawals: []*agreement.AuthorizedWithdrawal{w}})

	rig.r.Tick(context.Background())
	rig.r.Tick(context.Background())

	assert.Equal(t, 1, rig.adapter.SubmissionCount())
}

func TestTwoRelayersDedupe(t *testing.T) {
	w := randWithdrawal()
	coord := &fakeCoord{withdrawals: []*agreement.AuthorizedWithdrawal{w}}

	a := newTestRelayer(t, "relayer-a", coord)
	b := newTestRelayer(t, "relayer-b", coord)
	a.node.AddPeer(b.srvURL)
	b.node.AddPeer(a.srvURL)

	// Both poll the same authorized withdrawal; A gets there first and its
	// claim gossips to B before B acts.
	a.r.Tick(context.Background())
	b.r.Tick(context.Background())

	assert.True(t, a.adapter.HasSubmitted(w.WithdrawalID))
	assert.Equal(t, 0, b.adapter.SubmissionCount())

	// The coordinator keeps listing the withdrawal after A's EXECUTED
	// announcement. B heard it, so no matter how often either side
	// polls, nobody pays for a second transaction.
	assert.True(t, b.node.Board().IsDone(w.WithdrawalID))
	for i := 0; i < 3; i++ {
		a.r.Tick(context.Background())
		b.r.Tick(context.Background())
	}
	assert.Equal(t, 1, a.adapter.SubmissionCount())
	assert.Equal(t, 0, b.adapter.SubmissionCount())
}

func TestFailedRelayLeavesLease(t *testing.T) {
	w := randWithdrawal()
	rig := newTestRelayer(t, "relayer-a", &fakeCoord{withdrawals: []*agreement.AuthorizedWithdrawal{w}})
	rig.adapter.Err = errors.New("gateway reverted")

	rig.r.Tick(context.Background())

	executed, err := rig.rdb.HasExecuted(w.WithdrawalID)
	require.NoError(t, err)
	assert.False(t, executed)

	stats, err := rig.rdb.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedRelays)

	// The lease stays until it expires, then anyone may retry.
	assert.True(t, rig.node.IsClaimed(w.WithdrawalID))
}

func TestSkipsUnsupportedChain(t *testing.T) {
	w := randWithdrawal()
	w.TargetChainID = 999
	rig := newTestRelayer(t, "relayer-a", &fakeCoord{withdrawals: []*agreement.AuthorizedWithdrawal{w}})

	rig.r.Tick(context.Background())
	assert.Equal(t, 0, rig.adapter.SubmissionCount())
}

func TestReconcileSkipsUnknownOutcome(t *testing.T) {
	w := randWithdrawal()
	rig := newTestRelayer(t, "relayer-a", &fakeCoord{withdrawals: []*agreement.AuthorizedWithdrawal{w}})

	// Previous run broadcast a tx and died before learning the outcome.
	require.NoError(t, rig.rdb.RecordPendingExecution(w.WithdrawalID, "0xdead", 8453, time.Now().Unix()))

	require.NoError(t, rig.r.Reconcile(context.Background()))
	rig.r.Tick(context.Background())

	// Never re-submitted.
	assert.Equal(t, 0, rig.adapter.SubmissionCount())
}

func TestRunRequiresMinimumStake(t *testing.T) {
	rig := newTestRelayer(t, "relayer-a", &fakeCoord{})

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	rdb, err := relayerdb.NewRelayerDB(db)
	require.NoError(t, err)

	poor, err := stake.NewManager(config.StakeConfig{Amount: "1", MinStake: "1000"}, rdb, nil)
	require.NoError(t, err)
	rig.r.stakeMgr = poor

	err = rig.r.Run(context.Background())
	assert.ErrorIs(t, err, stake.ErrInsufficientStake)
}

func TestHeartbeatCadence(t *testing.T) {
	coord := &fakeCoord{}
	a := newTestRelayer(t, "relayer-a", coord)
	b := newTestRelayer(t, "relayer-b", coord)
	a.node.AddPeer(b.srvURL)

	// Heartbeats go out every fifth tick.
	for i := 0; i < 4; i++ {
		a.r.Tick(context.Background())
	}
	assert.Equal(t, 0, b.node.LivePeers(time.Minute))

	a.r.Tick(context.Background())
	assert.Equal(t, 1, b.node.LivePeers(time.Minute))
}
