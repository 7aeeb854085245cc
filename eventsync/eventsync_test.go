package eventsync

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/config"
	"github.com/zerobridge-io/zerobridge-go/rpcserver"
)

type fakeNotifier struct {
	mu          sync.Mutex
	deposits    []*rpcserver.DepositNotification
	withdrawals []*rpcserver.WithdrawalNotification
	failErr     error
}

func (f *fakeNotifier) NotifyDeposit(_ context.Context, n *rpcserver.DepositNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.deposits = append(f.deposits, n)
	return nil
}

func (f *fakeNotifier) NotifyWithdrawal(_ context.Context, n *rpcserver.WithdrawalNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.withdrawals = append(f.withdrawals, n)
	return nil
}

type fakeLogChain struct {
	head uint64
	logs []types.Log
}

func (f *fakeLogChain) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeLogChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func newTestEVMListener(t *testing.T, chain *fakeLogChain, notifier Notifier) *EVMListener {
	t.Helper()
	l, err := newEVMListener(config.ChainConfig{
		ChainID:        8453,
		Type:           "evm",
		GatewayAddress: "0x1000000000000000000000000000000000000001",
		Confirmations:  3,
	}, chain, notifier)
	require.NoError(t, err)
	return l
}

func idTopic(id []byte) ethcommon.Hash {
	var h ethcommon.Hash
	copy(h[:], id)
	return h
}

func (l *EVMListener) makeDepositLog(t *testing.T, block uint64, depositID []byte, amount *big.Int) types.Log {
	t.Helper()
	data, err := l.eventsABI.Events["TokensLocked"].Inputs.NonIndexed().Pack(
		ethcommon.HexToAddress("0x3000000000000000000000000000000000000003"),
		amount,
		uint64(1),
		[]byte{0xaa, 0xbb},
		[]byte{0x01, 0x02, 0x03},
	)
	require.NoError(t, err)
	sender := ethcommon.HexToAddress("0x2000000000000000000000000000000000000002")
	return types.Log{
		Address:     l.gateway,
		BlockNumber: block,
		TxHash:      ethcommon.HexToHash("0x01"),
		Topics: []ethcommon.Hash{
			l.lockedTopic,
			idTopic(depositID),
			ethcommon.BytesToHash(ethcommon.LeftPadBytes(sender.Bytes(), 32)),
		},
		Data: data,
	}
}

func (l *EVMListener) makeWithdrawalLog(t *testing.T, block uint64, withdrawalID []byte, nullifier [32]byte) types.Log {
	t.Helper()
	data, err := l.eventsABI.Events["WithdrawalRequested"].Inputs.NonIndexed().Pack(
		ethcommon.HexToAddress("0x4000000000000000000000000000000000000004"),
		ethcommon.HexToAddress("0x3000000000000000000000000000000000000003"),
		big.NewInt(2_000_000),
		uint64(8453),
		nullifier,
		[32]byte{0xee},
		common.RandBytes(192),
	)
	require.NoError(t, err)
	return types.Log{
		Address:     l.gateway,
		BlockNumber: block,
		TxHash:      ethcommon.HexToHash("0x02"),
		Topics: []ethcommon.Hash{
			l.requestTopic,
			idTopic(withdrawalID),
		},
		Data: data,
	}
}

func TestEVMListenerTranslatesDeposit(t *testing.T) {
	chain := &fakeLogChain{head: 12}
	notifier := &fakeNotifier{}
	l := newTestEVMListener(t, chain, notifier)

	depositID := common.RandBytes(16)
	chain.logs = []types.Log{l.makeDepositLog(t, 10, depositID, big.NewInt(1_000_000))}

	require.NoError(t, l.scanOnce(context.Background()))
	require.Len(t, notifier.deposits, 1)

	n := notifier.deposits[0]
	assert.Equal(t, common.ByteSliceToPureHexStr(depositID), n.DepositID)
	assert.Equal(t, uint64(8453), n.SourceChainID)
	assert.Equal(t, uint64(1), n.TargetChainID)
	assert.Equal(t, "0x2000000000000000000000000000000000000002", n.Sender)
	assert.Equal(t, "1000000", n.Amount)
	assert.Equal(t, "0xaabb", n.Recipient)
	assert.Equal(t, "010203", n.ShieldedAddr)
}

func TestEVMListenerTranslatesWithdrawal(t *testing.T) {
	chain := &fakeLogChain{head: 12}
	notifier := &fakeNotifier{}
	l := newTestEVMListener(t, chain, notifier)

	withdrawalID := common.RandBytes(16)
	nullifier := common.HexStrToBytes32(common.ByteSliceToPureHexStr(common.RandBytes(32)))
	chain.logs = []types.Log{l.makeWithdrawalLog(t, 9, withdrawalID, nullifier)}

	require.NoError(t, l.scanOnce(context.Background()))
	require.Len(t, notifier.withdrawals, 1)

	n := notifier.withdrawals[0]
	assert.Equal(t, common.ByteSliceToPureHexStr(withdrawalID), n.WithdrawalID)
	assert.Equal(t, uint64(8453), n.TargetChainID)
	assert.Equal(t, "0x4000000000000000000000000000000000000004", n.Recipient)
	assert.Equal(t, "2000000", n.Amount)
	assert.Equal(t, common.ByteSliceToPureHexStr(nullifier[:]), n.Nullifier)
	assert.Len(t, n.Proof, 192*2)
}

func TestEVMListenerWaitsForConfirmations(t *testing.T) {
	chain := &fakeLogChain{head: 10}
	notifier := &fakeNotifier{}
	l := newTestEVMListener(t, chain, notifier)

	depositID := common.RandBytes(16)
	chain.logs = []types.Log{l.makeDepositLog(t, 9, depositID, big.NewInt(5))}

	// Head 10 with 3 confirmations finalizes block 8 only.
	require.NoError(t, l.scanOnce(context.Background()))
	assert.Empty(t, notifier.deposits)

	chain.head = 12
	require.NoError(t, l.scanOnce(context.Background()))
	assert.Len(t, notifier.deposits, 1)
}

func TestEVMListenerRedeliversAfterNotifyFailure(t *testing.T) {
	chain := &fakeLogChain{head: 12}
	notifier := &fakeNotifier{failErr: errors.New("coordinator down")}
	l := newTestEVMListener(t, chain, notifier)

	chain.logs = []types.Log{l.makeDepositLog(t, 10, common.RandBytes(16), big.NewInt(5))}

	require.Error(t, l.scanOnce(context.Background()))
	assert.Empty(t, notifier.deposits)

	// Cursor did not advance, so the next scan replays the same range.
	notifier.failErr = nil
	require.NoError(t, l.scanOnce(context.Background()))
	assert.Len(t, notifier.deposits, 1)
}

func TestGatewayListenerPolls(t *testing.T) {
	var cursors []uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gatewayRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "poll_events", req.Method)
		cursor := uint64(req.Params.(map[string]any)["cursor"].(float64))
		cursors = append(cursors, cursor)

		res := pollEventsResult{Cursor: cursor}
		if cursor == 0 {
			res.Events = []gatewayEvent{
				{
					Seq: 1, Kind: "deposit", ID: "dep-1",
					Sender: "sol-sender", Recipient: "sol-recipient",
					Token: "usdc-mint", Amount: "77", TargetChainID: 1,
					ShieldedAddr: "aabb",
				},
				{
					Seq: 2, Kind: "withdrawal", ID: "wd-1",
					Recipient: "sol-recipient", Token: "usdc-mint",
					Amount: "33", TargetChainID: 501,
					Nullifier: "00", MerkleRoot: "11", Proof: "22",
				},
			}
			res.Cursor = 2
		}
		json.NewEncoder(w).Encode(map[string]any{"result": res})
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	l := NewGatewayListener(config.ChainConfig{ChainID: 501, RPCURL: srv.URL}, notifier)

	require.NoError(t, l.pollOnce(context.Background()))
	require.NoError(t, l.pollOnce(context.Background()))

	assert.Equal(t, []uint64{0, 2}, cursors)
	require.Len(t, notifier.deposits, 1)
	require.Len(t, notifier.withdrawals, 1)
	assert.Equal(t, "dep-1", notifier.deposits[0].DepositID)
	assert.Equal(t, uint64(501), notifier.deposits[0].SourceChainID)
	assert.Equal(t, "wd-1", notifier.withdrawals[0].WithdrawalID)
}

type flakyListener struct {
	attempts atomic.Int64
}

func (f *flakyListener) ChainID() uint64 { return 99 }

func (f *flakyListener) Listen(ctx context.Context) error {
	if f.attempts.Add(1) < 2 {
		return errors.New("rpc unreachable")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestManagerRestartsFailedListener(t *testing.T) {
	l := &flakyListener{}
	m := NewManager(l)

	ctx, cancel := context.WithTimeout(context.Background(), initialBackoff+time.Second)
	defer cancel()
	m.Run(ctx)

	assert.GreaterOrEqual(t, l.attempts.Load(), int64(2))
}
