package eventsync

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/config"
	"github.com/zerobridge-io/zerobridge-go/rpcserver"
)

// Gateway contract events the coordinator consumes. TokensLocked opens a
// deposit, WithdrawalRequested carries a spend proof for the pipeline.
const gatewayEventsABIJSON = `[` +
	`{"type":"event","name":"TokensLocked","inputs":[` +
	`{"name":"depositId","type":"bytes16","indexed":true},` +
	`{"name":"sender","type":"address","indexed":true},` +
	`{"name":"token","type":"address","indexed":false},` +
	`{"name":"amount","type":"uint256","indexed":false},` +
	`{"name":"targetChainId","type":"uint64","indexed":false},` +
	`{"name":"recipient","type":"bytes","indexed":false},` +
	`{"name":"shieldedAddr","type":"bytes","indexed":false}]},` +
	`{"type":"event","name":"WithdrawalRequested","inputs":[` +
	`{"name":"withdrawalId","type":"bytes16","indexed":true},` +
	`{"name":"recipient","type":"address","indexed":false},` +
	`{"name":"token","type":"address","indexed":false},` +
	`{"name":"amount","type":"uint256","indexed":false},` +
	`{"name":"targetChainId","type":"uint64","indexed":false},` +
	`{"name":"nullifier","type":"bytes32","indexed":false},` +
	`{"name":"merkleRoot","type":"bytes32","indexed":false},` +
	`{"name":"proof","type":"bytes","indexed":false}]}]`

const defaultScanEvery = 5 * time.Second

// logBackend is the slice of ethclient.Client the listener needs.
type logBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Notifier forwards translated events to the coordinator. Satisfied by
// coordclient.Client; delivery is at-least-once, the coordinator dedupes.
type Notifier interface {
	NotifyDeposit(ctx context.Context, n *rpcserver.DepositNotification) error
	NotifyWithdrawal(ctx context.Context, n *rpcserver.WithdrawalNotification) error
}

type tokensLockedEvent struct {
	Token         ethcommon.Address
	Amount        *big.Int
	TargetChainId uint64
	Recipient     []byte
	ShieldedAddr  []byte
}

type withdrawalRequestedEvent struct {
	Recipient     ethcommon.Address
	Token         ethcommon.Address
	Amount        *big.Int
	TargetChainId uint64
	Nullifier     [32]byte
	MerkleRoot    [32]byte
	Proof         []byte
}

// EVMListener range-scans an EVM gateway for bridge events and forwards
// them as coordinator notifications. Only blocks at least `confirmations`
// deep are scanned; the cursor advances after every log in the range has
// been delivered, so a delivery failure replays the range (safe, the
// notifications are idempotent).
type EVMListener struct {
	chainID       uint64
	gateway       ethcommon.Address
	confirmations uint64
	next          uint64
	client        logBackend
	notifier      Notifier
	eventsABI     abi.ABI
	lockedTopic   ethcommon.Hash
	requestTopic  ethcommon.Hash
	scanEvery     time.Duration
}

func NewEVMListener(cfg config.ChainConfig, notifier Notifier) (*EVMListener, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return newEVMListener(cfg, client, notifier)
}

func newEVMListener(cfg config.ChainConfig, client logBackend, notifier Notifier) (*EVMListener, error) {
	parsed, err := abi.JSON(strings.NewReader(gatewayEventsABIJSON))
	if err != nil {
		return nil, err
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &EVMListener{
		chainID:       cfg.ChainID,
		gateway:       ethcommon.HexToAddress(cfg.GatewayAddress),
		confirmations: confirmations,
		next:          cfg.StartBlock,
		client:        client,
		notifier:      notifier,
		eventsABI:     parsed,
		lockedTopic:   parsed.Events["TokensLocked"].ID,
		requestTopic:  parsed.Events["WithdrawalRequested"].ID,
		scanEvery:     defaultScanEvery,
	}, nil
}

func (l *EVMListener) ChainID() uint64 { return l.chainID }

func (l *EVMListener) Listen(ctx context.Context) error {
	ticker := time.NewTicker(l.scanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.scanOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *EVMListener) scanOnce(ctx context.Context) error {
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain %d head: %w", l.chainID, err)
	}
	if head+1 < l.confirmations {
		return nil
	}
	finalized := head + 1 - l.confirmations
	if finalized < l.next {
		return nil
	}

	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(l.next),
		ToBlock:   new(big.Int).SetUint64(finalized),
		Addresses: []ethcommon.Address{l.gateway},
		Topics:    [][]ethcommon.Hash{{l.lockedTopic, l.requestTopic}},
	})
	if err != nil {
		return fmt.Errorf("chain %d filter logs [%d,%d]: %w", l.chainID, l.next, finalized, err)
	}

	for i := range logs {
		if err := l.handleLog(ctx, &logs[i]); err != nil {
			return err
		}
	}
	l.next = finalized + 1
	return nil
}

func (l *EVMListener) handleLog(ctx context.Context, lg *types.Log) error {
	if len(lg.Topics) == 0 {
		return nil
	}
	switch lg.Topics[0] {
	case l.lockedTopic:
		return l.handleTokensLocked(ctx, lg)
	case l.requestTopic:
		return l.handleWithdrawalRequested(ctx, lg)
	}
	return nil
}

func (l *EVMListener) handleTokensLocked(ctx context.Context, lg *types.Log) error {
	if len(lg.Topics) < 3 {
		return fmt.Errorf("TokensLocked log %s missing topics", lg.TxHash.Hex())
	}
	var ev tokensLockedEvent
	if err := l.eventsABI.UnpackIntoInterface(&ev, "TokensLocked", lg.Data); err != nil {
		return fmt.Errorf("unpack TokensLocked: %w", err)
	}
	depositID := common.ByteSliceToPureHexStr(lg.Topics[1][:common.IDLen])
	sender := ethcommon.BytesToAddress(lg.Topics[2][12:])

	logger.WithFields(logger.Fields{
		"chain_id":   l.chainID,
		"deposit_id": depositID,
		"amount":     ev.Amount,
		"tx":         lg.TxHash.Hex(),
	}).Info("TokensLocked event")

	return l.notifier.NotifyDeposit(ctx, &rpcserver.DepositNotification{
		DepositID:     depositID,
		SourceChainID: l.chainID,
		TargetChainID: ev.TargetChainId,
		Sender:        sender.Hex(),
		Recipient:     common.Prepend0xPrefix(common.ByteSliceToPureHexStr(ev.Recipient)),
		Token:         ev.Token.Hex(),
		Amount:        ev.Amount.String(),
		ShieldedAddr:  common.ByteSliceToPureHexStr(ev.ShieldedAddr),
	})
}

func (l *EVMListener) handleWithdrawalRequested(ctx context.Context, lg *types.Log) error {
	if len(lg.Topics) < 2 {
		return fmt.Errorf("WithdrawalRequested log %s missing topics", lg.TxHash.Hex())
	}
	var ev withdrawalRequestedEvent
	if err := l.eventsABI.UnpackIntoInterface(&ev, "WithdrawalRequested", lg.Data); err != nil {
		return fmt.Errorf("unpack WithdrawalRequested: %w", err)
	}
	withdrawalID := common.ByteSliceToPureHexStr(lg.Topics[1][:common.IDLen])

	logger.WithFields(logger.Fields{
		"chain_id":      l.chainID,
		"withdrawal_id": withdrawalID,
		"amount":        ev.Amount,
		"tx":            lg.TxHash.Hex(),
	}).Info("WithdrawalRequested event")

	return l.notifier.NotifyWithdrawal(ctx, &rpcserver.WithdrawalNotification{
		WithdrawalID:  withdrawalID,
		TargetChainID: ev.TargetChainId,
		Recipient:     ev.Recipient.Hex(),
		Token:         ev.Token.Hex(),
		Amount:        ev.Amount.String(),
		Nullifier:     common.ByteSliceToPureHexStr(ev.Nullifier[:]),
		Proof:         common.ByteSliceToPureHexStr(ev.Proof),
		MerkleRoot:    common.ByteSliceToPureHexStr(ev.MerkleRoot[:]),
	})
}
