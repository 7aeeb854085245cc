package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/config"
)

// Gateway entrypoint the relayer calls. The gateway re-derives the
// authorization digest from these arguments and checks the coordinator's
// signature plus its own nullifier set before paying out.
const gatewayABIJSON = `[{"type":"function","name":"executeWithdrawal","inputs":[` +
	`{"name":"withdrawalId","type":"bytes16"},` +
	`{"name":"recipient","type":"address"},` +
	`{"name":"token","type":"address"},` +
	`{"name":"amount","type":"uint256"},` +
	`{"name":"nullifier","type":"bytes32"},` +
	`{"name":"signature","type":"bytes"}],"outputs":[]}]`

const (
	executeGasLimit     = 300_000
	defaultReceiptEvery = 2 * time.Second
)

// evmBackend is the slice of ethclient.Client the adapter needs.
// Narrowed so tests can run against a fake chain.
type evmBackend interface {
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMAdapter executes withdrawals against an EVM gateway contract.
type EVMAdapter struct {
	chainID       uint64
	gateway       ethcommon.Address
	confirmations uint64
	priv          *ecdsa.PrivateKey
	from          ethcommon.Address
	client        evmBackend
	recorder      PendingRecorder
	gatewayABI    abi.ABI
	receiptEvery  time.Duration
}

// NewEVMAdapter dials the chain's RPC endpoint and binds to its gateway.
func NewEVMAdapter(cfg config.ChainConfig, recorder PendingRecorder) (*EVMAdapter, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return newEVMAdapter(cfg, client, recorder)
}

func newEVMAdapter(cfg config.ChainConfig, client evmBackend, recorder PendingRecorder) (*EVMAdapter, error) {
	priv, err := crypto.HexToECDSA(common.Trim0xPrefix(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("chain %d private key: %w", cfg.ChainID, err)
	}
	parsed, err := abi.JSON(strings.NewReader(gatewayABIJSON))
	if err != nil {
		return nil, err
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &EVMAdapter{
		chainID:       cfg.ChainID,
		gateway:       ethcommon.HexToAddress(cfg.GatewayAddress),
		confirmations: confirmations,
		priv:          priv,
		from:          crypto.PubkeyToAddress(priv.PublicKey),
		client:        client,
		recorder:      recorder,
		gatewayABI:    parsed,
		receiptEvery:  defaultReceiptEvery,
	}, nil
}

func (a *EVMAdapter) ChainID() uint64 { return a.chainID }

func (a *EVMAdapter) SubmitWithdrawal(
	ctx context.Context,
	withdrawalID string,
	recipient string,
	token string,
	amount *big.Int,
	nullifier []byte,
	authSignature []byte,
) (*agreement.ExecutionResult, error) {
	calldata, err := a.packExecute(withdrawalID, recipient, token, amount, nullifier, authSignature)
	if err != nil {
		return nil, err
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, a.gateway, big.NewInt(0), executeGasLimit, gasPrice, calldata)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(a.chainID)), a.priv)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	txRef := signed.Hash().Hex()

	logger.WithFields(logger.Fields{
		"chain_id":      a.chainID,
		"withdrawal_id": withdrawalID,
		"tx":            txRef,
	}).Info("executeWithdrawal broadcast")

	// Record before waiting. If we crash during the confirmation wait the
	// startup reconciliation finds this row and checks the chain instead
	// of double-submitting.
	if a.recorder != nil {
		if err := a.recorder.RecordPendingExecution(withdrawalID, txRef, a.chainID, time.Now().Unix()); err != nil {
			logger.Warnf("failed to record pending execution %s: %v", withdrawalID, err)
		}
	}

	receipt, err := a.waitConfirmed(ctx, signed.Hash())
	if err != nil {
		return &agreement.ExecutionResult{TxRef: txRef}, err
	}
	return &agreement.ExecutionResult{TxRef: txRef, GasUsed: receipt.GasUsed}, nil
}

func (a *EVMAdapter) packExecute(withdrawalID, recipient, token string, amount *big.Int, nullifier, authSignature []byte) ([]byte, error) {
	idBytes := common.HexStrToByteSlice(withdrawalID)
	if len(idBytes) != common.IDLen {
		return nil, fmt.Errorf("withdrawal id %q is not %d bytes", withdrawalID, common.IDLen)
	}
	var id16 [16]byte
	copy(id16[:], idBytes)
	if len(nullifier) != 32 {
		return nil, fmt.Errorf("nullifier is %d bytes, want 32", len(nullifier))
	}
	var nul32 [32]byte
	copy(nul32[:], nullifier)

	return a.gatewayABI.Pack(
		"executeWithdrawal",
		id16,
		ethcommon.HexToAddress(recipient),
		ethcommon.HexToAddress(token),
		amount,
		nul32,
		authSignature,
	)
}

func (a *EVMAdapter) waitConfirmed(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(a.receiptEvery)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("tx %s reverted", txHash.Hex())
			}
			head, err := a.client.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64() &&
				head-receipt.BlockNumber.Uint64()+1 >= a.confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for tx %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
