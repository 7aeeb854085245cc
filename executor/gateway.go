package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/config"
)

// GatewayAdapter executes withdrawals on non-EVM chains through the
// gateway program's JSON-RPC service. The service signs and submits the
// chain-native transaction; the relayer only drives it and waits for
// finality.
type GatewayAdapter struct {
	chainID     uint64
	url         string
	http        *http.Client
	recorder    PendingRecorder
	statusEvery time.Duration
	reqID       atomic.Uint64
}

func NewGatewayAdapter(cfg config.ChainConfig, recorder PendingRecorder) *GatewayAdapter {
	return &GatewayAdapter{
		chainID:     cfg.ChainID,
		url:         cfg.RPCURL,
		http:        &http.Client{Timeout: 30 * time.Second},
		recorder:    recorder,
		statusEvery: defaultReceiptEvery,
	}
}

func (a *GatewayAdapter) ChainID() uint64 { return a.chainID }

func (a *GatewayAdapter) SubmitWithdrawal(
	ctx context.Context,
	withdrawalID string,
	recipient string,
	token string,
	amount *big.Int,
	nullifier []byte,
	authSignature []byte,
) (*agreement.ExecutionResult, error) {
	params := map[string]any{
		"withdrawal_id": withdrawalID,
		"recipient":     recipient,
		"token":         token,
		"amount":        amount.String(),
		"nullifier":     common.ByteSliceToPureHexStr(nullifier),
		"signature":     common.ByteSliceToPureHexStr(authSignature),
	}
	var txRef string
	if err := a.call(ctx, "execute_withdrawal", params, &txRef); err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"chain_id":      a.chainID,
		"withdrawal_id": withdrawalID,
		"tx":            txRef,
	}).Info("execute_withdrawal submitted")

	if a.recorder != nil {
		if err := a.recorder.RecordPendingExecution(withdrawalID, txRef, a.chainID, time.Now().Unix()); err != nil {
			logger.Warnf("failed to record pending execution %s: %v", withdrawalID, err)
		}
	}

	gasUsed, err := a.waitFinal(ctx, txRef)
	if err != nil {
		return &agreement.ExecutionResult{TxRef: txRef}, err
	}
	return &agreement.ExecutionResult{TxRef: txRef, GasUsed: gasUsed}, nil
}

// txStatus is the gateway service's view of a submitted transaction.
// GasUsed stays zero on chains that have no gas notion.
type txStatus struct {
	Status  string `json:"status"`
	GasUsed uint64 `json:"gas_used"`
}

func (a *GatewayAdapter) waitFinal(ctx context.Context, txRef string) (uint64, error) {
	ticker := time.NewTicker(a.statusEvery)
	defer ticker.Stop()

	for {
		var status txStatus
		err := a.call(ctx, "get_transaction_status", map[string]any{"tx_ref": txRef}, &status)
		if err == nil {
			switch status.Status {
			case "confirmed", "finalized":
				return status.GasUsed, nil
			case "failed":
				return 0, fmt.Errorf("tx %s failed on chain %d", txRef, a.chainID)
			}
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for tx %s: %w", txRef, ctx.Err())
		case <-ticker.C:
		}
	}
}

type gatewayRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type gatewayResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *gatewayError   `json:"error"`
}

type gatewayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *gatewayError) Error() string {
	return fmt.Sprintf("gateway rpc error %d: %s", e.Code, e.Message)
}

func (a *GatewayAdapter) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(&gatewayRequest{
		JSONRPC: "2.0",
		ID:      a.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var decoded gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out != nil {
		return json.Unmarshal(decoded.Result, out)
	}
	return nil
}
