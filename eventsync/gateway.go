package eventsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/config"
	"github.com/zerobridge-io/zerobridge-go/rpcserver"
)

// GatewayListener polls a non-EVM gateway's JSON-RPC service for bridge
// events. The service assigns every event a monotonically increasing
// sequence number; the listener keeps a cursor and advances it only after
// the whole batch has been forwarded.
type GatewayListener struct {
	chainID   uint64
	url       string
	http      *http.Client
	notifier  Notifier
	cursor    uint64
	pollEvery time.Duration
	reqID     atomic.Uint64
}

func NewGatewayListener(cfg config.ChainConfig, notifier Notifier) *GatewayListener {
	return &GatewayListener{
		chainID:   cfg.ChainID,
		url:       cfg.RPCURL,
		http:      &http.Client{Timeout: 30 * time.Second},
		notifier:  notifier,
		cursor:    cfg.StartBlock,
		pollEvery: defaultScanEvery,
	}
}

func (l *GatewayListener) ChainID() uint64 { return l.chainID }

func (l *GatewayListener) Listen(ctx context.Context) error {
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.pollOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// gatewayEvent is the wire form both event kinds share. Deposit events
// fill the shielded fields, withdrawal events fill the proof fields.
type gatewayEvent struct {
	Seq           uint64 `json:"seq"`
	Kind          string `json:"kind"`
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	TargetChainID uint64 `json:"target_chain_id"`
	ShieldedAddr  string `json:"shielded_addr"`
	Nullifier     string `json:"nullifier"`
	MerkleRoot    string `json:"merkle_root"`
	Proof         string `json:"proof"`
}

type pollEventsResult struct {
	Events []gatewayEvent `json:"events"`
	Cursor uint64         `json:"cursor"`
}

func (l *GatewayListener) pollOnce(ctx context.Context) error {
	var res pollEventsResult
	if err := l.call(ctx, "poll_events", map[string]any{"cursor": l.cursor}, &res); err != nil {
		return fmt.Errorf("chain %d poll_events: %w", l.chainID, err)
	}

	for i := range res.Events {
		if err := l.forward(ctx, &res.Events[i]); err != nil {
			return err
		}
	}
	if res.Cursor > l.cursor {
		l.cursor = res.Cursor
	}
	return nil
}

func (l *GatewayListener) forward(ctx context.Context, ev *gatewayEvent) error {
	switch ev.Kind {
	case "deposit":
		logger.WithFields(logger.Fields{
			"chain_id":   l.chainID,
			"deposit_id": ev.ID,
			"amount":     ev.Amount,
		}).Info("gateway deposit event")
		return l.notifier.NotifyDeposit(ctx, &rpcserver.DepositNotification{
			DepositID:     ev.ID,
			SourceChainID: l.chainID,
			TargetChainID: ev.TargetChainID,
			Sender:        ev.Sender,
			Recipient:     ev.Recipient,
			Token:         ev.Token,
			Amount:        ev.Amount,
			ShieldedAddr:  ev.ShieldedAddr,
		})
	case "withdrawal":
		logger.WithFields(logger.Fields{
			"chain_id":      l.chainID,
			"withdrawal_id": ev.ID,
			"amount":        ev.Amount,
		}).Info("gateway withdrawal event")
		return l.notifier.NotifyWithdrawal(ctx, &rpcserver.WithdrawalNotification{
			WithdrawalID:  ev.ID,
			TargetChainID: ev.TargetChainID,
			Recipient:     ev.Recipient,
			Token:         ev.Token,
			Amount:        ev.Amount,
			Nullifier:     ev.Nullifier,
			Proof:         ev.Proof,
			MerkleRoot:    ev.MerkleRoot,
		})
	default:
		logger.Warnf("chain %d: unknown gateway event kind %q (seq=%d)", l.chainID, ev.Kind, ev.Seq)
		return nil
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

func (l *GatewayListener) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(&gatewayRequest{
		JSONRPC: "2.0",
		ID:      l.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
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
