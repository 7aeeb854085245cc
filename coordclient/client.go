package coordclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/rpcserver"
)

var (
	ErrNotFound   = errors.New("coordinator: not found")
	ErrBadRequest = errors.New("coordinator: rejected request")
)

// Client is the relayer's view of the coordinator RPC.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Synced  bool   `json:"synced"`
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp := &HealthResponse{}
	if err := c.get(ctx, rpcserver.ROUTE_HEALTH, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) NotifyDeposit(ctx context.Context, n *rpcserver.DepositNotification) error {
	return c.post(ctx, rpcserver.ROUTE_NOTIFY_DEPOSIT, n, nil)
}

func (c *Client) NotifyWithdrawal(ctx context.Context, n *rpcserver.WithdrawalNotification) error {
	return c.post(ctx, rpcserver.ROUTE_NOTIFY_WITHDRAWAL, n, nil)
}

// AuthorizedWithdrawals returns the coordinator's current signed work
// queue.
func (c *Client) AuthorizedWithdrawals(ctx context.Context) ([]*agreement.AuthorizedWithdrawal, error) {
	var out []*agreement.AuthorizedWithdrawal
	if err := c.get(ctx, rpcserver.ROUTE_AUTHORIZED_WITHDRAWALS, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type DepositStatus struct {
	DepositID      string `json:"deposit_id"`
	Processed      bool   `json:"processed"`
	SettlementTxid string `json:"settlement_txid"`
	NoteCommitment string `json:"note_commitment"`
}

func (c *Client) DepositStatus(ctx context.Context, depositID string) (*DepositStatus, error) {
	resp := &DepositStatus{}
	if err := c.get(ctx, "/deposits/"+depositID+"/status", resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type LiquidityStatus struct {
	Available        bool   `json:"available"`
	CurrentLiquidity string `json:"current_liquidity"`
}

func (c *Client) CheckLiquidity(ctx context.Context, chainID uint64, token, amount string) (*LiquidityStatus, error) {
	resp := &LiquidityStatus{}
	req := &rpcserver.LiquidityCheckRequest{ChainID: chainID, Token: token, Amount: amount}
	if err := c.post(ctx, rpcserver.ROUTE_LIQUIDITY_CHECK, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, string(raw))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("coordinator: status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
