package coordclient

import (
	"context"
	"database/sql"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/liquidity"
	"github.com/zerobridge-io/zerobridge-go/rpcserver"
	"github.com/zerobridge-io/zerobridge-go/state"
)

// spins up a real coordinator rpc server to exercise the full contract
func newClientAgainstServer(t *testing.T) (*Client, *state.StateDB) {
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	st, err := state.NewStateDB(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		db.Close()
	})

	liq, err := liquidity.NewManager(st)
	require.NoError(t, err)
	require.NoError(t, liq.EnsurePool(8453, "usdc-canonical", big.NewInt(0)))
	require.NoError(t, liq.AddLiquidity(8453, "usdc-canonical", big.NewInt(1000)))

	srv := httptest.NewServer(rpcserver.NewServer("", st, liq).SetupRouter())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 0), st
}

func TestHealthRoundTrip(t *testing.T) {
	c, _ := newClientAgainstServer(t)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.False(t, h.Synced)
}

func TestNotifyAndFetchWithdrawal(t *testing.T) {
	c, st := newClientAgainstServer(t)
	ctx := context.Background()

	err := c.NotifyWithdrawal(ctx, &rpcserver.WithdrawalNotification{
		WithdrawalID:  "wid-7",
		TargetChainID: 8453,
		Recipient:     "0xrecipient",
		Token:         "usdc-canonical",
		Amount:        "42",
		Nullifier:     common.ByteSliceToPureHexStr(common.RandBytes(32)),
		Proof:         common.ByteSliceToPureHexStr(common.RandBytes(192)),
		MerkleRoot:    common.ByteSliceToPureHexStr(common.RandBytes(32)),
	})
	require.NoError(t, err)

	list, err := c.AuthorizedWithdrawals(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	sig := common.RandBytes(65)
	_, err = st.AuthorizeWithdrawal("wid-7", sig)
	require.NoError(t, err)

	list, err = c.AuthorizedWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wid-7", list[0].WithdrawalID)
	assert.Equal(t, 0, list[0].Amount.Cmp(big.NewInt(42)))
	assert.True(t, common.CompareSlices(sig, list[0].AuthSignature))
}

func TestDepositStatusNotFound(t *testing.T) {
	c, _ := newClientAgainstServer(t)

	_, err := c.DepositStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotifyDepositRejected(t *testing.T) {
	c, _ := newClientAgainstServer(t)

	err := c.NotifyDeposit(context.Background(), &rpcserver.DepositNotification{
		DepositID: "only-an-id",
	})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCheckLiquidity(t *testing.T) {
	c, _ := newClientAgainstServer(t)

	status, err := c.CheckLiquidity(context.Background(), 8453, "usdc-canonical", "900")
	require.NoError(t, err)
	assert.True(t, status.Available)
	assert.Equal(t, "1000", status.CurrentLiquidity)

	status, err = c.CheckLiquidity(context.Background(), 8453, "usdc-canonical", "1100")
	require.NoError(t, err)
	assert.False(t, status.Available)
}
