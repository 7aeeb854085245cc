package state

import (
	"math/big"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
)

func newTestDB(t *testing.T) *StateDB {
	db := getMemoryDB()
	st, err := NewStateDB(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		db.Close()
	})
	return st
}

func TestInsertDepositIdempotent(t *testing.T) {
	st := newTestDB(t)

	d := RandDeposit()
	inserted, err := st.InsertDeposit(d)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Re-notification of the same deposit is a no-op.
	inserted, err = st.InsertDeposit(d)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, ok, err := st.GetDeposit(d.DepositID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d.DepositID, got.DepositID)
	assert.Equal(t, d.Sender, got.Sender)
	assert.Equal(t, 0, d.Amount.Cmp(got.Amount))
	assert.True(t, common.CompareSlices(d.Recipient, got.Recipient))
	assert.True(t, common.CompareSlices(d.ShieldedAddr, got.ShieldedAddr))
	assert.False(t, got.Processed)
}

func TestMarkDepositProcessedOnce(t *testing.T) {
	st := newTestDB(t)

	d := RandDeposit()
	_, err := st.InsertDeposit(d)
	require.NoError(t, err)

	ok, err := st.MarkDepositProcessed(d.DepositID, "zc-txid-1", "cm-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second processing attempt must not overwrite the settlement.
	ok, err = st.MarkDepositProcessed(d.DepositID, "zc-txid-2", "cm-2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, err := st.GetDeposit(d.DepositID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, "zc-txid-1", got.SettlementTxid)
	assert.Equal(t, "cm-1", got.NoteCommitment)
}

func TestGetPendingDepositsOrder(t *testing.T) {
	st := newTestDB(t)

	older := RandDeposit()
	older.CreatedAt = time.Now().Unix() - 100
	newer := RandDeposit()

	_, err := st.InsertDeposit(newer)
	require.NoError(t, err)
	_, err = st.InsertDeposit(older)
	require.NoError(t, err)

	pending, err := st.GetPendingDeposits(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.DepositID, pending[0].DepositID)
	assert.Equal(t, newer.DepositID, pending[1].DepositID)

	_, err = st.MarkDepositProcessed(older.DepositID, "txid", "cm")
	require.NoError(t, err)

	pending, err = st.GetPendingDeposits(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, newer.DepositID, pending[0].DepositID)
}

func TestAuthorizeWithdrawalOneWay(t *testing.T) {
	st := newTestDB(t)

	w := RandWithdrawal()
	inserted, err := st.InsertWithdrawal(w)
	require.NoError(t, err)
	assert.True(t, inserted)

	sig := common.RandBytes(65)
	ok, err := st.AuthorizeWithdrawal(w.WithdrawalID, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	// The transition is one-way; a concurrent authorizer loses.
	ok, err = st.AuthorizeWithdrawal(w.WithdrawalID, common.RandBytes(65))
	require.NoError(t, err)
	assert.False(t, ok)

	got, found, err := st.GetWithdrawal(w.WithdrawalID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Authorized)
	assert.True(t, common.CompareSlices(sig, got.AuthSignature))

	authorized, err := st.GetAuthorizedWithdrawals(10)
	require.NoError(t, err)
	require.Len(t, authorized, 1)
	assert.Equal(t, w.WithdrawalID, authorized[0].WithdrawalID)
}

func TestDiscardWithdrawal(t *testing.T) {
	st := newTestDB(t)

	w := RandWithdrawal()
	_, err := st.InsertWithdrawal(w)
	require.NoError(t, err)

	err = st.DiscardWithdrawal(w.WithdrawalID, agreement.DiscardInvalidProof)
	require.NoError(t, err)

	_, found, err := st.GetWithdrawal(w.WithdrawalID)
	require.NoError(t, err)
	assert.False(t, found)

	// An authorized withdrawal cannot be discarded.
	w2 := RandWithdrawal()
	_, err = st.InsertWithdrawal(w2)
	require.NoError(t, err)
	_, err = st.AuthorizeWithdrawal(w2.WithdrawalID, common.RandBytes(65))
	require.NoError(t, err)

	err = st.DiscardWithdrawal(w2.WithdrawalID, agreement.DiscardInvalidProof)
	require.NoError(t, err)
	_, found, err = st.GetWithdrawal(w2.WithdrawalID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestNullifierSpentOnce(t *testing.T) {
	st := newTestDB(t)

	nullifier := common.RandBytes32()
	now := time.Now().Unix()

	spent, err := st.IsNullifierSpent(nullifier[:])
	require.NoError(t, err)
	assert.False(t, spent)

	ok, err := st.MarkNullifierSpent(nullifier[:], "wid-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// The second spend attempt is the double-spend signal.
	ok, err = st.MarkNullifierSpent(nullifier[:], "wid-2", now)
	require.NoError(t, err)
	assert.False(t, ok)

	spent, err = st.IsNullifierSpent(nullifier[:])
	require.NoError(t, err)
	assert.True(t, spent)

	// The losing attempt did not overwrite the recorded spender.
	wid, found, err := st.NullifierSpender(nullifier[:])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "wid-1", wid)

	_, found, err = st.NullifierSpender(common.RandBytes(32))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestShieldedNoteReplay(t *testing.T) {
	st := newTestDB(t)

	note := &agreement.ShieldedNote{
		Commitment:    "cm-abc",
		Txid:          "zc-txid",
		Amount:        big.NewInt(500),
		SourceChainID: 1,
		Token:         "eth-canonical",
		CreatedAt:     time.Now().Unix(),
	}
	require.NoError(t, st.InsertShieldedNote("dep-1", note))

	// Crash replay re-inserts with the same deposit id.
	require.NoError(t, st.InsertShieldedNote("dep-1", note))

	got, found, err := st.GetShieldedNoteByDeposit("dep-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, note.Commitment, got.Commitment)
	assert.Equal(t, note.Txid, got.Txid)
	assert.Equal(t, 0, note.Amount.Cmp(got.Amount))
}

func TestLiquidityPoolRoundTrip(t *testing.T) {
	st := newTestDB(t)

	err := st.UpsertLiquidityPool(1, "usdc-canonical",
		big.NewInt(80), big.NewInt(20), big.NewInt(50))
	require.NoError(t, err)

	// Upsert overwrites the previous snapshot.
	err = st.UpsertLiquidityPool(1, "usdc-canonical",
		big.NewInt(60), big.NewInt(40), big.NewInt(50))
	require.NoError(t, err)

	pools, err := st.GetLiquidityPools()
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, uint64(1), pools[0].ChainID)
	assert.Equal(t, int64(60), pools[0].Available.Int64())
	assert.Equal(t, int64(40), pools[0].Locked.Int64())
	assert.Equal(t, int64(50), pools[0].Target.Int64())
}

func TestZcashStateSingleton(t *testing.T) {
	st := newTestDB(t)

	_, found, err := st.GetZcashState()
	require.NoError(t, err)
	assert.False(t, found)

	cs := &agreement.ChainState{
		BlockHeight:  2_500_000,
		BestHash:     "0000abcd",
		SyncProgress: 0.98,
		UpdatedAt:    time.Now().Unix(),
	}
	require.NoError(t, st.UpdateZcashState(cs))

	cs.BlockHeight = 2_500_001
	cs.SyncProgress = 1.0
	require.NoError(t, st.UpdateZcashState(cs))

	got, found, err := st.GetZcashState()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2_500_001), got.BlockHeight)
	assert.Equal(t, 1.0, got.SyncProgress)
}

func TestGetStats(t *testing.T) {
	st := newTestDB(t)

	d := RandDeposit()
	_, err := st.InsertDeposit(d)
	require.NoError(t, err)
	_, err = st.MarkDepositProcessed(d.DepositID, "txid", "cm")
	require.NoError(t, err)

	w := RandWithdrawal()
	_, err = st.InsertWithdrawal(w)
	require.NoError(t, err)
	_, err = st.AuthorizeWithdrawal(w.WithdrawalID, common.RandBytes(65))
	require.NoError(t, err)
	_, err = st.MarkNullifierSpent(w.Nullifier, w.WithdrawalID, time.Now().Unix())
	require.NoError(t, err)

	stats, err := st.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalDeposits)
	assert.Equal(t, int64(1), stats.ProcessedDeposits)
	assert.Equal(t, int64(1), stats.TotalWithdrawals)
	assert.Equal(t, int64(1), stats.AuthorizedWithdrawal)
	assert.Equal(t, int64(1), stats.SpentNullifiers)
}
