package state

import (
	"database/sql"
	"math/big"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/database"
)

// StateDB is the coordinator's durable store. All writes that must be
// exactly-once go through INSERT OR IGNORE or a guarded UPDATE so that
// replays and races degrade to no-ops instead of duplicates.
type StateDB struct {
	stmtCache *database.StmtCache
}

func NewStateDB(db *sql.DB) (*StateDB, error) {
	// 1. Create the tables.
	schema := depositTable + withdrawalTable + nullifierTable +
		shieldedNoteTable + liquidityPoolTable + zcashStateTable
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	// 2. A stmt cache + db.
	return &StateDB{
		stmtCache: database.NewStmtCache(db),
	}, nil
}

func (st *StateDB) Close() {
	st.stmtCache.Clear()
}

// InsertDeposit records a deposit notification. Returns false when the
// deposit id is already known, which makes relayer re-notifications free.
func (st *StateDB) InsertDeposit(d *agreement.Deposit) (bool, error) {
	query := `INSERT OR IGNORE INTO deposits
		(deposit_id, source_chain_id, target_chain_id, sender, recipient,
		 token, amount, shielded_addr, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	res, err := stmt.Exec(
		d.DepositID,
		d.SourceChainID,
		d.TargetChainID,
		d.Sender,
		common.ByteSliceToPureHexStr(d.Recipient),
		d.Token,
		d.Amount.String(),
		common.ByteSliceToPureHexStr(d.ShieldedAddr),
		d.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (st *StateDB) GetDeposit(depositID string) (*agreement.Deposit, bool, error) {
	query := `SELECT deposit_id, source_chain_id, target_chain_id, sender,
		recipient, token, amount, shielded_addr, processed,
		COALESCE(settlement_txid, ''), COALESCE(note_commitment, ''), created_at
		FROM deposits WHERE deposit_id = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	d, err := scanDeposit(stmt.QueryRow(depositID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return d, true, nil
}

// GetPendingDeposits returns unprocessed deposits in arrival order.
func (st *StateDB) GetPendingDeposits(limit int) ([]*agreement.Deposit, error) {
	query := `SELECT deposit_id, source_chain_id, target_chain_id, sender,
		recipient, token, amount, shielded_addr, processed,
		COALESCE(settlement_txid, ''), COALESCE(note_commitment, ''), created_at
		FROM deposits WHERE processed = 0 ORDER BY created_at ASC LIMIT ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []*agreement.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

// MarkDepositProcessed flips a deposit to processed and attaches the
// settlement txid and note commitment. Guarded on processed = 0 so a
// replay cannot overwrite the original settlement.
func (st *StateDB) MarkDepositProcessed(depositID, txid, commitment string) (bool, error) {
	query := `UPDATE deposits SET processed = 1, settlement_txid = ?,
		note_commitment = ? WHERE deposit_id = ? AND processed = 0`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	res, err := stmt.Exec(txid, commitment, depositID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (st *StateDB) InsertWithdrawal(w *agreement.Withdrawal) (bool, error) {
	query := `INSERT OR IGNORE INTO withdrawals
		(withdrawal_id, target_chain_id, recipient, token, amount,
		 nullifier, proof, merkle_root, authorized, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	res, err := stmt.Exec(
		w.WithdrawalID,
		w.TargetChainID,
		w.Recipient,
		w.Token,
		w.Amount.String(),
		common.ByteSliceToPureHexStr(w.Nullifier),
		w.Proof,
		common.ByteSliceToPureHexStr(w.MerkleRoot),
		w.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (st *StateDB) GetWithdrawal(withdrawalID string) (*agreement.Withdrawal, bool, error) {
	query := selectWithdrawal + ` WHERE withdrawal_id = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	w, err := scanWithdrawal(stmt.QueryRow(withdrawalID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return w, true, nil
}

func (st *StateDB) GetPendingWithdrawals(limit int) ([]*agreement.Withdrawal, error) {
	query := selectWithdrawal + ` WHERE authorized = 0 ORDER BY created_at ASC LIMIT ?`
	return st.queryWithdrawals(query, limit)
}

// GetAuthorizedWithdrawals is what relayers poll for work.
func (st *StateDB) GetAuthorizedWithdrawals(limit int) ([]*agreement.Withdrawal, error) {
	query := selectWithdrawal + ` WHERE authorized = 1 ORDER BY created_at ASC LIMIT ?`
	return st.queryWithdrawals(query, limit)
}

// AuthorizeWithdrawal attaches the signature. The WHERE authorized = 0
// guard makes this a one-way transition; a second caller sees false.
func (st *StateDB) AuthorizeWithdrawal(withdrawalID string, sig []byte) (bool, error) {
	query := `UPDATE withdrawals SET authorized = 1, auth_signature = ?
		WHERE withdrawal_id = ? AND authorized = 0`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	res, err := stmt.Exec(sig, withdrawalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DiscardWithdrawal drops a terminally rejected withdrawal. The record
// is deleted rather than flagged so the same id can never be authorized.
func (st *StateDB) DiscardWithdrawal(withdrawalID string, reason agreement.DiscardReason) error {
	query := `DELETE FROM withdrawals WHERE withdrawal_id = ? AND authorized = 0`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(withdrawalID)
	return err
}

// MarkNullifierSpent records a nullifier as spent. Returns false when it
// was already spent, which is the double-spend signal.
func (st *StateDB) MarkNullifierSpent(nullifier []byte, withdrawalID string, now int64) (bool, error) {
	query := `INSERT OR IGNORE INTO nullifiers (nullifier, spent, withdrawal_id, spent_at)
		VALUES (?, 1, ?, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	res, err := stmt.Exec(common.ByteSliceToPureHexStr(nullifier), withdrawalID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NullifierSpender reports which withdrawal spent a nullifier.
func (st *StateDB) NullifierSpender(nullifier []byte) (string, bool, error) {
	query := `SELECT withdrawal_id FROM nullifiers WHERE nullifier = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return "", false, err
	}

	var wid string
	if err := stmt.QueryRow(common.ByteSliceToPureHexStr(nullifier)).Scan(&wid); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return wid, true, nil
}

func (st *StateDB) IsNullifierSpent(nullifier []byte) (bool, error) {
	query := `SELECT spent FROM nullifiers WHERE nullifier = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	var spent bool
	if err := stmt.QueryRow(common.ByteSliceToPureHexStr(nullifier)).Scan(&spent); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return spent, nil
}

// InsertShieldedNote records a created note keyed by its commitment and
// deposit id. A duplicate deposit id is ignored so note creation can be
// replayed after a crash without double-recording.
func (st *StateDB) InsertShieldedNote(depositID string, note *agreement.ShieldedNote) error {
	query := `INSERT OR IGNORE INTO shielded_notes
		(commitment, deposit_id, txid, amount, source_chain_id, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(
		note.Commitment,
		depositID,
		note.Txid,
		note.Amount.String(),
		note.SourceChainID,
		note.Token,
		note.CreatedAt,
	)
	return err
}

func (st *StateDB) GetShieldedNoteByDeposit(depositID string) (*agreement.ShieldedNote, bool, error) {
	query := `SELECT commitment, txid, amount, source_chain_id, token, created_at
		FROM shielded_notes WHERE deposit_id = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	note := &agreement.ShieldedNote{}
	var amount string
	err = stmt.QueryRow(depositID).Scan(
		&note.Commitment, &note.Txid, &amount,
		&note.SourceChainID, &note.Token, &note.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	note.Amount, _ = new(big.Int).SetString(amount, 10)
	return note, true, nil
}

// UpsertLiquidityPool persists a pool snapshot. The liquidity manager is
// the single writer; this is its durability hook.
func (st *StateDB) UpsertLiquidityPool(chainID uint64, token string, available, locked, target *big.Int) error {
	query := `INSERT OR REPLACE INTO liquidity_pools
		(chain_id, token, available, locked, target) VALUES (?, ?, ?, ?, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(chainID, token, available.String(), locked.String(), target.String())
	return err
}

// PoolRow is the persisted form of a liquidity pool.
type PoolRow struct {
	ChainID   uint64
	Token     string
	Available *big.Int
	Locked    *big.Int
	Target    *big.Int
}

func (st *StateDB) GetLiquidityPools() ([]*PoolRow, error) {
	query := `SELECT chain_id, token, available, locked, target FROM liquidity_pools`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []*PoolRow
	for rows.Next() {
		p := &PoolRow{}
		var available, locked, target string
		if err := rows.Scan(&p.ChainID, &p.Token, &available, &locked, &target); err != nil {
			return nil, err
		}
		p.Available, _ = new(big.Int).SetString(available, 10)
		p.Locked, _ = new(big.Int).SetString(locked, 10)
		p.Target, _ = new(big.Int).SetString(target, 10)
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (st *StateDB) UpdateZcashState(cs *agreement.ChainState) error {
	query := `INSERT OR REPLACE INTO zcash_state
		(id, block_height, best_hash, sync_progress, updated_at)
		VALUES (1, ?, ?, ?, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(cs.BlockHeight, cs.BestHash, cs.SyncProgress, cs.UpdatedAt)
	return err
}

func (st *StateDB) GetZcashState() (*agreement.ChainState, bool, error) {
	query := `SELECT block_height, best_hash, sync_progress, updated_at
		FROM zcash_state WHERE id = 1`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	cs := &agreement.ChainState{}
	err = stmt.QueryRow().Scan(&cs.BlockHeight, &cs.BestHash, &cs.SyncProgress, &cs.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return cs, true, nil
}

// Stats is the operational counter set exposed over RPC.
type Stats struct {
	TotalDeposits        int64 `json:"total_deposits"`
	ProcessedDeposits    int64 `json:"processed_deposits"`
	TotalWithdrawals     int64 `json:"total_withdrawals"`
	AuthorizedWithdrawal int64 `json:"authorized_withdrawals"`
	SpentNullifiers      int64 `json:"spent_nullifiers"`
}

func (st *StateDB) GetStats() (*Stats, error) {
	query := `SELECT
		(SELECT COUNT(*) FROM deposits),
		(SELECT COUNT(*) FROM deposits WHERE processed = 1),
		(SELECT COUNT(*) FROM withdrawals),
		(SELECT COUNT(*) FROM withdrawals WHERE authorized = 1),
		(SELECT COUNT(*) FROM nullifiers)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	s := &Stats{}
	err = stmt.QueryRow().Scan(
		&s.TotalDeposits, &s.ProcessedDeposits,
		&s.TotalWithdrawals, &s.AuthorizedWithdrawal, &s.SpentNullifiers,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetTotalVolume sums deposit amounts for the operator stats. Amounts
// are stored as decimal text, so this is approximate past 2^53.
func (st *StateDB) GetTotalVolume() (float64, error) {
	query := `SELECT COALESCE(SUM(CAST(amount AS REAL)), 0) FROM deposits`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return 0, err
	}

	var volume float64
	if err := stmt.QueryRow().Scan(&volume); err != nil {
		return 0, err
	}
	return volume, nil
}

const selectWithdrawal = `SELECT withdrawal_id, target_chain_id, recipient,
	token, amount, nullifier, proof, merkle_root, authorized,
	COALESCE(auth_signature, X''), created_at FROM withdrawals`

func (st *StateDB) queryWithdrawals(query string, limit int) ([]*agreement.Withdrawal, error) {
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var withdrawals []*agreement.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (*agreement.Deposit, error) {
	d := &agreement.Deposit{}
	var recipient, amount, shieldedAddr string
	err := row.Scan(
		&d.DepositID, &d.SourceChainID, &d.TargetChainID, &d.Sender,
		&recipient, &d.Token, &amount, &shieldedAddr, &d.Processed,
		&d.SettlementTxid, &d.NoteCommitment, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Recipient = common.HexStrToByteSlice(recipient)
	d.Amount, _ = new(big.Int).SetString(amount, 10)
	d.ShieldedAddr = common.HexStrToByteSlice(shieldedAddr)
	return d, nil
}

func scanWithdrawal(row rowScanner) (*agreement.Withdrawal, error) {
	w := &agreement.Withdrawal{}
	var nullifier, amount, merkleRoot string
	err := row.Scan(
		&w.WithdrawalID, &w.TargetChainID, &w.Recipient, &w.Token,
		&amount, &nullifier, &w.Proof, &merkleRoot, &w.Authorized,
		&w.AuthSignature, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Amount, _ = new(big.Int).SetString(amount, 10)
	w.Nullifier = common.HexStrToByteSlice(nullifier)
	w.MerkleRoot = common.HexStrToByteSlice(merkleRoot)
	if len(w.AuthSignature) == 0 {
		w.AuthSignature = nil
	}
	return w, nil
}
