package relayerdb

import (
	"database/sql"
	"math/big"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/database"
)

var (
	// A row lands here the moment a tx is submitted, before the
	// confirmation wait, so a shutdown mid-wait leaves an unconfirmed
	// row for startup reconciliation instead of a silent gap.
	executionTable = `CREATE TABLE IF NOT EXISTS withdrawal_executions (
		withdrawal_id CHAR(32) PRIMARY KEY NOT NULL,
		tx_ref TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		executed_at INTEGER NOT NULL,
		gas_used INTEGER NOT NULL DEFAULT 0,
		fee_earned TEXT NOT NULL DEFAULT '0',
		confirmed INTEGER NOT NULL DEFAULT 0,
		CONSTRAINT chk_confirmed CHECK (confirmed IN (0, 1))
	);`

	performanceTable = `CREATE TABLE IF NOT EXISTS relay_performance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		withdrawal_id CHAR(32) NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		timestamp INTEGER NOT NULL,
		CONSTRAINT chk_success CHECK (success IN (0, 1))
	);`

	claimTable = `CREATE TABLE IF NOT EXISTS task_claims (
		task_id CHAR(32) PRIMARY KEY NOT NULL,
		claimed_by TEXT NOT NULL,
		claimed_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);`
)

// RelayerDB is the relayer's local execution ledger.
type RelayerDB struct {
	stmtCache *database.StmtCache
}

func NewRelayerDB(db *sql.DB) (*RelayerDB, error) {
	if _, err := db.Exec(executionTable + performanceTable + claimTable); err != nil {
		return nil, err
	}
	return &RelayerDB{
		stmtCache: database.NewStmtCache(db),
	}, nil
}

func (r *RelayerDB) Close() {
	r.stmtCache.Clear()
}

// Execution is one submitted withdrawal transaction.
type Execution struct {
	WithdrawalID string
	TxRef        string
	ChainID      uint64
	ExecutedAt   int64
	GasUsed      uint64
	FeeEarned    *big.Int
	Confirmed    bool
}

// RecordPendingExecution writes the tx ref with confirmed=0. Duplicate
// withdrawal ids are ignored so a retried submission cannot clobber the
// original record.
func (r *RelayerDB) RecordPendingExecution(withdrawalID, txRef string, chainID uint64, executedAt int64) error {
	query := `INSERT OR IGNORE INTO withdrawal_executions
		(withdrawal_id, tx_ref, chain_id, executed_at, confirmed)
		VALUES (?, ?, ?, ?, 0)`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(withdrawalID, txRef, chainID, executedAt)
	return err
}

func (r *RelayerDB) ConfirmExecution(withdrawalID string, gasUsed uint64, feeEarned *big.Int) error {
	query := `UPDATE withdrawal_executions SET confirmed = 1, gas_used = ?, fee_earned = ?
		WHERE withdrawal_id = ?`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	fee := "0"
	if feeEarned != nil {
		fee = feeEarned.String()
	}
	_, err = stmt.Exec(gasUsed, fee, withdrawalID)
	return err
}

func (r *RelayerDB) GetExecution(withdrawalID string) (*Execution, bool, error) {
	query := `SELECT withdrawal_id, tx_ref, chain_id, executed_at, gas_used, fee_earned, confirmed
		FROM withdrawal_executions WHERE withdrawal_id = ?`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	e := &Execution{}
	var fee string
	err = stmt.QueryRow(withdrawalID).Scan(
		&e.WithdrawalID, &e.TxRef, &e.ChainID, &e.ExecutedAt, &e.GasUsed, &fee, &e.Confirmed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	e.FeeEarned, _ = new(big.Int).SetString(fee, 10)
	return e, true, nil
}

// GetUnconfirmedExecutions lists submissions with unknown outcome, for
// startup reconciliation against the coordinator.
func (r *RelayerDB) GetUnconfirmedExecutions() ([]*Execution, error) {
	query := `SELECT withdrawal_id, tx_ref, chain_id, executed_at, gas_used, fee_earned, confirmed
		FROM withdrawal_executions WHERE confirmed = 0 ORDER BY executed_at ASC`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e := &Execution{}
		var fee string
		if err := rows.Scan(&e.WithdrawalID, &e.TxRef, &e.ChainID, &e.ExecutedAt,
			&e.GasUsed, &fee, &e.Confirmed); err != nil {
			return nil, err
		}
		e.FeeEarned, _ = new(big.Int).SetString(fee, 10)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *RelayerDB) HasExecuted(withdrawalID string) (bool, error) {
	query := `SELECT 1 FROM withdrawal_executions WHERE withdrawal_id = ?`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	var one int
	if err := stmt.QueryRow(withdrawalID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *RelayerDB) RecordPerformance(withdrawalID string, success bool, errMsg string, timestamp int64) error {
	query := `INSERT INTO relay_performance (withdrawal_id, success, error, timestamp)
		VALUES (?, ?, ?, ?)`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(withdrawalID, success, errMsg, timestamp)
	return err
}

func (r *RelayerDB) UpsertClaim(c *agreement.TaskClaim) error {
	query := `INSERT OR REPLACE INTO task_claims (task_id, claimed_by, claimed_at, expires_at)
		VALUES (?, ?, ?, ?)`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(c.TaskID, c.ClaimedBy, c.ClaimedAt, c.ExpiresAt)
	return err
}

func (r *RelayerDB) DeleteClaim(taskID string) error {
	query := `DELETE FROM task_claims WHERE task_id = ?`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(taskID)
	return err
}

func (r *RelayerDB) GetClaims() ([]*agreement.TaskClaim, error) {
	query := `SELECT task_id, claimed_by, claimed_at, expires_at FROM task_claims`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*agreement.TaskClaim
	for rows.Next() {
		c := &agreement.TaskClaim{}
		if err := rows.Scan(&c.TaskID, &c.ClaimedBy, &c.ClaimedAt, &c.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *RelayerDB) PruneExpiredClaims(now int64) (int64, error) {
	query := `DELETE FROM task_claims WHERE expires_at <= ?`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return 0, err
	}
	res, err := stmt.Exec(now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats summarizes the relayer's track record.
type Stats struct {
	TotalExecutions     int64
	ConfirmedExecutions int64
	SuccessfulRelays    int64
	FailedRelays        int64
	TotalFeesEarned     *big.Int
}

func (r *RelayerDB) GetStats() (*Stats, error) {
	query := `SELECT
		(SELECT COUNT(*) FROM withdrawal_executions),
		(SELECT COUNT(*) FROM withdrawal_executions WHERE confirmed = 1),
		(SELECT COUNT(*) FROM relay_performance WHERE success = 1),
		(SELECT COUNT(*) FROM relay_performance WHERE success = 0),
		(SELECT COALESCE(SUM(CAST(fee_earned AS INTEGER)), 0) FROM withdrawal_executions WHERE confirmed = 1)`
	stmt, err := r.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	s := &Stats{}
	var fees int64
	err = stmt.QueryRow().Scan(&s.TotalExecutions, &s.ConfirmedExecutions,
		&s.SuccessfulRelays, &s.FailedRelays, &fees)
	if err != nil {
		return nil, err
	}
	s.TotalFeesEarned = big.NewInt(fees)
	return s, nil
}
