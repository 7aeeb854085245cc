package state

import "strings"

var (
	strZeroBytes32 = strings.Repeat("0", 64)

	// life cycle of a deposit: inserted unprocessed by a relayer
	// notification, flipped to processed exactly once by the engine.
	depositTable = `CREATE TABLE IF NOT EXISTS deposits (
		deposit_id CHAR(32) PRIMARY KEY NOT NULL,
		source_chain_id INTEGER NOT NULL,
		target_chain_id INTEGER NOT NULL,
		sender TEXT NOT NULL,
		recipient CHAR(64) NOT NULL,
		token TEXT NOT NULL,
		amount TEXT NOT NULL,
		shielded_addr CHAR(64) NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		settlement_txid TEXT,
		note_commitment TEXT,
		created_at INTEGER NOT NULL,
		CONSTRAINT chk_deposit_id CHECK (deposit_id != ''),
		CONSTRAINT chk_recipient CHECK (recipient != '` + strZeroBytes32 + `'),
		CONSTRAINT chk_processed CHECK (processed IN (0, 1))
	);
	CREATE INDEX IF NOT EXISTS idx_deposits_processed ON deposits(processed, created_at);`

	// life cycle of a withdrawal: inserted unauthorized, then either
	// authorized (signature attached, one-way) or deleted on invalid proof.
	withdrawalTable = `CREATE TABLE IF NOT EXISTS withdrawals (
		withdrawal_id CHAR(32) PRIMARY KEY NOT NULL,
		target_chain_id INTEGER NOT NULL,
		recipient TEXT NOT NULL,
		token TEXT NOT NULL,
		amount TEXT NOT NULL,
		nullifier CHAR(64) NOT NULL,
		proof BLOB NOT NULL,
		merkle_root CHAR(64) NOT NULL,
		authorized INTEGER NOT NULL DEFAULT 0,
		auth_signature BLOB,
		created_at INTEGER NOT NULL,
		CONSTRAINT chk_withdrawal_id CHECK (withdrawal_id != ''),
		CONSTRAINT chk_nullifier CHECK (nullifier != '` + strZeroBytes32 + `'),
		CONSTRAINT chk_authorized CHECK (authorized IN (0, 1))
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_authorized ON withdrawals(authorized, created_at);`

	// a nullifier row exists iff it has been spent; the PRIMARY KEY is
	// what makes double-spending a conflict instead of a race.
	nullifierTable = `CREATE TABLE IF NOT EXISTS nullifiers (
		nullifier CHAR(64) PRIMARY KEY NOT NULL,
		spent INTEGER NOT NULL DEFAULT 1,
		withdrawal_id CHAR(32),
		spent_at INTEGER NOT NULL
	);`

	// deposit_id is carried so note creation can be replayed idempotently
	// after a crash between note creation and deposit bookkeeping.
	shieldedNoteTable = `CREATE TABLE IF NOT EXISTS shielded_notes (
		commitment TEXT PRIMARY KEY NOT NULL,
		deposit_id CHAR(32) NOT NULL UNIQUE,
		txid TEXT NOT NULL,
		amount TEXT NOT NULL,
		source_chain_id INTEGER NOT NULL,
		token TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`

	liquidityPoolTable = `CREATE TABLE IF NOT EXISTS liquidity_pools (
		chain_id INTEGER NOT NULL,
		token TEXT NOT NULL,
		available TEXT NOT NULL,
		locked TEXT NOT NULL,
		target TEXT NOT NULL,
		PRIMARY KEY (chain_id, token)
	);`

	zcashStateTable = `CREATE TABLE IF NOT EXISTS zcash_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		block_height INTEGER NOT NULL,
		best_hash TEXT NOT NULL,
		sync_progress REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);`
)
