package state

import (
	"database/sql"
	"math/big"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
)

// USDC addresses used by the random fixtures, matching the token file
// fixtures test rigs load.
const (
	UsdcEthereum = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	UsdcBase     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

func RandDeposit() *agreement.Deposit {
	sender := common.RandEvmAddress()
	amount := big.NewInt(1_000_000)
	now := time.Now().Unix()
	recipient := common.RandBytes32()
	shieldedAddr := common.RandBytes32()

	return &agreement.Deposit{
		DepositID:     common.DepositID(sender.Hex(), UsdcEthereum, amount, 8453, 1, now),
		SourceChainID: 1,
		TargetChainID: 8453,
		Sender:        sender.Hex(),
		Recipient:     recipient[:],
		Token:         UsdcEthereum,
		Amount:        amount,
		ShieldedAddr:  shieldedAddr[:],
		CreatedAt:     now,
	}
}

func RandWithdrawal() *agreement.Withdrawal {
	recipient := common.RandEvmAddress().Hex()
	amount := big.NewInt(2_000_000)
	nullifier := common.RandBytes32()
	root := common.RandBytes32()

	return &agreement.Withdrawal{
		WithdrawalID:  common.WithdrawalID(recipient, UsdcBase, amount, nullifier[:], 7),
		TargetChainID: 8453,
		Recipient:     recipient,
		Token:         UsdcBase,
		Amount:        amount,
		Nullifier:     nullifier[:],
		Proof:         common.RandBytes(192),
		MerkleRoot:    root[:],
		CreatedAt:     time.Now().Unix(),
	}
}

func getMemoryDB() *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		logger.Fatal(err)
	}
	return db
}
