package shielded

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/state"
	"github.com/zerobridge-io/zerobridge-go/zcashclient"
)

// zatoshi per coin, used when translating base units for the node.
var coinUnit = big.NewInt(100_000_000)

type NodeSettlerConfig struct {
	// PoolAddr is the shielded address the bridge's notes live under.
	PoolAddr string
	// FundingAddr is the transparent-side address notes are funded from.
	FundingAddr string
}

// NodeSettler implements agreement.ShieldedSettler against a live
// shielded-pool node, with nullifier bookkeeping in the coordinator's
// own store.
type NodeSettler struct {
	cfg      *NodeSettlerConfig
	client   *zcashclient.Client
	st       *state.StateDB
	verifier ProofVerifier
}

func NewNodeSettler(cfg *NodeSettlerConfig, client *zcashclient.Client, st *state.StateDB, verifier ProofVerifier) *NodeSettler {
	if verifier == nil {
		verifier = StructuralVerifier{}
	}
	return &NodeSettler{
		cfg:      cfg,
		client:   client,
		st:       st,
		verifier: verifier,
	}
}

// CreateDepositNote sends a note-funding transaction to the pool address
// with the deposit id in the memo. The store is checked first so a retry
// after a crash returns the note already created instead of minting a
// second one.
func (s *NodeSettler) CreateDepositNote(ctx context.Context, depositID string, sourceChainID uint64, token string, amount *big.Int, recipient []byte, shieldedAddr []byte) (string, string, error) {
	if note, found, err := s.st.GetShieldedNoteByDeposit(depositID); err != nil {
		return "", "", err
	} else if found {
		logger.WithFields(logger.Fields{
			"deposit":    depositID,
			"commitment": common.Shorten(note.Commitment, 8),
		}).Info("reusing existing shielded note")
		return note.Commitment, note.Txid, nil
	}

	memo := hex.EncodeToString([]byte(depositID))
	txid, err := s.client.SendShielded(ctx, s.cfg.FundingAddr, s.cfg.PoolAddr, formatCoinAmount(amount), memo)
	if err != nil {
		return "", "", fmt.Errorf("send shielded note: %w", err)
	}

	commitment := noteCommitment(depositID, txid, shieldedAddr)
	note := &agreement.ShieldedNote{
		Commitment:    commitment,
		Txid:          txid,
		Amount:        common.BigIntClone(amount),
		SourceChainID: sourceChainID,
		Token:         token,
		CreatedAt:     time.Now().Unix(),
	}
	if err := s.st.InsertShieldedNote(depositID, note); err != nil {
		return "", "", err
	}

	logger.WithFields(logger.Fields{
		"deposit":    depositID,
		"txid":       common.Shorten(txid, 8),
		"commitment": common.Shorten(commitment, 8),
	}).Info("shielded note created")
	return commitment, txid, nil
}

func (s *NodeSettler) VerifyWithdrawalProof(ctx context.Context, nullifier []byte, proof []byte, merkleRoot []byte, amount *big.Int) (bool, error) {
	return s.verifier.Verify(nullifier, proof, merkleRoot, amount)
}

func (s *NodeSettler) MarkNullifierSpent(ctx context.Context, nullifier []byte, withdrawalID string) (bool, error) {
	return s.st.MarkNullifierSpent(nullifier, withdrawalID, time.Now().Unix())
}

func (s *NodeSettler) IsNullifierSpent(ctx context.Context, nullifier []byte) (bool, error) {
	return s.st.IsNullifierSpent(nullifier)
}

// noteCommitment derives the note's public commitment from the deposit
// id, the funding txid and the recipient's shielded address.
func noteCommitment(depositID, txid string, shieldedAddr []byte) string {
	h := crypto.Keccak256([]byte(depositID), []byte(txid), shieldedAddr)
	return common.ByteSliceToPureHexStr(h)
}

// formatCoinAmount renders a base-unit amount as the decimal coin string
// the node's wallet RPC expects.
func formatCoinAmount(amount *big.Int) string {
	q, r := new(big.Int).QuoRem(amount, coinUnit, new(big.Int))
	return fmt.Sprintf("%s.%08d", q.String(), r.Uint64())
}
