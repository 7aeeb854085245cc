// Global agreement on types shared between the coordinator and the relayer.

package agreement

import (
	"fmt"
	"math/big"
)

// Deposit is the canonical record of a bridge-in. It is created when a
// relayer notifies the coordinator about a TokensLocked event and becomes
// immutable once Processed flips to true.
type Deposit struct {
	DepositID      string
	SourceChainID  uint64
	TargetChainID  uint64
	Sender         string
	Recipient      []byte // 32 bytes, destination-chain encoding
	Token          string // token contract address on the source chain
	Amount         *big.Int
	ShieldedAddr   []byte // 32 bytes
	Processed      bool
	SettlementTxid string
	NoteCommitment string
	CreatedAt      int64
}

func (d *Deposit) String() string {
	return fmt.Sprintf("deposit{id=%s src=%d dst=%d amount=%v processed=%v}",
		d.DepositID, d.SourceChainID, d.TargetChainID, d.Amount, d.Processed)
}

// Withdrawal is the canonical record of a bridge-out request. It either
// becomes authorized (with a signature attached, exactly once) or is
// discarded when its proof fails verification.
type Withdrawal struct {
	WithdrawalID  string
	TargetChainID uint64
	Recipient     string
	Token         string // token contract address on the target chain
	Amount        *big.Int
	Nullifier     []byte // 32 bytes
	Proof         []byte
	MerkleRoot    []byte // 32 bytes
	Authorized    bool
	AuthSignature []byte
	CreatedAt     int64
}

func (w *Withdrawal) String() string {
	return fmt.Sprintf("withdrawal{id=%s dst=%d amount=%v authorized=%v}",
		w.WithdrawalID, w.TargetChainID, w.Amount, w.Authorized)
}

// AuthorizedWithdrawal is the relayer-facing view of a withdrawal the
// coordinator has verified and signed.
type AuthorizedWithdrawal struct {
	WithdrawalID  string   `json:"withdrawal_id"`
	TargetChainID uint64   `json:"target_chain_id"`
	Recipient     string   `json:"recipient"`
	Token         string   `json:"token"`
	Amount        *big.Int `json:"amount"`
	Nullifier     []byte   `json:"nullifier"`
	AuthSignature []byte   `json:"authorization_signature"`
}

// ShieldedNote records a created privacy note, keyed by its commitment.
type ShieldedNote struct {
	Commitment    string
	Txid          string
	Amount        *big.Int
	SourceChainID uint64
	Token         string
	CreatedAt     int64
}

// ChainState is the persisted sync state of the shielded-pool chain.
type ChainState struct {
	BlockHeight  uint64
	BestHash     string
	SyncProgress float64
	UpdatedAt    int64
}

// DiscardReason says why a withdrawal was terminally rejected.
type DiscardReason string

const (
	DiscardNullifierUsed DiscardReason = "nullifier_used"
	DiscardInvalidProof  DiscardReason = "invalid_proof"
)

// TaskClaim is an advisory lease a relayer takes on a withdrawal to
// discourage duplicate execution. It grants no exclusive rights; the
// gateway's on-chain nullifier check is the real safety net.
type TaskClaim struct {
	TaskID    string `json:"task_id"`
	ClaimedBy string `json:"claimed_by"`
	ClaimedAt int64  `json:"claimed_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func (c *TaskClaim) Expired(now int64) bool {
	return c.ExpiresAt <= now
}
