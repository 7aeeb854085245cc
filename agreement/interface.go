// Implement the following interfaces to make the bridge work with your
// chain / your shielded backend.

package agreement

import (
	"context"
	"math/big"
)

// ShieldedSettler is the settlement capability of the shielded pool.
// The underlying cryptography is opaque to the bridge; the coordinator only
// relies on the contract below.
type ShieldedSettler interface {
	// CreateDepositNote creates a privacy note for a deposit and returns
	// (note commitment, settlement txid). The call MUST be idempotent per
	// depositID: retrying after a crash returns the already-created note
	// instead of minting a second one.
	CreateDepositNote(ctx context.Context, depositID string, sourceChainID uint64, token string, amount *big.Int, recipient []byte, shieldedAddr []byte) (string, string, error)

	// VerifyWithdrawalProof checks a spend proof against the nullifier,
	// merkle root and amount. Returns (false, nil) for an invalid proof;
	// an error only signals the backend being unreachable.
	VerifyWithdrawalProof(ctx context.Context, nullifier []byte, proof []byte, merkleRoot []byte, amount *big.Int) (bool, error)

	// MarkNullifierSpent is the point of no return for the underlying
	// note. The withdrawal id records which withdrawal consumed the
	// note. Returns (false, nil) when the nullifier was already spent,
	// which is the double-spend signal.
	MarkNullifierSpent(ctx context.Context, nullifier []byte, withdrawalID string) (bool, error)

	IsNullifierSpent(ctx context.Context, nullifier []byte) (bool, error)
}

// WithdrawalSigner issues the coordinator's authorization signature over a
// withdrawal. The signed message layout is the cross-component contract the
// destination gateway reconstructs; see signer.BuildWithdrawalMessage.
type WithdrawalSigner interface {
	SignWithdrawal(withdrawalID string, recipient string, tokenAddr string, amount *big.Int, nullifier []byte) ([]byte, error)
}

// ExecutionResult is what a chain adapter reports back for a confirmed
// submission. GasUsed is zero on chains without a gas notion.
type ExecutionResult struct {
	TxRef   string
	GasUsed uint64
}

// ChainAdapter submits authorized withdrawals to one chain's gateway.
// One implementation per chain family; the relayer holds a set of adapters
// keyed by chain id.
type ChainAdapter interface {
	ChainID() uint64

	// SubmitWithdrawal submits executeWithdrawal to the gateway and blocks
	// until the configured confirmation count is reached or ctx expires.
	// On error the result still carries the tx reference when the
	// transaction made it out before the failure.
	SubmitWithdrawal(ctx context.Context, withdrawalID string, recipient string, token string, amount *big.Int, nullifier []byte, authSignature []byte) (*ExecutionResult, error)
}

// DepositListener is the intake side of a chain adapter: it watches the
// gateway for lock/withdraw events and forwards them as coordinator
// notifications. A listener failure must stay isolated to its chain.
type DepositListener interface {
	ChainID() uint64
	Listen(ctx context.Context) error
}
