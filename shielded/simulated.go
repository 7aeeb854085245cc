package shielded

import (
	"context"
	"math/big"
	"sync"

	"github.com/zerobridge-io/zerobridge-go/common"
)

// SimulatedSettler is an in-memory ShieldedSettler for tests. Proof
// verdicts can be forced per nullifier via Reject.
type SimulatedSettler struct {
	mu       sync.Mutex
	notes    map[string][2]string // depositID -> (commitment, txid)
	spentBy  map[string]string    // nullifier hex -> withdrawalID
	rejected map[string]bool

	// Err, when set, is returned by every call to simulate an
	// unreachable backend.
	Err error
}

func NewSimulatedSettler() *SimulatedSettler {
	return &SimulatedSettler{
		notes:    make(map[string][2]string),
		spentBy:  make(map[string]string),
		rejected: make(map[string]bool),
	}
}

// Reject makes VerifyWithdrawalProof return false for this nullifier.
func (s *SimulatedSettler) Reject(nullifier []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[common.ByteSliceToPureHexStr(nullifier)] = true
}

func (s *SimulatedSettler) CreateDepositNote(ctx context.Context, depositID string, sourceChainID uint64, token string, amount *big.Int, recipient []byte, shieldedAddr []byte) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return "", "", s.Err
	}
	if got, ok := s.notes[depositID]; ok {
		return got[0], got[1], nil
	}

	commitment := "cm-" + depositID
	txid := "zc-" + depositID
	s.notes[depositID] = [2]string{commitment, txid}
	return commitment, txid, nil
}

// NoteCount reports how many distinct notes were minted.
func (s *SimulatedSettler) NoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func (s *SimulatedSettler) VerifyWithdrawalProof(ctx context.Context, nullifier []byte, proof []byte, merkleRoot []byte, amount *big.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return false, s.Err
	}
	if s.rejected[common.ByteSliceToPureHexStr(nullifier)] {
		return false, nil
	}
	return StructuralVerifier{}.Verify(nullifier, proof, merkleRoot, amount)
}

func (s *SimulatedSettler) MarkNullifierSpent(ctx context.Context, nullifier []byte, withdrawalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return false, s.Err
	}
	key := common.ByteSliceToPureHexStr(nullifier)
	if _, ok := s.spentBy[key]; ok {
		return false, nil
	}
	s.spentBy[key] = withdrawalID
	return true, nil
}

// SpentBy reports which withdrawal consumed the nullifier, if any.
func (s *SimulatedSettler) SpentBy(nullifier []byte) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wid, ok := s.spentBy[common.ByteSliceToPureHexStr(nullifier)]
	return wid, ok
}

func (s *SimulatedSettler) IsNullifierSpent(ctx context.Context, nullifier []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return false, s.Err
	}
	_, spent := s.spentBy[common.ByteSliceToPureHexStr(nullifier)]
	return spent, nil
}
