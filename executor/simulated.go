package executor

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/zerobridge-io/zerobridge-go/agreement"
)

// SimulatedAdapter is an in-memory chain adapter for tests. Every
// submission is confirmed immediately unless Err is set.
type SimulatedAdapter struct {
	ChainIDVal uint64
	GasUsed    uint64
	Err        error

	mu        sync.Mutex
	submitted map[string]string
}

func NewSimulatedAdapter(chainID uint64) *SimulatedAdapter {
	return &SimulatedAdapter{
		ChainIDVal: chainID,
		GasUsed:    simulatedGasUsed,
		submitted:  make(map[string]string),
	}
}

const simulatedGasUsed = 84_000

func (s *SimulatedAdapter) ChainID() uint64 { return s.ChainIDVal }

func (s *SimulatedAdapter) SubmitWithdrawal(
	_ context.Context,
	withdrawalID string,
	_ string,
	_ string,
	_ *big.Int,
	_ []byte,
	_ []byte,
) (*agreement.ExecutionResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txRef := fmt.Sprintf("sim-%d-%s", s.ChainIDVal, withdrawalID)
	s.submitted[withdrawalID] = txRef
	return &agreement.ExecutionResult{TxRef: txRef, GasUsed: s.GasUsed}, nil
}

func (s *SimulatedAdapter) HasSubmitted(withdrawalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.submitted[withdrawalID]
	return ok
}

func (s *SimulatedAdapter) SubmissionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}
