// Package executor submits authorized withdrawals to destination-chain
// gateways. One adapter per chain; the EVM adapter talks to the gateway
// contract directly, other chain families go through their gateway's
// JSON-RPC service.
package executor

import (
	"errors"
	"sort"

	"github.com/zerobridge-io/zerobridge-go/agreement"
)

var ErrNoAdapter = errors.New("no adapter registered for chain")

// PendingRecorder persists a broadcast transaction reference before the
// confirmation wait starts, so a crash mid-wait can be reconciled on
// restart instead of re-submitting.
type PendingRecorder interface {
	RecordPendingExecution(withdrawalID, txRef string, chainID uint64, executedAt int64) error
}

// Registry holds the chain adapters a relayer is configured for.
type Registry struct {
	adapters map[uint64]agreement.ChainAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[uint64]agreement.ChainAdapter)}
}

func (r *Registry) Register(a agreement.ChainAdapter) {
	r.adapters[a.ChainID()] = a
}

func (r *Registry) Adapter(chainID uint64) (agreement.ChainAdapter, error) {
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, ErrNoAdapter
	}
	return a, nil
}

// ChainIDs returns the registered chain ids in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
