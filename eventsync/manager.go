// Package eventsync watches source-chain gateways for deposit and
// withdrawal events and forwards them to the coordinator. One listener
// per configured chain; a broken chain never takes the others down.
package eventsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/config"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 2 * time.Minute
)

// Manager runs a set of listeners and restarts any that fail, with
// per-listener exponential backoff.
type Manager struct {
	listeners []agreement.DepositListener
}

func NewManager(listeners ...agreement.DepositListener) *Manager {
	return &Manager{listeners: listeners}
}

// NewManagerFromConfig builds one listener per configured chain. EVM
// chains get a log scanner, everything else a gateway JSON-RPC poller.
func NewManagerFromConfig(chains []config.ChainConfig, notifier Notifier) (*Manager, error) {
	listeners := make([]agreement.DepositListener, 0, len(chains))
	for _, chain := range chains {
		if chain.Type.IsEVM() {
			l, err := NewEVMListener(chain, notifier)
			if err != nil {
				return nil, fmt.Errorf("chain %d listener: %w", chain.ChainID, err)
			}
			listeners = append(listeners, l)
		} else {
			listeners = append(listeners, NewGatewayListener(chain, notifier))
		}
	}
	return NewManager(listeners...), nil
}

// Run blocks until ctx is cancelled. Listener errors are logged and the
// listener is restarted after a backoff that doubles per consecutive
// failure and resets once it has stayed up past the backoff ceiling.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range m.listeners {
		wg.Add(1)
		go func(l agreement.DepositListener) {
			defer wg.Done()
			m.supervise(ctx, l)
		}(l)
	}
	wg.Wait()
}

func (m *Manager) supervise(ctx context.Context, l agreement.DepositListener) {
	backoff := initialBackoff
	for {
		started := time.Now()
		err := l.Listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxBackoff {
			backoff = initialBackoff
		}

		logger.WithFields(logger.Fields{
			"chain_id": l.ChainID(),
			"backoff":  backoff,
		}).Errorf("listener failed, restarting: %v", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
