// Package stake tracks the relayer's bonded stake and its relay-fee
// rewards. The bond is an economic honesty deposit; execution itself is
// guarded by the gateways' nullifier checks, not by the stake.
package stake

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/config"
	"github.com/zerobridge-io/zerobridge-go/metrics"
	"github.com/zerobridge-io/zerobridge-go/relayerdb"
)

var (
	ErrInsufficientStake = errors.New("staked amount below minimum")
	ErrBadAmount         = errors.New("malformed stake amount")
)

// Manager holds the bonded stake and reconciles claimed rewards against
// the fee totals recorded in the relayer store.
type Manager struct {
	mu          sync.Mutex
	staked      *big.Int
	claimed     *big.Int
	minStake    *big.Int
	autoRestake bool
	db          *relayerdb.RelayerDB
	sink        *metrics.Sink
}

func NewManager(cfg config.StakeConfig, db *relayerdb.RelayerDB, sink *metrics.Sink) (*Manager, error) {
	staked, err := parseAmount(cfg.Amount)
	if err != nil {
		return nil, fmt.Errorf("staking.amount: %w", err)
	}
	minStake, err := parseAmount(cfg.MinStake)
	if err != nil {
		return nil, fmt.Errorf("staking.min_stake: %w", err)
	}
	m := &Manager{
		staked:      staked,
		claimed:     big.NewInt(0),
		minStake:    minStake,
		autoRestake: cfg.AutoRestake,
		db:          db,
		sink:        sink,
	}
	sink.SetStakeAmount(float64FromBig(staked))
	return m, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, s)
	}
	return v, nil
}

// EnsureMinimumStake is the startup gate: a relayer below the minimum
// must not join the swarm.
func (m *Manager) EnsureMinimumStake() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staked.Cmp(m.minStake) < 0 {
		return fmt.Errorf("%w: staked=%s min=%s", ErrInsufficientStake, m.staked, m.minStake)
	}
	return nil
}

func (m *Manager) Staked() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.staked)
}

// Bond adds to the stake.
func (m *Manager) Bond(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrBadAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staked.Add(m.staked, amount)
	m.sink.SetStakeAmount(float64FromBig(m.staked))
	return nil
}

// PendingRewards is the fee total the store has recorded minus what has
// already been claimed.
func (m *Manager) PendingRewards() (*big.Int, error) {
	stats, err := m.db.GetStats()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := new(big.Int).Sub(stats.TotalFeesEarned, m.claimed)
	if pending.Sign() < 0 {
		pending.SetInt64(0)
	}
	return pending, nil
}

// ClaimRewards moves pending rewards into the claimed bucket and, with
// auto-restake on, folds them into the stake. Returns the amount claimed.
func (m *Manager) ClaimRewards() (*big.Int, error) {
	pending, err := m.PendingRewards()
	if err != nil {
		return nil, err
	}
	if pending.Sign() == 0 {
		return pending, nil
	}

	m.mu.Lock()
	m.claimed.Add(m.claimed, pending)
	if m.autoRestake {
		m.staked.Add(m.staked, pending)
		m.sink.SetStakeAmount(float64FromBig(m.staked))
	}
	m.mu.Unlock()

	m.sink.AddRewardsEarned(float64FromBig(pending))
	logger.WithFields(logger.Fields{
		"amount":       pending,
		"auto_restake": m.autoRestake,
	}).Info("rewards claimed")
	return pending, nil
}

// float64FromBig is fine for metrics; exact accounting stays in big.Int.
func float64FromBig(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
