package liquidity

import (
	"errors"
	"math/big"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/state"
)

var (
	ErrPoolNotFound          = errors.New("liquidity pool not found")
	ErrInsufficientLiquidity = errors.New("insufficient available liquidity")
	ErrInvalidAmount         = errors.New("liquidity amount must be positive")
)

type poolKey struct {
	chainID uint64
	token   string
}

// Manager owns every pool and is the only writer. Each mutation happens
// under the lock and is written through to the store before it is
// considered done; a failed write rolls the in-memory balance back so
// memory and disk never drift apart.
type Manager struct {
	mu            sync.Mutex
	pools         map[poolKey]*Pool
	lastRebalance map[poolKey]time.Time
	st            *state.StateDB
}

func NewManager(st *state.StateDB) (*Manager, error) {
	mgr := &Manager{
		pools:         make(map[poolKey]*Pool),
		lastRebalance: make(map[poolKey]time.Time),
		st:            st,
	}

	rows, err := st.GetLiquidityPools()
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		mgr.pools[poolKey{r.ChainID, r.Token}] = &Pool{
			ChainID:   r.ChainID,
			Token:     r.Token,
			Available: r.Available,
			Locked:    r.Locked,
			Target:    r.Target,
		}
	}
	return mgr, nil
}

// EnsurePool creates an empty pool if none exists yet.
func (m *Manager) EnsurePool(chainID uint64, token string, target *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := poolKey{chainID, token}
	if _, ok := m.pools[key]; ok {
		return nil
	}

	p := NewPool(chainID, token, target)
	if err := m.persist(p); err != nil {
		return err
	}
	m.pools[key] = p
	return nil
}

func (m *Manager) AddLiquidity(chainID uint64, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolKey{chainID, token}]
	if !ok {
		return ErrPoolNotFound
	}

	p.Available.Add(p.Available, amount)
	if err := m.persist(p); err != nil {
		p.Available.Sub(p.Available, amount)
		return err
	}
	return nil
}

func (m *Manager) RemoveLiquidity(chainID uint64, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolKey{chainID, token}]
	if !ok {
		return ErrPoolNotFound
	}
	if p.Available.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}

	p.Available.Sub(p.Available, amount)
	if err := m.persist(p); err != nil {
		p.Available.Add(p.Available, amount)
		return err
	}
	return nil
}

// Lock moves funds from available to locked ahead of a withdrawal
// authorization. Fails without side effects when the pool cannot cover
// the amount.
func (m *Manager) Lock(chainID uint64, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolKey{chainID, token}]
	if !ok {
		return ErrPoolNotFound
	}
	if p.Available.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}

	p.Available.Sub(p.Available, amount)
	p.Locked.Add(p.Locked, amount)
	if err := m.persist(p); err != nil {
		p.Available.Add(p.Available, amount)
		p.Locked.Sub(p.Locked, amount)
		return err
	}
	return nil
}

// Release moves funds back from locked to available. A release larger
// than the locked balance is clamped and logged; it indicates a
// bookkeeping bug upstream, not a reason to corrupt the pool.
func (m *Manager) Release(chainID uint64, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolKey{chainID, token}]
	if !ok {
		return ErrPoolNotFound
	}

	moved := common.BigIntClone(amount)
	if p.Locked.Cmp(moved) < 0 {
		logger.WithFields(logger.Fields{
			"chain":  chainID,
			"token":  token,
			"locked": p.Locked,
			"amount": amount,
		}).Warn("release exceeds locked balance, clamping")
		moved.Set(p.Locked)
	}

	p.Locked.Sub(p.Locked, moved)
	p.Available.Add(p.Available, moved)
	if err := m.persist(p); err != nil {
		p.Locked.Add(p.Locked, moved)
		p.Available.Sub(p.Available, moved)
		return err
	}
	return nil
}

// Spend burns locked funds after a withdrawal settles on chain. Like
// Release it clamps rather than going negative.
func (m *Manager) Spend(chainID uint64, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolKey{chainID, token}]
	if !ok {
		return ErrPoolNotFound
	}

	moved := common.BigIntClone(amount)
	if p.Locked.Cmp(moved) < 0 {
		logger.WithFields(logger.Fields{
			"chain":  chainID,
			"token":  token,
			"locked": p.Locked,
			"amount": amount,
		}).Warn("spend exceeds locked balance, clamping")
		moved.Set(p.Locked)
	}

	p.Locked.Sub(p.Locked, moved)
	if err := m.persist(p); err != nil {
		p.Locked.Add(p.Locked, moved)
		return err
	}
	return nil
}

// EnsureAvailable reports whether the pool can cover a prospective
// withdrawal without mutating anything.
func (m *Manager) EnsureAvailable(chainID uint64, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolKey{chainID, token}]
	if !ok {
		return ErrPoolNotFound
	}
	if p.Available.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	return nil
}

// RebalanceDecision is the planned fund movement for one pool. Delta is
// positive when the pool needs a top-up from the treasury and negative
// when excess should be swept out.
type RebalanceDecision struct {
	ChainID uint64
	Token   string
	Delta   *big.Int
	At      int64
}

// Rebalance plans the locked-balance change that brings the pool to
// targetUtilization, at most once per minInterval per pool. A delta
// beyond maxCap is refused outright; an operator has to look at a pool
// that far out of shape. Returns nil when nothing needs to move.
// Executing the movement is the treasury's job, not the manager's.
func (m *Manager) Rebalance(chainID uint64, token string, targetUtilization float64, maxCap *big.Int, minInterval time.Duration) (*RebalanceDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := poolKey{chainID, token}
	p, ok := m.pools[key]
	if !ok {
		return nil, ErrPoolNotFound
	}

	now := time.Now()
	if last, ok := m.lastRebalance[key]; ok && now.Sub(last) < minInterval {
		return nil, nil
	}

	delta := p.RebalanceDelta(targetUtilization)
	if delta.Sign() == 0 {
		return nil, nil
	}
	if maxCap != nil && maxCap.Sign() > 0 && new(big.Int).Abs(delta).Cmp(maxCap) > 0 {
		logger.WithFields(logger.Fields{
			"chain": chainID,
			"token": token,
			"delta": delta,
			"cap":   maxCap,
		}).Warn("rebalance delta exceeds cap, refusing")
		return nil, nil
	}

	m.lastRebalance[key] = now
	logger.WithFields(logger.Fields{
		"chain": chainID,
		"token": token,
		"delta": delta,
	}).Info("rebalance planned")
	return &RebalanceDecision{
		ChainID: chainID,
		Token:   token,
		Delta:   delta,
		At:      now.Unix(),
	}, nil
}

// Pool returns a copy of the pool so callers cannot mutate balances
// behind the manager's back.
func (m *Manager) Pool(chainID uint64, token string) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolKey{chainID, token}]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

func (m *Manager) Pools() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.clone())
	}
	return out
}

// RebalanceCandidates returns copies of pools whose utilization exceeds
// the threshold, for the operator-facing report.
func (m *Manager) RebalanceCandidates(threshold float64) []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Pool
	for _, p := range m.pools {
		if p.NeedsRebalancing(threshold) {
			out = append(out, p.clone())
		}
	}
	return out
}

func (m *Manager) persist(p *Pool) error {
	return m.st.UpsertLiquidityPool(p.ChainID, p.Token, p.Available, p.Locked, p.Target)
}
