package liquidity

import (
	"math/big"

	"github.com/zerobridge-io/zerobridge-go/common"
)

// Pool tracks the funds the bridge custodies for one token on one chain.
// Available and Locked only move through the manager's operations, so
// their sum changes only on AddLiquidity and RemoveLiquidity.
type Pool struct {
	ChainID   uint64
	Token     string
	Available *big.Int
	Locked    *big.Int
	Target    *big.Int
}

func NewPool(chainID uint64, token string, target *big.Int) *Pool {
	return &Pool{
		ChainID:   chainID,
		Token:     token,
		Available: big.NewInt(0),
		Locked:    big.NewInt(0),
		Target:    common.BigIntClone(target),
	}
}

func (p *Pool) Total() *big.Int {
	return new(big.Int).Add(p.Available, p.Locked)
}

// Utilization is locked / (available + locked). An empty pool is fully
// utilized so that it always looks like it needs funds.
func (p *Pool) Utilization() float64 {
	total := p.Total()
	if total.Sign() == 0 {
		return 1.0
	}
	locked, _ := new(big.Float).SetInt(p.Locked).Float64()
	all, _ := new(big.Float).SetInt(total).Float64()
	return locked / all
}

func (p *Pool) NeedsRebalancing(threshold float64) bool {
	return p.Utilization() > threshold
}

// RebalanceDelta is the change to the locked balance that brings
// utilization to targetUtilization: positive means lock more, negative
// means unlock.
func (p *Pool) RebalanceDelta(targetUtilization float64) *big.Int {
	total := new(big.Float).SetInt(p.Total())
	want, _ := new(big.Float).Mul(total, big.NewFloat(targetUtilization)).Int(nil)
	return want.Sub(want, p.Locked)
}

func (p *Pool) clone() *Pool {
	return &Pool{
		ChainID:   p.ChainID,
		Token:     p.Token,
		Available: common.BigIntClone(p.Available),
		Locked:    common.BigIntClone(p.Locked),
		Target:    common.BigIntClone(p.Target),
	}
}
