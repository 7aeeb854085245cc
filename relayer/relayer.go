// Package relayer drives the execution side of the bridge: it polls the
// coordinator for authorized withdrawals, coordinates with peer relayers
// over gossip to avoid duplicate work, and submits the withdrawals to the
// destination gateways.
package relayer

import (
	"context"
	"math/big"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/coordclient"
	"github.com/zerobridge-io/zerobridge-go/executor"
	"github.com/zerobridge-io/zerobridge-go/gossip"
	"github.com/zerobridge-io/zerobridge-go/metrics"
	"github.com/zerobridge-io/zerobridge-go/relayerdb"
	"github.com/zerobridge-io/zerobridge-go/stake"
)

const feeDenominator = 10_000

// Coordinator is the slice of coordclient.Client the relayer needs.
type Coordinator interface {
	Health(ctx context.Context) (*coordclient.HealthResponse, error)
	AuthorizedWithdrawals(ctx context.Context) ([]*agreement.AuthorizedWithdrawal, error)
}

type Config struct {
	Identity     string
	PollInterval time.Duration

	// FeeBps is the relay fee in basis points of the withdrawal amount.
	FeeBps uint64

	// Periodic duties, in ticks.
	HeartbeatEvery int
	RewardsEvery   int
	StatsEvery     int
}

func (cfg Config) withDefaults() Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.FeeBps == 0 {
		cfg.FeeBps = 10
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 5
	}
	if cfg.RewardsEvery <= 0 {
		cfg.RewardsEvery = 60
	}
	if cfg.StatsEvery <= 0 {
		cfg.StatsEvery = 30
	}
	return cfg
}

type Relayer struct {
	cfg      Config
	coord    Coordinator
	adapters *executor.Registry
	node     *gossip.Node
	rdb      *relayerdb.RelayerDB
	stakeMgr *stake.Manager
	sink     *metrics.Sink
	tick     uint64
}

func New(
	cfg Config,
	coord Coordinator,
	adapters *executor.Registry,
	node *gossip.Node,
	rdb *relayerdb.RelayerDB,
	stakeMgr *stake.Manager,
	sink *metrics.Sink,
) *Relayer {
	return &Relayer{
		cfg:      cfg.withDefaults(),
		coord:    coord,
		adapters: adapters,
		node:     node,
		rdb:      rdb,
		stakeMgr: stakeMgr,
		sink:     sink,
	}
}

// Reconcile surfaces executions whose outcome the previous run never
// learned (broadcast recorded, confirmation not). Their rows keep the
// poll loop from re-submitting; the operator decides what to do with a
// tx that stayed unconfirmed.
func (r *Relayer) Reconcile(ctx context.Context) error {
	pending, err := r.rdb.GetUnconfirmedExecutions()
	if err != nil {
		return err
	}
	for _, ex := range pending {
		logger.WithFields(logger.Fields{
			"withdrawal_id": ex.WithdrawalID,
			"tx":            ex.TxRef,
			"chain_id":      ex.ChainID,
		}).Warn("unconfirmed execution from previous run, will not re-submit")
	}
	if _, err := r.coord.Health(ctx); err != nil {
		logger.Warnf("coordinator not reachable at startup: %v", err)
	}
	return nil
}

// Run blocks until ctx is cancelled. The stake gate is checked before
// the first poll; a relayer below the minimum never joins.
func (r *Relayer) Run(ctx context.Context) error {
	if err := r.stakeMgr.EnsureMinimumStake(); err != nil {
		return err
	}
	if err := r.Reconcile(ctx); err != nil {
		return err
	}

	logger.WithFields(logger.Fields{
		"identity": r.cfg.Identity,
		"interval": r.cfg.PollInterval,
	}).Info("relayer started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one poll pass plus whatever periodic duties are due.
func (r *Relayer) Tick(ctx context.Context) {
	r.tick++
	r.sink.IncEngineTicks()

	r.poll(ctx)

	if r.tick%uint64(r.cfg.HeartbeatEvery) == 0 {
		r.node.Heartbeat(r.stakeMgr.Staked().String())
	}
	if r.tick%uint64(r.cfg.RewardsEvery) == 0 {
		if claimed, err := r.stakeMgr.ClaimRewards(); err != nil {
			logger.Errorf("reward claim failed: %v", err)
		} else if claimed.Sign() > 0 {
			logger.Infof("claimed %s in relay rewards", claimed)
		}
	}
	if r.tick%uint64(r.cfg.StatsEvery) == 0 {
		r.logStats()
	}
}

func (r *Relayer) poll(ctx context.Context) {
	withdrawals, err := r.coord.AuthorizedWithdrawals(ctx)
	if err != nil {
		logger.Warnf("failed to fetch authorized withdrawals: %v", err)
		return
	}

	for _, w := range withdrawals {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.processWithdrawal(ctx, w)
	}
}

func (r *Relayer) processWithdrawal(ctx context.Context, w *agreement.AuthorizedWithdrawal) {
	executed, err := r.rdb.HasExecuted(w.WithdrawalID)
	if err != nil {
		logger.Errorf("execution lookup for %s failed: %v", w.WithdrawalID, err)
		return
	}
	if executed {
		return
	}

	// Advisory dedupe: if a peer holds an unexpired claim, leave the task
	// to them. Their lease expiring puts it back up for grabs.
	if r.node.IsClaimed(w.WithdrawalID) {
		return
	}
	if !r.node.Claim(w.WithdrawalID) {
		return
	}

	adapter, err := r.adapters.Adapter(w.TargetChainID)
	if err != nil {
		logger.Warnf("withdrawal %s targets unsupported chain %d", w.WithdrawalID, w.TargetChainID)
		return
	}

	res, err := adapter.SubmitWithdrawal(ctx, w.WithdrawalID, w.Recipient, w.Token, w.Amount, w.Nullifier, w.AuthSignature)
	now := time.Now().Unix()
	if err != nil {
		r.sink.IncRelaysFailed()
		if perfErr := r.rdb.RecordPerformance(w.WithdrawalID, false, err.Error(), now); perfErr != nil {
			logger.Errorf("failed to record performance for %s: %v", w.WithdrawalID, perfErr)
		}
		logger.WithFields(logger.Fields{
			"withdrawal_id": w.WithdrawalID,
			"chain_id":      w.TargetChainID,
		}).Errorf("relay failed, leaving for lease expiry: %v", err)
		return
	}

	fee := r.relayFee(w.Amount)
	// The adapter records the pending row through its recorder; this
	// insert is a no-op then, and covers adapters without one.
	if err := r.rdb.RecordPendingExecution(w.WithdrawalID, res.TxRef, w.TargetChainID, now); err != nil {
		logger.Errorf("failed to record execution for %s: %v", w.WithdrawalID, err)
	}
	if err := r.rdb.ConfirmExecution(w.WithdrawalID, res.GasUsed, fee); err != nil {
		logger.Errorf("failed to confirm execution for %s: %v", w.WithdrawalID, err)
	}
	if err := r.rdb.RecordPerformance(w.WithdrawalID, true, "", now); err != nil {
		logger.Errorf("failed to record performance for %s: %v", w.WithdrawalID, err)
	}

	r.node.MarkExecuted(w.WithdrawalID, res.TxRef)
	r.sink.IncRelaysSucceeded()

	logger.WithFields(logger.Fields{
		"withdrawal_id": w.WithdrawalID,
		"chain_id":      w.TargetChainID,
		"tx":            res.TxRef,
		"gas":           res.GasUsed,
		"fee":           fee,
	}).Info("withdrawal relayed")
}

func (r *Relayer) relayFee(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(r.cfg.FeeBps))
	return fee.Div(fee, big.NewInt(feeDenominator))
}

func (r *Relayer) logStats() {
	swept := r.node.Board().Sweep()
	if pruned, err := r.rdb.PruneExpiredClaims(time.Now().Unix()); err == nil && pruned > 0 {
		logger.Debugf("pruned %d expired claims", pruned)
	}

	stats, err := r.rdb.GetStats()
	if err != nil {
		logger.Errorf("failed to read relayer stats: %v", err)
		return
	}
	logger.WithFields(logger.Fields{
		"executions":  stats.TotalExecutions,
		"confirmed":   stats.ConfirmedExecutions,
		"successes":   stats.SuccessfulRelays,
		"failures":    stats.FailedRelays,
		"fees_earned": stats.TotalFeesEarned,
		"open_claims": r.node.Board().ClaimCount(),
		"live_peers":  r.node.LivePeers(5 * time.Minute),
		"swept":       swept,
	}).Info("relayer stats")
}

// ClaimedTasks is a small visibility helper for operators.
func (r *Relayer) ClaimedTasks() int {
	return r.node.Board().ClaimCount()
}

var _ Coordinator = (*coordclient.Client)(nil)
