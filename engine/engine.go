package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/liquidity"
	"github.com/zerobridge-io/zerobridge-go/metrics"
	"github.com/zerobridge-io/zerobridge-go/state"
	"github.com/zerobridge-io/zerobridge-go/tokenregistry"
	"github.com/zerobridge-io/zerobridge-go/zcashclient"
)

type Config struct {
	Interval  time.Duration
	BatchSize int

	RebalanceThreshold float64
	TargetUtilization  float64
	MaxRebalanceCap    *big.Int
	RebalanceInterval  time.Duration

	// Tick multiples for the slow jobs.
	ChainSyncEvery int
	StatsEvery     int
}

func (cfg *Config) withDefaults() *Config {
	out := *cfg
	if out.Interval == 0 {
		out.Interval = 5 * time.Second
	}
	if out.BatchSize == 0 {
		out.BatchSize = 50
	}
	if out.ChainSyncEvery == 0 {
		out.ChainSyncEvery = 12
	}
	if out.StatsEvery == 0 {
		out.StatsEvery = 30
	}
	return &out
}

// Engine drives the deposit and withdrawal pipelines. One logical tick
// runs at a time; the RPC surface only ever feeds the store, so the
// engine's reads race with nothing but its own next tick.
type Engine struct {
	cfg      *Config
	st       *state.StateDB
	registry *tokenregistry.Registry
	liq      *liquidity.Manager
	settler  agreement.ShieldedSettler
	signer   agreement.WithdrawalSigner
	zc       *zcashclient.Client // nil when chain-state sync is disabled
	sink     *metrics.Sink

	// withdrawal ids currently being processed, so overlapping Tick
	// callers cannot double-drive one record through the pipeline
	inflight sync.Map

	tick int
}

func New(cfg *Config, st *state.StateDB, registry *tokenregistry.Registry, liq *liquidity.Manager,
	settler agreement.ShieldedSettler, signer agreement.WithdrawalSigner,
	zc *zcashclient.Client, sink *metrics.Sink) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		st:       st,
		registry: registry,
		liq:      liq,
		settler:  settler,
		signer:   signer,
		zc:       zc,
		sink:     sink,
	}
}

// Loop ticks until ctx is cancelled. No item failure is fatal here;
// anything that goes wrong is logged and retried on a later tick.
func (e *Engine) Loop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	logger.WithField("interval", e.cfg.Interval).Info("coordinator engine started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("coordinator engine stopped")
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one full pass: deposits, withdrawals, then the slow jobs on
// their tick multiples.
func (e *Engine) Tick(ctx context.Context) {
	e.tick++
	e.sink.IncEngineTicks()

	e.processDeposits(ctx)
	e.processWithdrawals(ctx)
	e.checkRebalance()

	if e.zc != nil && e.tick%e.cfg.ChainSyncEvery == 0 {
		e.syncChainState(ctx)
	}
	if e.tick%e.cfg.StatsEvery == 0 {
		e.logStats()
	}
}

func (e *Engine) processDeposits(ctx context.Context) {
	pending, err := e.st.GetPendingDeposits(e.cfg.BatchSize)
	if err != nil {
		logger.Errorf("load pending deposits: %v", err)
		return
	}

	for _, d := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := e.processDeposit(ctx, d); err != nil {
			logger.WithFields(logger.Fields{
				"deposit": d.DepositID,
				"err":     err,
			}).Warn("deposit left pending")
		}
	}
}

// processDeposit settles one deposit into the shielded pool. Every
// failure path leaves the deposit pending; the note-creation call is
// idempotent per deposit id, so retrying after a crash between note
// creation and bookkeeping cannot mint a second note.
func (e *Engine) processDeposit(ctx context.Context, d *agreement.Deposit) error {
	// Intake events carry the chain-local token address; everything
	// past this point keys on the canonical token identity.
	canonical, ok := e.registry.CanonicalID(d.SourceChainID, d.Token)
	if !ok {
		return fmt.Errorf("resolve source token: %w: chain=%d address=%s",
			tokenregistry.ErrTokenNotFound, d.SourceChainID, d.Token)
	}
	token, err := e.registry.RepresentationOn(canonical, d.TargetChainID)
	if err != nil {
		return fmt.Errorf("resolve destination token: %w", err)
	}
	pool := string(canonical)

	if err := e.liq.EnsureAvailable(d.TargetChainID, pool, d.Amount); err != nil {
		return fmt.Errorf("destination pool: %w", err)
	}

	commitment, txid, err := e.settler.CreateDepositNote(
		ctx, d.DepositID, d.SourceChainID, pool, d.Amount, d.Recipient, d.ShieldedAddr)
	if err != nil {
		return fmt.Errorf("create shielded note: %w", err)
	}

	if err := e.liq.Lock(d.TargetChainID, pool, d.Amount); err != nil {
		return fmt.Errorf("lock liquidity: %w", err)
	}

	done, err := e.st.MarkDepositProcessed(d.DepositID, txid, commitment)
	if err != nil {
		// The lock above is the only durable effect so far; undo it or
		// a retry of this deposit locks the pool twice.
		if relErr := e.liq.Release(d.TargetChainID, pool, d.Amount); relErr != nil {
			logger.Errorf("release after failed settlement persist of %s: %v", d.DepositID, relErr)
		}
		return fmt.Errorf("persist settlement: %w", err)
	}
	if !done {
		// Already completed by an earlier run; undo the second lock.
		if relErr := e.liq.Release(d.TargetChainID, pool, d.Amount); relErr != nil {
			logger.Errorf("release after duplicate settlement of %s: %v", d.DepositID, relErr)
		}
		return nil
	}

	e.sink.IncDepositsProcessed()
	logger.WithFields(logger.Fields{
		"deposit":    d.DepositID,
		"token":      token.Address,
		"chain":      d.TargetChainID,
		"amount":     d.Amount,
		"commitment": common.Shorten(commitment, 8),
	}).Info("deposit settled")
	return nil
}

func (e *Engine) processWithdrawals(ctx context.Context) {
	pending, err := e.st.GetPendingWithdrawals(e.cfg.BatchSize)
	if err != nil {
		logger.Errorf("load pending withdrawals: %v", err)
		return
	}

	for _, w := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := e.ProcessWithdrawal(ctx, w); err != nil {
			logger.WithFields(logger.Fields{
				"withdrawal": w.WithdrawalID,
				"err":        err,
			}).Warn("withdrawal left pending")
		}
	}
}

// ProcessWithdrawal drives one withdrawal to authorized or discarded.
// The in-flight guard plus the store's authorized=0 transition guard
// make authorization at-most-once even under overlapping invocations.
func (e *Engine) ProcessWithdrawal(ctx context.Context, w *agreement.Withdrawal) error {
	if _, loaded := e.inflight.LoadOrStore(w.WithdrawalID, struct{}{}); loaded {
		return nil
	}
	defer e.inflight.Delete(w.WithdrawalID)

	// Resolve the destination token before anything irreversible so a
	// registry gap cannot strand a withdrawal with a spent nullifier.
	// w.Token is the token's address on the target chain.
	token, err := e.registry.Resolve(w.TargetChainID, w.Token)
	if err != nil {
		return fmt.Errorf("resolve destination token: %w", err)
	}
	canonical, _ := e.registry.CanonicalID(w.TargetChainID, w.Token)

	spent, err := e.settler.IsNullifierSpent(ctx, w.Nullifier)
	if err != nil {
		return fmt.Errorf("nullifier lookup: %w", err)
	}
	if spent {
		return e.discard(w, agreement.DiscardNullifierUsed)
	}

	valid, err := e.settler.VerifyWithdrawalProof(ctx, w.Nullifier, w.Proof, w.MerkleRoot, w.Amount)
	if err != nil {
		return fmt.Errorf("verify proof: %w", err)
	}
	if !valid {
		return e.discard(w, agreement.DiscardInvalidProof)
	}

	// Point of no return for the underlying note. A false return means
	// another withdrawal spent the nullifier since the check above.
	fresh, err := e.settler.MarkNullifierSpent(ctx, w.Nullifier, w.WithdrawalID)
	if err != nil {
		return fmt.Errorf("mark nullifier spent: %w", err)
	}
	if !fresh {
		return e.discard(w, agreement.DiscardNullifierUsed)
	}

	sig, err := e.signer.SignWithdrawal(w.WithdrawalID, w.Recipient, token.Address, w.Amount, w.Nullifier)
	if err != nil {
		return fmt.Errorf("sign authorization: %w", err)
	}

	ok, err := e.st.AuthorizeWithdrawal(w.WithdrawalID, sig)
	if err != nil {
		return fmt.Errorf("persist authorization: %w", err)
	}
	if !ok {
		logger.WithField("withdrawal", w.WithdrawalID).Warn("already authorized, skipping")
		return nil
	}

	// Funds are the relayer's responsibility to deliver from here on.
	if err := e.liq.Release(w.TargetChainID, string(canonical), w.Amount); err != nil {
		logger.WithFields(logger.Fields{
			"withdrawal": w.WithdrawalID,
			"err":        err,
		}).Error("liquidity release failed after authorization")
	}

	e.sink.IncWithdrawalsAuthorized()
	logger.WithFields(logger.Fields{
		"withdrawal": w.WithdrawalID,
		"recipient":  common.Shorten(w.Recipient, 8),
		"chain":      w.TargetChainID,
		"amount":     w.Amount,
	}).Info("withdrawal authorized")
	return nil
}

func (e *Engine) discard(w *agreement.Withdrawal, reason agreement.DiscardReason) error {
	if err := e.st.DiscardWithdrawal(w.WithdrawalID, reason); err != nil {
		return fmt.Errorf("discard withdrawal: %w", err)
	}
	e.sink.IncWithdrawalsDiscarded(string(reason))
	logger.WithFields(logger.Fields{
		"withdrawal": w.WithdrawalID,
		"reason":     reason,
	}).Warn("withdrawal discarded")
	return nil
}

func (e *Engine) checkRebalance() {
	if e.cfg.RebalanceThreshold <= 0 {
		return
	}
	for _, p := range e.liq.RebalanceCandidates(e.cfg.RebalanceThreshold) {
		dec, err := e.liq.Rebalance(p.ChainID, p.Token, e.cfg.TargetUtilization,
			e.cfg.MaxRebalanceCap, e.cfg.RebalanceInterval)
		if err != nil {
			logger.Errorf("rebalance %d/%s: %v", p.ChainID, p.Token, err)
			continue
		}
		if dec != nil {
			logger.WithFields(logger.Fields{
				"chain": dec.ChainID,
				"token": dec.Token,
				"delta": dec.Delta,
			}).Info("rebalance recorded")
		}
	}

	for _, p := range e.liq.Pools() {
		available, _ := new(big.Float).SetInt(p.Available).Float64()
		locked, _ := new(big.Float).SetInt(p.Locked).Float64()
		e.sink.SetPoolBalances(fmt.Sprintf("%d", p.ChainID), p.Token, available, locked)
	}
}

func (e *Engine) syncChainState(ctx context.Context) {
	info, err := e.zc.GetBlockchainInfo(ctx)
	if err != nil {
		logger.Warnf("shielded node unreachable: %v", err)
		return
	}
	err = e.st.UpdateZcashState(&agreement.ChainState{
		BlockHeight:  info.Blocks,
		BestHash:     info.BestBlockHash,
		SyncProgress: info.VerificationProgress,
		UpdatedAt:    time.Now().Unix(),
	})
	if err != nil {
		logger.Errorf("persist chain state: %v", err)
	}
}

func (e *Engine) logStats() {
	stats, err := e.st.GetStats()
	if err != nil {
		logger.Errorf("load stats: %v", err)
		return
	}
	logger.WithFields(logger.Fields{
		"deposits":    stats.TotalDeposits,
		"processed":   stats.ProcessedDeposits,
		"withdrawals": stats.TotalWithdrawals,
		"authorized":  stats.AuthorizedWithdrawal,
		"nullifiers":  stats.SpentNullifiers,
	}).Info("coordinator stats")
}
