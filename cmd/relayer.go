package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/config"
	"github.com/zerobridge-io/zerobridge-go/coordclient"
	"github.com/zerobridge-io/zerobridge-go/eventsync"
	"github.com/zerobridge-io/zerobridge-go/executor"
	"github.com/zerobridge-io/zerobridge-go/gossip"
	"github.com/zerobridge-io/zerobridge-go/metrics"
	"github.com/zerobridge-io/zerobridge-go/relayer"
	"github.com/zerobridge-io/zerobridge-go/relayerdb"
	"github.com/zerobridge-io/zerobridge-go/stake"
)

// StartRelayerAndWait wires a relayer instance and blocks until ctx is
// cancelled: gossip endpoint, chain listeners, executor adapters and the
// poll loop all run under one WaitGroup.
func StartRelayerAndWait(ctx context.Context, cfg *config.RelayerConfig) error {
	identity := cfg.Identity
	if identity == "" {
		identity = "relayer-" + uuid.NewString()[:8]
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	defer db.Close()

	rdb, err := relayerdb.NewRelayerDB(db)
	if err != nil {
		return fmt.Errorf("initialize relayer store: %w", err)
	}
	defer rdb.Close()

	sink := metrics.NewSink("relayer")
	coord := coordclient.NewClient(cfg.CoordinatorURL, 15*time.Second)

	board := gossip.NewTaskBoard(identity, gossip.ClaimTTL, rdb)
	node := gossip.NewNode(identity, cfg.P2P.ListenAddr, cfg.P2P.Peers, board, sink)

	adapters := executor.NewRegistry()
	for _, chain := range cfg.Chains {
		if chain.Type.IsEVM() {
			a, err := executor.NewEVMAdapter(chain, rdb)
			if err != nil {
				return fmt.Errorf("chain %d adapter: %w", chain.ChainID, err)
			}
			adapters.Register(a)
		} else {
			adapters.Register(executor.NewGatewayAdapter(chain, rdb))
		}
	}

	listeners, err := eventsync.NewManagerFromConfig(cfg.Chains, coord)
	if err != nil {
		return fmt.Errorf("build listeners: %w", err)
	}

	stakeMgr, err := stake.NewManager(cfg.Staking, rdb, sink)
	if err != nil {
		return fmt.Errorf("stake: %w", err)
	}
	if err := stakeMgr.EnsureMinimumStake(); err != nil {
		return err
	}

	rel := relayer.New(relayer.Config{
		Identity:     identity,
		PollInterval: cfg.PollInterval,
	}, coord, adapters, node, rdb, stakeMgr, sink)

	var wg sync.WaitGroup
	if cfg.P2P.ListenAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := node.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("gossip endpoint stopped: %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		listeners.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rel.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("relayer stopped: %v", err)
		}
	}()
	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Serve(ctx, cfg.MetricsAddr); err != nil && ctx.Err() == nil {
				logger.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	logger.WithFields(logger.Fields{
		"identity":    identity,
		"coordinator": cfg.CoordinatorURL,
		"chains":      len(cfg.Chains),
		"peers":       len(cfg.P2P.Peers),
	}).Info("relayer running")

	wg.Wait()
	logger.Info("relayer shut down")
	return nil
}
