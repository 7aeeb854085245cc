// Package cmd assembles the coordinator and relayer processes from their
// components and runs them until a shutdown signal arrives.
package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/config"
	"github.com/zerobridge-io/zerobridge-go/engine"
	"github.com/zerobridge-io/zerobridge-go/liquidity"
	"github.com/zerobridge-io/zerobridge-go/metrics"
	"github.com/zerobridge-io/zerobridge-go/rpcserver"
	"github.com/zerobridge-io/zerobridge-go/shielded"
	"github.com/zerobridge-io/zerobridge-go/signer"
	"github.com/zerobridge-io/zerobridge-go/state"
	"github.com/zerobridge-io/zerobridge-go/tokenregistry"
	"github.com/zerobridge-io/zerobridge-go/zcashclient"
)

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// StartCoordinatorAndWait wires the coordinator and blocks until ctx is
// cancelled. Startup failures (config, database, keys) are returned;
// anything after that is logged and survived.
func StartCoordinatorAndWait(ctx context.Context, cfg *config.CoordinatorConfig) error {
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	defer db.Close()

	st, err := state.NewStateDB(db)
	if err != nil {
		return fmt.Errorf("initialize state: %w", err)
	}
	defer st.Close()

	registry, err := tokenregistry.Load(cfg.TokensFile)
	if err != nil {
		return fmt.Errorf("load token registry: %w", err)
	}

	liq, err := liquidity.NewManager(st)
	if err != nil {
		return fmt.Errorf("restore liquidity pools: %w", err)
	}

	authSigner, err := signer.NewAuthSignerFromHex(cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	logger.Infof("authorization signer address: %s", authSigner.Address().Hex())

	sink := metrics.NewSink("coordinator")

	zc := zcashclient.NewClient(&zcashclient.ClientConfig{
		URL:      cfg.Node.URL,
		Username: cfg.Node.Username,
		Pwd:      cfg.Node.Password,
	})
	settler := shielded.NewNodeSettler(&shielded.NodeSettlerConfig{
		PoolAddr:    cfg.Node.PoolAddr,
		FundingAddr: cfg.Node.FundingAddr,
	}, zc, st, shielded.StructuralVerifier{})

	var maxCap *big.Int
	if cfg.Liquidity.MaxRebalanceCap != "" {
		maxCap, _ = new(big.Int).SetString(cfg.Liquidity.MaxRebalanceCap, 10)
		if maxCap == nil {
			return fmt.Errorf("malformed liquidity.max_rebalance_cap %q", cfg.Liquidity.MaxRebalanceCap)
		}
	}

	eng := engine.New(&engine.Config{
		Interval:           cfg.PollInterval,
		RebalanceThreshold: cfg.Liquidity.RebalanceThreshold,
		TargetUtilization:  cfg.Liquidity.TargetUtilization,
		MaxRebalanceCap:    maxCap,
		RebalanceInterval:  cfg.Liquidity.RebalanceInterval,
	}, st, registry, liq, settler, authSigner, zc, sink)

	srv := rpcserver.NewServer(cfg.ListenAddr, st, liq)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Loop(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("engine stopped: %v", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("rpc server stopped: %v", err)
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
		"listen": cfg.ListenAddr,
		"chains": len(cfg.Chains),
	}).Info("coordinator running")

	wg.Wait()
	logger.Info("coordinator shut down")
	return nil
}
