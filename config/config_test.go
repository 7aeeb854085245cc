package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const coordinatorYAML = `
listen_addr: "0.0.0.0:8080"
db_path: "coordinator.db"
tokens_file: "tokens.toml"
signing_key: "0xabc123"
poll_interval: 7s

node:
  url: "http://127.0.0.1:8232"
  username: "bridge"
  password: "secret"

liquidity:
  rebalance_threshold: 0.7
  target_utilization: 0.5
  max_rebalance_cap: "1000000"

chains:
  - chain_id: 1
    name: ethereum
    type: evm
    rpc_url: "http://127.0.0.1:8545"
    gateway_address: "0x1111111111111111111111111111111111111111"
    confirmations: 12
  - chain_id: 900
    name: solana
    type: solana
    rpc_url: "http://127.0.0.1:8899"
    gateway_address: "GatewayProgram111"
`

const relayerYAML = `
identity: "relayer-a"
coordinator_url: "http://127.0.0.1:8080"
db_path: "relayer.db"
poll_interval: 10s

p2p:
  listen_addr: "0.0.0.0:9090"
  peers: ["http://peer-b:9090"]

staking:
  min_stake: "50000"
  auto_restake: true

chains:
  - chain_id: 1
    name: ethereum
    type: evm
    rpc_url: "http://127.0.0.1:8545"
    gateway_address: "0x1111111111111111111111111111111111111111"
    private_key: "0xdeadbeef"
    confirmations: 12
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCoordinator(t *testing.T) {
	cfg, err := LoadCoordinator(writeConfig(t, coordinatorYAML))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
	assert.Equal(t, 7*time.Second, cfg.PollInterval)
	assert.Equal(t, "bridge", cfg.Node.Username)
	assert.InDelta(t, 0.7, cfg.Liquidity.RebalanceThreshold, 1e-9)
	assert.Equal(t, time.Hour, cfg.Liquidity.RebalanceInterval)
	require.Len(t, cfg.Chains, 2)
	assert.True(t, cfg.Chains[0].Type.IsEVM())
	assert.False(t, cfg.Chains[1].Type.IsEVM())
}

func TestCoordinatorValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CoordinatorConfig)
	}{
		{"missing signing key", func(c *CoordinatorConfig) { c.SigningKey = "" }},
		{"missing node url", func(c *CoordinatorConfig) { c.Node.URL = "" }},
		{"no chains", func(c *CoordinatorConfig) { c.Chains = nil }},
		{"chain without rpc", func(c *CoordinatorConfig) { c.Chains[0].RPCURL = "" }},
		{"bad chain type", func(c *CoordinatorConfig) { c.Chains[0].Type = "cosmos" }},
		{"threshold out of range", func(c *CoordinatorConfig) { c.Liquidity.RebalanceThreshold = 1.5 }},
		{"zero threshold", func(c *CoordinatorConfig) { c.Liquidity.TargetUtilization = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadCoordinator(writeConfig(t, coordinatorYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadRelayer(t *testing.T) {
	cfg, err := LoadRelayer(writeConfig(t, relayerYAML))
	require.NoError(t, err)

	assert.Equal(t, "relayer-a", cfg.Identity)
	assert.Equal(t, []string{"http://peer-b:9090"}, cfg.P2P.Peers)
	assert.Equal(t, 50*time.Second, cfg.P2P.HeartbeatInterval)
	assert.True(t, cfg.Staking.AutoRestake)
	assert.Equal(t, "50000", cfg.Staking.MinStake)
}

func TestRelayerValidation(t *testing.T) {
	cfg, err := LoadRelayer(writeConfig(t, relayerYAML))
	require.NoError(t, err)

	cfg.Chains[0].PrivateKey = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg, err = LoadRelayer(writeConfig(t, relayerYAML))
	require.NoError(t, err)
	cfg.CoordinatorURL = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadCoordinator(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
