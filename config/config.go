package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ChainType selects the adapter family used for a chain's gateway.
type ChainType string

const (
	ChainEVM    ChainType = "evm"
	ChainSolana ChainType = "solana"
	ChainNEAR   ChainType = "near"
	ChainMina   ChainType = "mina"
)

func (t ChainType) IsEVM() bool {
	return t == ChainEVM
}

func (t ChainType) Valid() bool {
	switch t {
	case ChainEVM, ChainSolana, ChainNEAR, ChainMina:
		return true
	}
	return false
}

// ChainConfig describes one connected chain and its gateway.
type ChainConfig struct {
	ChainID        uint64    `mapstructure:"chain_id"`
	Name           string    `mapstructure:"name"`
	Type           ChainType `mapstructure:"type"`
	RPCURL         string    `mapstructure:"rpc_url"`
	WSURL          string    `mapstructure:"ws_url"`
	GatewayAddress string    `mapstructure:"gateway_address"`
	Confirmations  uint64    `mapstructure:"confirmations"`
	StartBlock     uint64    `mapstructure:"start_block"`
	// PrivateKey funds withdrawal submissions; relayer only.
	PrivateKey string `mapstructure:"private_key"`
}

func (c *ChainConfig) validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("%w: chain_id must be set", ErrInvalidConfig)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: chain %d has unknown type %q", ErrInvalidConfig, c.ChainID, c.Type)
	}
	if c.RPCURL == "" {
		return fmt.Errorf("%w: chain %d missing rpc_url", ErrInvalidConfig, c.ChainID)
	}
	if c.GatewayAddress == "" {
		return fmt.Errorf("%w: chain %d missing gateway_address", ErrInvalidConfig, c.ChainID)
	}
	return nil
}

// NodeConfig points at the shielded-pool node.
type NodeConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// PoolAddr is the shielded address bridge notes live under,
	// FundingAddr the transparent address they are funded from.
	PoolAddr    string `mapstructure:"pool_addr"`
	FundingAddr string `mapstructure:"funding_addr"`
}

type LiquidityConfig struct {
	RebalanceThreshold float64       `mapstructure:"rebalance_threshold"`
	TargetUtilization  float64       `mapstructure:"target_utilization"`
	MaxRebalanceCap    string        `mapstructure:"max_rebalance_cap"`
	RebalanceInterval  time.Duration `mapstructure:"rebalance_interval"`
}

type CoordinatorConfig struct {
	ListenAddr   string          `mapstructure:"listen_addr"`
	MetricsAddr  string          `mapstructure:"metrics_addr"`
	DBPath       string          `mapstructure:"db_path"`
	TokensFile   string          `mapstructure:"tokens_file"`
	SigningKey   string          `mapstructure:"signing_key"`
	PollInterval time.Duration   `mapstructure:"poll_interval"`
	Node         NodeConfig      `mapstructure:"node"`
	Liquidity    LiquidityConfig `mapstructure:"liquidity"`
	Chains       []ChainConfig   `mapstructure:"chains"`
}

func (c *CoordinatorConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr must be set", ErrInvalidConfig)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path must be set", ErrInvalidConfig)
	}
	if c.TokensFile == "" {
		return fmt.Errorf("%w: tokens_file must be set", ErrInvalidConfig)
	}
	if c.SigningKey == "" {
		return fmt.Errorf("%w: signing_key must be set", ErrInvalidConfig)
	}
	if c.Node.URL == "" {
		return fmt.Errorf("%w: node.url must be set", ErrInvalidConfig)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("%w: at least one chain is required", ErrInvalidConfig)
	}
	for i := range c.Chains {
		if err := c.Chains[i].validate(); err != nil {
			return err
		}
	}
	if err := validateRatio("liquidity.rebalance_threshold", c.Liquidity.RebalanceThreshold); err != nil {
		return err
	}
	if err := validateRatio("liquidity.target_utilization", c.Liquidity.TargetUtilization); err != nil {
		return err
	}
	return nil
}

type P2PConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	Peers             []string      `mapstructure:"peers"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type StakeConfig struct {
	// Amount is the stake bonded at startup, in base units.
	Amount      string `mapstructure:"amount"`
	MinStake    string `mapstructure:"min_stake"`
	AutoRestake bool   `mapstructure:"auto_restake"`
}

type RelayerConfig struct {
	// Identity names this relayer in gossip and claims. Leave empty to
	// get a random one per start.
	Identity       string        `mapstructure:"identity"`
	CoordinatorURL string        `mapstructure:"coordinator_url"`
	DBPath         string        `mapstructure:"db_path"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	P2P            P2PConfig     `mapstructure:"p2p"`
	Staking        StakeConfig   `mapstructure:"staking"`
	Chains         []ChainConfig `mapstructure:"chains"`
}

func (c *RelayerConfig) Validate() error {
	if c.CoordinatorURL == "" {
		return fmt.Errorf("%w: coordinator_url must be set", ErrInvalidConfig)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path must be set", ErrInvalidConfig)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("%w: at least one chain is required", ErrInvalidConfig)
	}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if err := ch.validate(); err != nil {
			return err
		}
		if ch.Type.IsEVM() && ch.PrivateKey == "" {
			return fmt.Errorf("%w: chain %d missing private_key", ErrInvalidConfig, ch.ChainID)
		}
	}
	return nil
}

func validateRatio(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%w: %s must be in (0, 1], got %v", ErrInvalidConfig, name, v)
	}
	return nil
}

// LoadCoordinator reads and validates the coordinator config file.
func LoadCoordinator(path string) (*CoordinatorConfig, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("listen_addr", "0.0.0.0:8080")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("liquidity.rebalance_threshold", 0.7)
	v.SetDefault("liquidity.target_utilization", 0.5)
	v.SetDefault("liquidity.rebalance_interval", "1h")

	cfg := &CoordinatorConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRelayer reads and validates the relayer config file.
func LoadRelayer(path string) (*RelayerConfig, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("poll_interval", "10s")
	v.SetDefault("p2p.heartbeat_interval", "50s")

	cfg := &RelayerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}
