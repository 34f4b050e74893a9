// Package config holds the musigd daemon configuration. It is read from
// config.yaml in the data directory, which is created with defaults on
// first run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/chain"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/internal/txsort"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

// FileName is the config file inside the data directory.
const FileName = "config.yaml"

// DefaultDataDir is used when no data directory is given.
const DefaultDataDir = "~/.musigd"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the daemon configuration.
type Config struct {
	Network chain.Network  `yaml:"network"`
	DataDir string         `yaml:"data_dir"`
	Logging logging.Config `yaml:"logging"`
	RPC     RPCConfig      `yaml:"rpc"`
	P2P     P2PConfig      `yaml:"p2p"`
	Backend backend.Config `yaml:"backend"`
	Wallet  WalletConfig   `yaml:"wallet"`
	Trade   TradeConfig    `yaml:"trade"`
	Monitor MonitorConfig  `yaml:"monitor"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	Listen string `yaml:"listen"`
}

// P2PConfig holds libp2p settings.
type P2PConfig struct {
	// KeyFile is relative to the data directory unless absolute.
	KeyFile        string   `yaml:"key_file"`
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	EnableMDNS         bool `yaml:"enable_mdns"`
	EnableDHT          bool `yaml:"enable_dht"`
	EnableRelay        bool `yaml:"enable_relay"`
	EnableNAT          bool `yaml:"enable_nat"`
	EnableHolePunching bool `yaml:"enable_hole_punching"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig bounds the number of open connections.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	GapLimit     uint32        `yaml:"gap_limit"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// TradeConfig holds the defaults new trades start from. Both parties must
// agree on them, so changing these only affects trades created afterwards.
type TradeConfig struct {
	DepositFeeRate int64  `yaml:"deposit_fee_rate"` // sat/vB
	PreparedFee    int64  `yaml:"prepared_fee"`     // sat
	AnchorAmount   int64  `yaml:"anchor_amount"`    // sat
	ClaimDelay     uint32 `yaml:"claim_delay"`      // blocks
	Ordering       string `yaml:"ordering"`
}

// MonitorConfig holds chain watcher settings.
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// Confirmations after which a watched transaction is dropped.
	Confirmations int64 `yaml:"confirmations"`
}

// Default returns the configuration for a network.
func Default(network chain.Network) *Config {
	claimDelay := protocol.DefaultClaimDelay
	if network == chain.Regtest {
		claimDelay = 2
	}
	logCfg := logging.DefaultConfig()
	logCfg.Output = nil

	return &Config{
		Network: network,
		DataDir: DefaultDataDir,
		Logging: *logCfg,
		RPC: RPCConfig{
			Listen: "127.0.0.1:" + defaultRPCPort(network),
		},
		P2P: P2PConfig{
			KeyFile: "node.key",
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/udp/4101/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    20,
				HighWater:   100,
				GracePeriod: time.Minute,
			},
		},
		Backend: *backend.DefaultConfig(network),
		Wallet: WalletConfig{
			GapLimit:     20,
			SyncInterval: time.Minute,
		},
		Trade: TradeConfig{
			DepositFeeRate: int64(protocol.DefaultDepositFeeRate),
			PreparedFee:    int64(protocol.DefaultPreparedFee),
			AnchorAmount:   int64(protocol.DefaultAnchorAmount),
			ClaimDelay:     claimDelay,
			Ordering:       txsort.NameLexicographic,
		},
		Monitor: MonitorConfig{
			PollInterval:  15 * time.Second,
			Confirmations: 6,
		},
	}
}

func defaultRPCPort(network chain.Network) string {
	switch network {
	case chain.Testnet:
		return "18650"
	case chain.Signet:
		return "38650"
	case chain.Regtest:
		return "28650"
	default:
		return "8650"
	}
}

// Load reads the config of dataDir, writing a default one for network when
// none exists yet.
func Load(dataDir string, network chain.Network) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	path := Path(dataDir)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default(network)
		cfg.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unset keys keep the defaults of the network named in the file.
	var head struct {
		Network chain.Network `yaml:"network"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if head.Network != "" {
		network = head.Network
	}
	cfg := Default(network)
	cfg.DataDir = dataDir
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	header := []byte("# musigd configuration\n# Generated on first run\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, ok := chain.Get(c.Network); !ok {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Network)
	}
	switch c.Backend.Type {
	case backend.TypeMemory:
	case backend.TypeMempool, backend.TypeEsplora, backend.TypeBitcoind:
		if c.Backend.URL == "" {
			return fmt.Errorf("%w: backend %s needs a url", ErrInvalidConfig, c.Backend.Type)
		}
	default:
		return fmt.Errorf("%w: backend type %q", ErrInvalidConfig, c.Backend.Type)
	}
	if c.RPC.Listen == "" {
		return fmt.Errorf("%w: rpc listen address is empty", ErrInvalidConfig)
	}
	if c.P2P.ConnMgr.LowWater > c.P2P.ConnMgr.HighWater {
		return fmt.Errorf("%w: conn_mgr low_water above high_water", ErrInvalidConfig)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("%w: monitor poll interval must be positive", ErrInvalidConfig)
	}
	// Trade defaults are checked as a full parameter set.
	p := c.TradeParams(100_000, 100_000)
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: trade defaults: %v", ErrInvalidConfig, err)
	}
	return nil
}

// TradeParams returns trade parameters for the given deposits using the
// configured defaults.
func (c *Config) TradeParams(seller, buyer btcutil.Amount) protocol.Params {
	p := protocol.DefaultParams(seller, buyer)
	p.DepositFeeRate = btcutil.Amount(c.Trade.DepositFeeRate)
	p.PreparedFee = btcutil.Amount(c.Trade.PreparedFee)
	p.AnchorAmount = btcutil.Amount(c.Trade.AnchorAmount)
	p.ClaimDelay = c.Trade.ClaimDelay
	p.Ordering = c.Trade.Ordering
	return p
}

// DHTPrefix keeps the DHTs of different networks apart.
func (c *Config) DHTPrefix() string {
	if c.Network == chain.Mainnet {
		return "/musigd"
	}
	return "/musigd-" + string(c.Network)
}

// DiscoveryNamespace is the rendezvous string peers advertise under.
func (c *Config) DiscoveryNamespace() string {
	return "musigd-" + string(c.Network)
}

// ResolvedDataDir returns the data directory with ~ expanded.
func (c *Config) ResolvedDataDir() string {
	return ExpandPath(c.DataDir)
}

// KeyFilePath returns the node key path.
func (c *Config) KeyFilePath() string {
	if filepath.IsAbs(c.P2P.KeyFile) {
		return c.P2P.KeyFile
	}
	return filepath.Join(c.ResolvedDataDir(), c.P2P.KeyFile)
}

// Path returns the config file path for a data directory.
func Path(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), FileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
