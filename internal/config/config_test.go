package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/chain"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
)

func TestDefault(t *testing.T) {
	cfg := Default(chain.Mainnet)

	if cfg.Backend.Type != backend.TypeMempool || cfg.Backend.URL == "" {
		t.Errorf("mainnet backend = %+v", cfg.Backend)
	}
	if cfg.Trade.ClaimDelay != protocol.DefaultClaimDelay {
		t.Errorf("ClaimDelay = %d", cfg.Trade.ClaimDelay)
	}
	if cfg.RPC.Listen != "127.0.0.1:8650" {
		t.Errorf("RPC.Listen = %s", cfg.RPC.Listen)
	}
	if !cfg.P2P.EnableDHT || !cfg.P2P.EnableMDNS {
		t.Error("discovery disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	reg := Default(chain.Regtest)
	if reg.Backend.Type != backend.TypeMemory {
		t.Errorf("regtest backend = %s, want memory", reg.Backend.Type)
	}
	if reg.Trade.ClaimDelay != 2 {
		t.Errorf("regtest ClaimDelay = %d", reg.Trade.ClaimDelay)
	}
}

func TestNetworkSeparation(t *testing.T) {
	tests := []struct {
		network   chain.Network
		prefix    string
		namespace string
	}{
		{chain.Mainnet, "/musigd", "musigd-mainnet"},
		{chain.Testnet, "/musigd-testnet", "musigd-testnet"},
		{chain.Regtest, "/musigd-regtest", "musigd-regtest"},
	}
	for _, tt := range tests {
		cfg := Default(tt.network)
		if got := cfg.DHTPrefix(); got != tt.prefix {
			t.Errorf("DHTPrefix(%s) = %s, want %s", tt.network, got, tt.prefix)
		}
		if got := cfg.DiscoveryNamespace(); got != tt.namespace {
			t.Errorf("DiscoveryNamespace(%s) = %s, want %s", tt.network, got, tt.namespace)
		}
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir, chain.Regtest)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Network != chain.Regtest || cfg.DataDir != dir {
		t.Errorf("Load() = %s in %s", cfg.Network, cfg.DataDir)
	}
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "# musigd configuration") {
		t.Errorf("config header missing")
	}

	// Second load reads the file back.
	again, err := Load(dir, chain.Mainnet)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if again.Network != chain.Regtest {
		t.Errorf("reloaded network = %s, file value should win", again.Network)
	}
	if again.Monitor.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v", again.Monitor.PollInterval)
	}
}

func TestLoadPartialFile(t *testing.T) {
	dir := t.TempDir()
	content := `
network: testnet
trade:
  claim_delay: 10
  ordering: bip69
monitor:
  poll_interval: 3s
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir, chain.Mainnet)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Network != chain.Testnet {
		t.Errorf("Network = %s", cfg.Network)
	}
	if cfg.RPC.Listen != "127.0.0.1:18650" {
		t.Errorf("RPC.Listen = %s, want testnet default", cfg.RPC.Listen)
	}
	if cfg.Monitor.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %v", cfg.Monitor.PollInterval)
	}

	p := cfg.TradeParams(140_000_000, 20_000_000)
	if p.ClaimDelay != 10 || p.Ordering != "bip69" {
		t.Errorf("TradeParams() = %+v", p)
	}
	if p.PreparedFee != protocol.DefaultPreparedFee {
		t.Errorf("PreparedFee = %d", p.PreparedFee)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"unknown network", func(c *Config) { c.Network = "moonnet" }},
		{"unknown backend", func(c *Config) { c.Backend.Type = "electrum" }},
		{"backend without url", func(c *Config) { c.Backend = backend.Config{Type: backend.TypeBitcoind} }},
		{"no rpc listen", func(c *Config) { c.RPC.Listen = "" }},
		{"conn manager inverted", func(c *Config) { c.P2P.ConnMgr.LowWater = 500 }},
		{"zero poll interval", func(c *Config) { c.Monitor.PollInterval = 0 }},
		{"zero claim delay", func(c *Config) { c.Trade.ClaimDelay = 0 }},
		{"bad ordering", func(c *Config) { c.Trade.Ordering = "shuffle" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(chain.Regtest)
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestKeyFilePath(t *testing.T) {
	cfg := Default(chain.Regtest)
	cfg.DataDir = "/var/lib/musigd"
	if got := cfg.KeyFilePath(); got != "/var/lib/musigd/node.key" {
		t.Errorf("KeyFilePath() = %s", got)
	}
	cfg.P2P.KeyFile = "/etc/musigd/key"
	if got := cfg.KeyFilePath(); got != "/etc/musigd/key" {
		t.Errorf("absolute KeyFilePath() = %s", got)
	}

	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath(~/x) = %s", got)
	}
}
