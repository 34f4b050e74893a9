// Package chain defines the Bitcoin networks a trade can run on and the
// derivation paths the wallet uses on each of them.
package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network names a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Purpose 86 is BIP-86 single key taproot.
const Purpose uint32 = 86

// Params contains the parameters of one network.
type Params struct {
	Network  Network
	Name     string
	CoinType uint32 // BIP44 coin type, 1 for every test network

	// Chain is the btcd parameter set used for address encoding.
	Chain *chaincfg.Params

	// Default explorer API, empty when the network has no public one.
	DefaultAPI string
}

var registry = map[Network]*Params{
	Mainnet: {
		Network:    Mainnet,
		Name:       "Bitcoin",
		CoinType:   0,
		Chain:      &chaincfg.MainNetParams,
		DefaultAPI: "https://mempool.space/api",
	},
	Testnet: {
		Network:    Testnet,
		Name:       "Bitcoin Testnet",
		CoinType:   1,
		Chain:      &chaincfg.TestNet3Params,
		DefaultAPI: "https://mempool.space/testnet/api",
	},
	Signet: {
		Network:    Signet,
		Name:       "Bitcoin Signet",
		CoinType:   1,
		Chain:      &chaincfg.SigNetParams,
		DefaultAPI: "https://mempool.space/signet/api",
	},
	Regtest: {
		Network:  Regtest,
		Name:     "Bitcoin Regtest",
		CoinType: 1,
		Chain:    &chaincfg.RegressionNetParams,
	},
}

// Get returns the parameters of a network.
func Get(n Network) (*Params, bool) {
	p, ok := registry[n]
	return p, ok
}

// MustGet is Get for networks known to exist.
func MustGet(n Network) *Params {
	p, ok := registry[n]
	if !ok {
		panic("chain: unknown network " + string(n))
	}
	return p
}

// ParseNetwork parses a network name, case insensitive.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	if n == "" {
		return Mainnet, nil
	}
	if _, ok := registry[n]; !ok {
		return "", fmt.Errorf("unknown network %q", s)
	}
	return n, nil
}

// List returns all network names in sorted order.
func List() []Network {
	out := make([]Network, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DerivationPath returns the BIP-86 path m/86'/coin'/account'/change/index.
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	const hardened = 0x80000000
	return []uint32{
		Purpose + hardened,
		p.CoinType + hardened,
		account + hardened,
		change,
		index,
	}
}

// DerivationPathString formats DerivationPath for humans.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", Purpose, p.CoinType, account, change, index)
}
