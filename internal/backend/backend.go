// Package backend provides read access to the Bitcoin chain and transaction
// broadcast. Private keys never reach this package.
package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/klingon-exchange/musig-trade/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrInvalidTx          = errors.New("invalid transaction")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrNonFinal           = errors.New("transaction not final")
	ErrMissingInputs      = errors.New("missing or spent inputs")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool  Type = "mempool"  // mempool.space API
	TypeEsplora  Type = "esplora"  // blockstream.info API
	TypeBitcoind Type = "bitcoind" // Bitcoin Core JSON-RPC
	TypeMemory   Type = "memory"   // in-process ledger
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`        // satoshis
	ScriptPubKey  string `json:"scriptpubkey"` // hex encoded
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction is the chain status of a transaction.
type Transaction struct {
	TxID          string `json:"txid"`
	Confirmed     bool   `json:"confirmed"`
	BlockHash     string `json:"block_hash,omitempty"`
	BlockHeight   int64  `json:"block_height,omitempty"`
	Confirmations int64  `json:"confirmations"`
	Fee           uint64 `json:"fee"`
	VSize         int64  `json:"vsize"`
}

// Outspend reports whether an output was spent and by what.
type Outspend struct {
	Spent     bool   `json:"spent"`
	TxID      string `json:"txid,omitempty"`
	Vin       uint32 `json:"vin"`
	Confirmed bool   `json:"confirmed"`
}

// FeeEstimate contains fee rates in sat/vB for common confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend is a chain data provider.
type Backend interface {
	Type() Type
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	// GetRawTransaction returns the serialized transaction.
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type Type   `yaml:"type"`
	URL  string `yaml:"url,omitempty"`

	// Bitcoin Core only
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultConfig returns the public explorer for a network. Networks without
// one fall back to the in-process ledger.
func DefaultConfig(network chain.Network) *Config {
	p, ok := chain.Get(network)
	if !ok || p.DefaultAPI == "" {
		return &Config{Type: TypeMemory}
	}
	return &Config{Type: TypeMempool, URL: p.DefaultAPI}
}

// New creates the backend described by cfg.
func New(cfg *Config, network chain.Network) (Backend, error) {
	switch cfg.Type {
	case TypeMempool:
		return NewMempoolBackend(cfg.URL), nil
	case TypeEsplora:
		return NewEsploraBackend(cfg.URL), nil
	case TypeBitcoind:
		return NewBitcoindBackend(cfg.URL, cfg.RPCUser, cfg.RPCPass), nil
	case TypeMemory:
		return NewMemoryBackend(chain.MustGet(network).Chain), nil
	default:
		return nil, ErrUnsupportedBackend
	}
}

// classifyReject maps a node's reject reason onto the package errors.
func classifyReject(reason string) error {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "non-bip68-final"), strings.Contains(r, "non-final"):
		return ErrNonFinal
	case strings.Contains(r, "missing-inputs"), strings.Contains(r, "missingorspent"),
		strings.Contains(r, "bad-txns-inputs-missingorspent"), strings.Contains(r, "txn-mempool-conflict"):
		return ErrMissingInputs
	case strings.Contains(r, "already in block chain"), strings.Contains(r, "txn-already-known"):
		return nil
	default:
		return ErrBroadcastFailed
	}
}
