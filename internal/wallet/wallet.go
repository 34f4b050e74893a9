// Package wallet is a BIP-86 taproot HD wallet. Keys come from a BIP-39
// seed stored encrypted with Argon2id; coins are tracked through a chain
// backend.
package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/musig-trade/internal/chain"
)

// Branches of the BIP-86 account.
const (
	External uint32 = 0
	Internal uint32 = 1
)

var (
	ErrInvalidMnemonic   = errors.New("invalid mnemonic")
	ErrWalletLocked      = errors.New("wallet locked")
	ErrWalletExists      = errors.New("wallet already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownInput      = errors.New("input not owned by wallet")
)

type keyPath struct {
	change, index uint32
}

// Wallet derives keys for account 0 of one network.
type Wallet struct {
	master  *hdkeychain.ExtendedKey
	account *hdkeychain.ExtendedKey
	params  *chain.Params

	mu    sync.Mutex
	cache map[keyPath]*btcec.PrivateKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic and optional
// passphrase.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	master, err := hdkeychain.NewMaster(seed, params.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	// m/86'/coin'/0'
	account := master
	for _, child := range params.DerivationPath(0, 0, 0)[:3] {
		if account, err = account.Derive(child); err != nil {
			return nil, fmt.Errorf("failed to derive account: %w", err)
		}
	}

	return &Wallet{
		master:  master,
		account: account,
		params:  params,
		cache:   make(map[keyPath]*btcec.PrivateKey),
	}, nil
}

// Params returns the network parameters.
func (w *Wallet) Params() *chain.Params {
	return w.params
}

// PrivateKey derives the internal key at change/index.
func (w *Wallet) PrivateKey(change, index uint32) (*btcec.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := keyPath{change, index}
	if key, ok := w.cache[path]; ok {
		return key, nil
	}
	branch, err := w.account.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change: %w", err)
	}
	child, err := branch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}
	key, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	w.cache[path] = key
	return key, nil
}

// Address derives the BIP-86 address at change/index.
func (w *Wallet) Address(change, index uint32) (*btcutil.AddressTaproot, error) {
	key, err := w.PrivateKey(change, index)
	if err != nil {
		return nil, err
	}
	return TaprootAddress(key.PubKey(), w.params)
}

// Fingerprint returns the master key fingerprint used in PSBT derivation
// records.
func (w *Wallet) Fingerprint() uint32 {
	pub, err := w.master.ECPubKey()
	if err != nil {
		return 0
	}
	h := btcutil.Hash160(pub.SerializeCompressed())
	return uint32(h[0]) | uint32(h[1])<<8 | uint32(h[2])<<16 | uint32(h[3])<<24
}

// ClearCache drops derived keys from memory.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, key := range w.cache {
		key.Zero()
		delete(w.cache, path)
	}
}

// TaprootAddress returns the BIP-86 key path address of an internal key.
func TaprootAddress(internal *btcec.PublicKey, params *chain.Params) (*btcutil.AddressTaproot, error) {
	out := txscript.ComputeTaprootKeyNoScript(internal)
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(out), params.Chain)
}

// ParseAddress decodes an address for the network and returns its script.
func ParseAddress(address string, params *chain.Params) (btcutil.Address, []byte, error) {
	addr, err := btcutil.DecodeAddress(address, params.Chain)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid address: %w", err)
	}
	if !addr.IsForNet(params.Chain) {
		return nil, nil, fmt.Errorf("address %s is not for %s", address, params.Network)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}
	return addr, script, nil
}
