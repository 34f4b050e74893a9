package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/chain"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

const (
	seedFile        = "wallet.seed"
	defaultGapLimit = 20
)

// ServiceConfig holds configuration for the wallet service.
type ServiceConfig struct {
	DataDir  string
	Network  chain.Network
	Backend  backend.Backend
	GapLimit uint32
	Logger   *logging.Logger
}

// Service owns the unlocked wallet and its coins. It implements the wallet
// a trade needs: funding and signing PSBTs, ownership checks, fresh
// addresses and broadcast.
type Service struct {
	dataDir  string
	params   *chain.Params
	backend  backend.Backend
	gapLimit uint32
	log      *logging.Logger

	mu       sync.RWMutex
	wallet   *Wallet
	scripts  map[string]keyPath
	addrs    map[keyPath]string
	next     [2]uint32
	coins    map[wire.OutPoint]*Coin
	reserved map[wire.OutPoint]struct{}

	syncStop chan struct{}
	syncWg   sync.WaitGroup
}

// NewService creates a locked wallet service.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	network := cfg.Network
	if network == "" {
		network = chain.Mainnet
	}
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	gap := cfg.GapLimit
	if gap == 0 {
		gap = defaultGapLimit
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault()
	}

	s := &Service{
		dataDir:  dataDir,
		params:   params,
		backend:  cfg.Backend,
		gapLimit: gap,
		log:      log.Component("wallet"),
	}
	s.reset()
	return s, nil
}

func (s *Service) reset() {
	s.scripts = make(map[string]keyPath)
	s.addrs = make(map[keyPath]string)
	s.next = [2]uint32{}
	s.coins = make(map[wire.OutPoint]*Coin)
	s.reserved = make(map[wire.OutPoint]struct{})
}

// CreateWallet stores an encrypted mnemonic and unlocks the wallet.
func (s *Service) CreateWallet(mnemonic, passphrase, password string) error {
	if s.HasWallet() {
		return ErrWalletExists
	}
	w, err := NewFromMnemonic(mnemonic, passphrase, s.params.Network)
	if err != nil {
		return err
	}
	encrypted, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return err
	}
	if err := SaveEncryptedSeed(encrypted, s.seedPath()); err != nil {
		return fmt.Errorf("failed to save seed: %w", err)
	}
	return s.Open(w)
}

// LoadWallet decrypts the stored mnemonic and unlocks the wallet.
func (s *Service) LoadWallet(password, passphrase string) error {
	encrypted, err := LoadEncryptedSeed(s.seedPath())
	if err != nil {
		return err
	}
	mnemonic, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		return err
	}
	w, err := NewFromMnemonic(mnemonic, passphrase, s.params.Network)
	SecureClear([]byte(mnemonic))
	if err != nil {
		return err
	}
	return s.Open(w)
}

// Open unlocks the service with an already derived wallet.
func (s *Service) Open(w *Wallet) error {
	if w.Params().Network != s.params.Network {
		return fmt.Errorf("wallet is for %s, service for %s", w.Params().Network, s.params.Network)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.wallet = w
	s.log.Info("wallet unlocked", "network", s.params.Network)
	return nil
}

// IsUnlocked returns true if the wallet is loaded.
func (s *Service) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallet != nil
}

// HasWallet returns true if a seed file exists.
func (s *Service) HasWallet() bool {
	_, err := os.Stat(s.seedPath())
	return err == nil
}

// Lock drops keys and coin state from memory.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet != nil {
		s.wallet.ClearCache()
		s.wallet = nil
	}
	s.reset()
}

// Network returns the wallet network.
func (s *Service) Network() chain.Network {
	return s.params.Network
}

func (s *Service) seedPath() string {
	return filepath.Join(s.dataDir, seedFile)
}

// register derives and records the address at change/index. Callers hold
// s.mu.
func (s *Service) register(change, index uint32) (*btcutil.AddressTaproot, []byte, error) {
	if s.wallet == nil {
		return nil, nil, ErrWalletLocked
	}
	addr, err := s.wallet.Address(change, index)
	if err != nil {
		return nil, nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}
	path := keyPath{change, index}
	s.scripts[string(script)] = path
	s.addrs[path] = addr.EncodeAddress()
	return addr, script, nil
}

func (s *Service) nextAddress(change uint32) (*btcutil.AddressTaproot, []byte, error) {
	addr, script, err := s.register(change, s.next[change])
	if err != nil {
		return nil, nil, err
	}
	s.next[change]++
	return addr, script, nil
}

// NextUnusedAddress returns a fresh receive address.
func (s *Service) NextUnusedAddress() (btcutil.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, _, err := s.nextAddress(External)
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// IsMine reports whether the script pays to a derived wallet address.
func (s *Service) IsMine(script []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scripts[string(script)]
	return ok
}

// FundPsbt builds a packet paying amount to script from unreserved coins,
// with change to a fresh internal address. The chosen coins stay reserved
// until broadcast or ReleaseInputs.
func (s *Service) FundPsbt(script []byte, amount, feeRate btcutil.Amount) (*psbt.Packet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet == nil {
		return nil, ErrWalletLocked
	}

	var spendable []*Coin
	for op, c := range s.coins {
		if _, held := s.reserved[op]; !held {
			spendable = append(spendable, c)
		}
	}
	chosen, change, err := selectCoins(spendable, script, amount, feeRate)
	if err != nil {
		return nil, err
	}

	var changeScript []byte
	if change > 0 {
		if _, changeScript, err = s.nextAddress(Internal); err != nil {
			return nil, err
		}
	}
	p, err := s.wallet.buildPacket(chosen, script, amount, changeScript, change)
	if err != nil {
		return nil, err
	}
	for _, c := range chosen {
		s.reserved[c.OutPoint] = struct{}{}
	}
	s.log.Debug("funded psbt", "inputs", len(chosen), "amount", amount, "change", change)
	return p, nil
}

// SignPsbt signs every unsigned input paying to the wallet and finalizes it
// with its key path witness. It reports whether all inputs are final.
func (s *Service) SignPsbt(p *psbt.Packet) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wallet == nil {
		return false, ErrWalletLocked
	}

	fetcher, err := prevOutFetcher(p)
	if err != nil {
		return false, err
	}
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, fetcher)

	complete := true
	for i := range p.Inputs {
		in := &p.Inputs[i]
		if len(in.FinalScriptWitness) > 0 {
			continue
		}
		path, ok := s.scripts[string(in.WitnessUtxo.PkScript)]
		if !ok {
			complete = false
			continue
		}
		key, err := s.wallet.PrivateKey(path.change, path.index)
		if err != nil {
			return false, err
		}
		sig, err := txscript.RawTxInTaprootSignature(p.UnsignedTx, sigHashes, i,
			in.WitnessUtxo.Value, in.WitnessUtxo.PkScript, nil, txscript.SigHashDefault, key)
		if err != nil {
			return false, fmt.Errorf("sign input %d: %w", i, err)
		}
		witness, err := serializeWitness(wire.TxWitness{sig})
		if err != nil {
			return false, err
		}
		in.FinalScriptWitness = witness
	}
	return complete, nil
}

// Broadcast publishes tx, then drops the spent coins and records own
// outputs as unconfirmed coins.
func (s *Service) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	if s.backend == nil {
		return chainhash.Hash{}, backend.ErrNotConnected
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, err
	}
	id, err := s.backend.BroadcastTransaction(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("broadcast %s: %w", tx.TxHash(), err)
	}
	txid, err := chainhash.NewHashFromStr(id)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("backend returned bad txid %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range tx.TxIn {
		delete(s.coins, in.PreviousOutPoint)
		delete(s.reserved, in.PreviousOutPoint)
	}
	for i, out := range tx.TxOut {
		path, ok := s.scripts[string(out.PkScript)]
		if !ok {
			continue
		}
		op := wire.OutPoint{Hash: *txid, Index: uint32(i)}
		s.coins[op] = &Coin{
			OutPoint: op,
			Output:   out,
			Address:  s.addrs[path],
			Change:   path.change,
			Index:    path.index,
		}
	}
	s.log.Info("transaction broadcast", "txid", txid)
	return *txid, nil
}

// ReleaseInputs returns reserved coins to the spendable set.
func (s *Service) ReleaseInputs(outpoints []wire.OutPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range outpoints {
		delete(s.reserved, op)
	}
}

// Balance splits the wallet value by state.
type Balance struct {
	Confirmed   btcutil.Amount `json:"confirmed"`
	Unconfirmed btcutil.Amount `json:"unconfirmed"`
	Reserved    btcutil.Amount `json:"reserved"`
}

// Balance returns the current balance from the last sync.
func (s *Service) Balance() Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b Balance
	for op, c := range s.coins {
		switch _, held := s.reserved[op]; {
		case held:
			b.Reserved += c.Amount()
		case c.Confirmations > 0:
			b.Confirmed += c.Amount()
		default:
			b.Unconfirmed += c.Amount()
		}
	}
	return b
}

// ListUnspent returns all known coins, largest first.
func (s *Service) ListUnspent() []*Coin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Coin, 0, len(s.coins))
	for _, c := range s.coins {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Output.Value != out[j].Output.Value {
			return out[i].Output.Value > out[j].Output.Value
		}
		return out[i].OutPoint.String() < out[j].OutPoint.String()
	})
	return out
}

// FeeRate returns the backend's half hour estimate in sat/vB.
func (s *Service) FeeRate(ctx context.Context) (btcutil.Amount, error) {
	if s.backend == nil {
		return 0, backend.ErrNotConnected
	}
	est, err := s.backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}
	rate := btcutil.Amount(est.HalfHourFee)
	if rate < btcutil.Amount(est.MinimumFee) {
		rate = btcutil.Amount(est.MinimumFee)
	}
	return rate, nil
}
