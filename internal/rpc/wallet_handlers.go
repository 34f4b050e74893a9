package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/musig-trade/internal/wallet"
)

// ========================================
// Wallet handlers
// ========================================

var errNoWallet = errors.New("wallet service not initialized")

// WalletStatusResult is the response for wallet_status.
type WalletStatusResult struct {
	HasWallet bool   `json:"has_wallet"`
	Unlocked  bool   `json:"unlocked"`
	Network   string `json:"network"`
}

func (s *Server) walletStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, errNoWallet
	}

	return &WalletStatusResult{
		HasWallet: s.wallet.HasWallet(),
		Unlocked:  s.wallet.IsUnlocked(),
		Network:   string(s.wallet.Network()),
	}, nil
}

// WalletGenerateResult is the response for wallet_generate.
type WalletGenerateResult struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) walletGenerate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return &WalletGenerateResult{Mnemonic: mnemonic}, nil
}

// WalletCreateParams is the parameters for wallet_create.
type WalletCreateParams struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase"` // BIP39 passphrase (optional)
	Password   string `json:"password"`   // seed file encryption
}

func (s *Server) walletCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, errNoWallet
	}

	var p WalletCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Mnemonic == "" || p.Password == "" {
		return nil, fmt.Errorf("%w: mnemonic and password are required", errInvalidParams)
	}
	if !wallet.ValidateMnemonic(p.Mnemonic) {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, wallet.ErrInvalidMnemonic)
	}

	if err := s.wallet.CreateWallet(p.Mnemonic, p.Passphrase, p.Password); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	s.afterUnlock(ctx)

	return map[string]interface{}{
		"success": true,
		"message": "Wallet created successfully",
	}, nil
}

// WalletUnlockParams is the parameters for wallet_unlock.
type WalletUnlockParams struct {
	Password   string `json:"password"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) walletUnlock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, errNoWallet
	}

	var p WalletUnlockParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Password == "" {
		return nil, fmt.Errorf("%w: password is required", errInvalidParams)
	}

	if err := s.wallet.LoadWallet(p.Password, p.Passphrase); err != nil {
		return nil, fmt.Errorf("failed to unlock wallet: %w", err)
	}
	s.afterUnlock(ctx)

	return map[string]interface{}{
		"success": true,
		"message": "Wallet unlocked successfully",
	}, nil
}

// afterUnlock loads the coins of a freshly opened wallet and keeps them
// current.
func (s *Server) afterUnlock(ctx context.Context) {
	if err := s.wallet.Sync(ctx); err != nil {
		s.log.Warn("Initial wallet sync failed", "error", err)
	}
	if s.cfg != nil && s.cfg.Wallet.SyncInterval > 0 {
		s.wallet.StartBackgroundSync(s.cfg.Wallet.SyncInterval)
	}
}

func (s *Server) walletLock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, errNoWallet
	}
	s.wallet.StopBackgroundSync()
	s.wallet.Lock()

	return map[string]interface{}{
		"success": true,
		"message": "Wallet locked successfully",
	}, nil
}

// WalletBalanceResult is the response for wallet_balance. Amounts are in
// satoshis.
type WalletBalanceResult struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
	Reserved    int64 `json:"reserved"`
	Total       int64 `json:"total"`
}

func (s *Server) walletBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	b := s.wallet.Balance()
	return &WalletBalanceResult{
		Confirmed:   int64(b.Confirmed),
		Unconfirmed: int64(b.Unconfirmed),
		Reserved:    int64(b.Reserved),
		Total:       int64(b.Confirmed + b.Unconfirmed + b.Reserved),
	}, nil
}

// WalletNewAddressResult is the response for wallet_newAddress.
type WalletNewAddressResult struct {
	Address string `json:"address"`
	Script  string `json:"script"`
}

func (s *Server) walletNewAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	addr, err := s.wallet.NextUnusedAddress()
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	return &WalletNewAddressResult{
		Address: addr.EncodeAddress(),
		Script:  hex.EncodeToString(script),
	}, nil
}

// UnspentInfo is one wallet coin.
type UnspentInfo struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        int64  `json:"amount"`
	Address       string `json:"address"`
	Change        bool   `json:"change"`
	Index         uint32 `json:"index"`
	Confirmations int64  `json:"confirmations"`
}

// WalletListUnspentResult is the response for wallet_listUnspent.
type WalletListUnspentResult struct {
	Coins []UnspentInfo `json:"coins"`
	Count int           `json:"count"`
	Total int64         `json:"total"`
}

func (s *Server) walletListUnspent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	coins := s.wallet.ListUnspent()
	res := &WalletListUnspentResult{Coins: make([]UnspentInfo, 0, len(coins))}
	for _, c := range coins {
		res.Coins = append(res.Coins, UnspentInfo{
			TxID:          c.OutPoint.Hash.String(),
			Vout:          c.OutPoint.Index,
			Amount:        c.Output.Value,
			Address:       c.Address,
			Change:        c.Change == wallet.Internal,
			Index:         c.Index,
			Confirmations: c.Confirmations,
		})
		res.Total += c.Output.Value
	}
	res.Count = len(res.Coins)
	return res, nil
}

func (s *Server) walletSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}
	syncCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	if err := s.wallet.Sync(syncCtx); err != nil {
		return nil, fmt.Errorf("sync failed: %w", err)
	}
	b := s.wallet.Balance()
	return map[string]interface{}{
		"success":  true,
		"coins":    len(s.wallet.ListUnspent()),
		"balance":  int64(b.Confirmed + b.Unconfirmed + b.Reserved),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}, nil
}

// WalletFeeRateResult is the response for wallet_feeRate.
type WalletFeeRateResult struct {
	SatPerVByte int64 `json:"sat_per_vbyte"`

	// DepositFeeRate is what new trades use unless trade_init overrides it.
	DepositFeeRate int64 `json:"deposit_fee_rate"`
}

func (s *Server) walletFeeRate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, errNoWallet
	}
	rate, err := s.wallet.FeeRate(ctx)
	if err != nil {
		return nil, err
	}
	configured := s.tradeParams(btcutil.Amount(1), btcutil.Amount(1)).DepositFeeRate
	return &WalletFeeRateResult{
		SatPerVByte:    int64(rate),
		DepositFeeRate: int64(configured),
	}, nil
}
