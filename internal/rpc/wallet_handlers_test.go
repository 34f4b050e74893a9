package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/chain"
	"github.com/klingon-exchange/musig-trade/internal/wallet"
)

const testPassword = "Trade-Pass-1"

func newLockedWallet(t *testing.T) (*wallet.Service, *backend.MemoryBackend) {
	t.Helper()
	mem := backend.NewMemoryBackend(chain.MustGet(chain.Regtest).Chain)
	svc, err := wallet.NewService(&wallet.ServiceConfig{
		DataDir: t.TempDir(),
		Network: chain.Regtest,
		Backend: mem,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, mem
}

func TestWalletHandlersWithoutWallet(t *testing.T) {
	s := &Server{}
	ctx := context.Background()

	tests := []struct {
		name string
		fn   Handler
		want error
	}{
		{"status", s.walletStatus, errNoWallet},
		{"create", s.walletCreate, errNoWallet},
		{"unlock", s.walletUnlock, errNoWallet},
		{"lock", s.walletLock, errNoWallet},
		{"feeRate", s.walletFeeRate, errNoWallet},
		{"balance", s.walletBalance, errWalletLocked},
		{"newAddress", s.walletNewAddress, errWalletLocked},
		{"listUnspent", s.walletListUnspent, errWalletLocked},
		{"sync", s.walletSync, errWalletLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(ctx, json.RawMessage(`{}`)); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWalletGenerate(t *testing.T) {
	s := &Server{}
	res, err := s.walletGenerate(context.Background(), nil)
	if err != nil {
		t.Fatalf("walletGenerate() error = %v", err)
	}
	m := res.(*WalletGenerateResult).Mnemonic
	if !wallet.ValidateMnemonic(m) {
		t.Errorf("generated mnemonic %q is invalid", m)
	}
}

func TestWalletCreateValidation(t *testing.T) {
	svc, _ := newLockedWallet(t)
	s := NewServer(&Deps{Wallet: svc})

	tests := []struct {
		name   string
		params string
	}{
		{"bad json", `{invalid`},
		{"missing password", `{"mnemonic":"abandon"}`},
		{"missing mnemonic", `{"password":"Trade-Pass-1"}`},
		{"bad mnemonic", `{"mnemonic":"not a real mnemonic at all","password":"Trade-Pass-1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.walletCreate(context.Background(), json.RawMessage(tt.params))
			if !errors.Is(err, errInvalidParams) {
				t.Errorf("error = %v, want errInvalidParams", err)
			}
		})
	}
	if svc.HasWallet() {
		t.Error("wallet stored after rejected creates")
	}
}

func TestWalletLifecycle(t *testing.T) {
	svc, _ := newLockedWallet(t)
	s := NewServer(&Deps{Wallet: svc})
	h := s.Handler()

	var status WalletStatusResult
	mustCall(t, h, "wallet_status", nil, &status)
	if status.HasWallet || status.Unlocked || status.Network != string(chain.Regtest) {
		t.Errorf("initial status = %+v", status)
	}

	var gen WalletGenerateResult
	mustCall(t, h, "wallet_generate", nil, &gen)
	mustCall(t, h, "wallet_create", &WalletCreateParams{Mnemonic: gen.Mnemonic, Password: testPassword}, nil)

	mustCall(t, h, "wallet_status", nil, &status)
	if !status.HasWallet || !status.Unlocked {
		t.Errorf("status after create = %+v", status)
	}

	var first, second WalletNewAddressResult
	mustCall(t, h, "wallet_newAddress", nil, &first)
	if _, err := btcutil.DecodeAddress(first.Address, chain.MustGet(chain.Regtest).Chain); err != nil {
		t.Errorf("address %q does not decode: %v", first.Address, err)
	}
	if script, err := hex.DecodeString(first.Script); err != nil || len(script) == 0 {
		t.Errorf("script = %q", first.Script)
	}

	mustCall(t, h, "wallet_lock", nil, nil)
	wantCode(t, call(t, h, "wallet_newAddress", nil), WalletUnavailable)

	if reply := call(t, h, "wallet_unlock", &WalletUnlockParams{Password: "Wrong-Pass-2"}); reply.Error == nil {
		t.Fatal("unlock with wrong password succeeded")
	}
	mustCall(t, h, "wallet_unlock", &WalletUnlockParams{Password: testPassword}, nil)

	// The same seed derives the same first address.
	mustCall(t, h, "wallet_newAddress", nil, &second)
	if second.Address != first.Address {
		t.Errorf("address after unlock = %s, want %s", second.Address, first.Address)
	}
}

func TestWalletBalanceAndUnspent(t *testing.T) {
	mem := backend.NewMemoryBackend(chain.MustGet(chain.Regtest).Chain)
	svc := newTestWallet(t, mem, 0x03, 50_000_000, 25_000_000)
	mem.SetFeeRate(7)
	s := NewServer(&Deps{Wallet: svc})
	h := s.Handler()

	var bal WalletBalanceResult
	mustCall(t, h, "wallet_balance", nil, &bal)
	if bal.Total != 75_000_000 || bal.Reserved != 0 {
		t.Errorf("wallet_balance = %+v", bal)
	}

	var coins WalletListUnspentResult
	mustCall(t, h, "wallet_listUnspent", nil, &coins)
	if coins.Count != 2 || coins.Total != 75_000_000 {
		t.Fatalf("wallet_listUnspent = %+v", coins)
	}
	if coins.Coins[0].Amount != 50_000_000 || coins.Coins[0].Change {
		t.Errorf("largest coin = %+v", coins.Coins[0])
	}

	var sync map[string]interface{}
	mustCall(t, h, "wallet_sync", nil, &sync)
	if sync["coins"] != float64(2) {
		t.Errorf("wallet_sync = %v", sync)
	}

	var fee WalletFeeRateResult
	mustCall(t, h, "wallet_feeRate", nil, &fee)
	if fee.SatPerVByte != 7 || fee.DepositFeeRate <= 0 {
		t.Errorf("wallet_feeRate = %+v", fee)
	}
}
