package wallet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/musig-trade/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestNewFromMnemonic(t *testing.T) {
	if _, err := NewFromMnemonic("abandon", "", chain.Mainnet); err != ErrInvalidMnemonic {
		t.Errorf("short mnemonic err = %v, want ErrInvalidMnemonic", err)
	}
	if _, err := NewFromMnemonic(testMnemonic, "", "dogenet"); err == nil {
		t.Error("unknown network should fail")
	}
}

// BIP-86 reference vector for account 0, first receive address.
func TestBIP86Vector(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	addr, err := w.Address(External, 0)
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	const want = "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr"
	if got := addr.EncodeAddress(); got != want {
		t.Errorf("address = %s, want %s", got, want)
	}
}

func TestDerivationIsCached(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Regtest)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := w.PrivateKey(Internal, 4)
	b, _ := w.PrivateKey(Internal, 4)
	if a != b {
		t.Error("second derivation should hit the cache")
	}
	c, _ := w.PrivateKey(External, 4)
	if c.PubKey().IsEqual(a.PubKey()) {
		t.Error("branches must derive different keys")
	}

	addr, err := w.Address(External, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(addr.EncodeAddress(), "bcrt1p") {
		t.Errorf("regtest address = %s", addr.EncodeAddress())
	}

	w.ClearCache()
	d, _ := w.PrivateKey(Internal, 4)
	if d == a {
		t.Error("cache should be empty after ClearCache")
	}
}

func TestParseAddress(t *testing.T) {
	params := chain.MustGet(chain.Mainnet)
	_, script, err := ParseAddress("bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr", params)
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	if len(script) != 34 || script[0] != 0x51 {
		t.Errorf("script = %x, want segwit v1", script)
	}
	if _, _, err := ParseAddress("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", params); err == nil {
		t.Error("testnet address should not parse on mainnet")
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	const password = "Correct-Horse-9"
	enc, err := EncryptMnemonic(testMnemonic, password)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}

	dir, err := os.MkdirTemp("", "wallet-seed")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "nested", "wallet.seed")

	if err := SaveEncryptedSeed(enc, path); err != nil {
		t.Fatalf("SaveEncryptedSeed() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("seed file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed() error = %v", err)
	}
	got, err := DecryptMnemonic(loaded, password)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}
	if got != testMnemonic {
		t.Error("decrypted mnemonic mismatch")
	}
	if _, err := DecryptMnemonic(loaded, "Wrong-Horse-9"); err == nil {
		t.Error("wrong password should fail")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"Short1!", false},
		{"alllowercase", false},
		{"lowercase123", false},
		{"Lowercase123", true},
		{"lower-case-12", true},
		{strings.Repeat("Ab1", 90), false},
	}
	for _, tc := range tests {
		err := ValidatePassword(tc.password)
		if (err == nil) != tc.valid {
			t.Errorf("ValidatePassword(%q) = %v, valid %v", tc.password, err, tc.valid)
		}
	}
}

func TestEstimateFee(t *testing.T) {
	// One key spend, one taproot output: 42 + 230 + 172 = 444 wu, 111 vB.
	if fee := EstimateFee(1, []int{34}, 2); fee != 222 {
		t.Errorf("EstimateFee = %d, want 222", fee)
	}
	// Rounds the vsize up.
	if fee := EstimateFee(2, []int{34, 34}, 1); fee != btcutil.Amount((42+460+344+3)/4) {
		t.Errorf("EstimateFee = %d", fee)
	}
}
