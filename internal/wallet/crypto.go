package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32

	seedFileVersion = 1
)

// EncryptedSeed is the on-disk form of the mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func (e *EncryptedSeed) gcm(password string) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), e.Salt, e.Time, e.Memory, e.Parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptMnemonic encrypts a mnemonic using Argon2id and AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	e := &EncryptedSeed{
		Version:     seedFileVersion,
		Salt:        make([]byte, argon2SaltLen),
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}
	if _, err := rand.Read(e.Salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := e.gcm(password)
	if err != nil {
		return nil, err
	}
	e.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(e.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	e.Ciphertext = gcm.Seal(nil, e.Nonce, []byte(mnemonic), nil)
	return e, nil
}

// DecryptMnemonic decrypts an encrypted seed.
func DecryptMnemonic(e *EncryptedSeed, password string) (string, error) {
	if e.Version != seedFileVersion {
		return "", fmt.Errorf("unsupported seed version %d", e.Version)
	}
	gcm, err := e.gcm(password)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, e.Nonce, e.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt (wrong password?): %w", err)
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

// SaveEncryptedSeed writes the seed file with owner-only permissions.
func SaveEncryptedSeed(e *EncryptedSeed, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadEncryptedSeed reads a seed file.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	var e EncryptedSeed
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &e, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword requires MinPasswordLength characters from at least
// three of upper case, lower case, digits and symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	classes := make(map[string]bool, 4)
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes["upper"] = true
		case unicode.IsLower(r):
			classes["lower"] = true
		case unicode.IsNumber(r):
			classes["digit"] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes["symbol"] = true
		}
	}
	if len(classes) < 3 {
		return fmt.Errorf("password must mix at least 3 character classes")
	}
	return nil
}
