// Package vault implements the encrypted private-key store: a single
// AES-256-GCM blob on disk, keyed by a PBKDF2-derived key, replaced
// atomically on every write.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// KeyFormatError is returned when a supplied private key fails the
// `^0x[0-9a-fA-F]{64}$` format check.
type KeyFormatError struct{ Value string }

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("vault: malformed private key %q", e.Value)
}

// CryptoError wraps any encrypt/decrypt failure, including tamper detection
// from GCM's authentication tag.
type CryptoError struct{ Cause error }

func (e *CryptoError) Error() string { return fmt.Sprintf("vault: crypto error: %v", e.Cause) }
func (e *CryptoError) Unwrap() error { return e.Cause }

// StorageError wraps any filesystem failure.
type StorageError struct{ Cause error }

func (e *StorageError) Error() string { return fmt.Sprintf("vault: storage error: %v", e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

var keyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Key derivation is PBKDF2-SHA-256, 100,000 iterations, fixed salt. The
// salt is fixed (not random-per-vault) because the vault is a single shared
// file whose key lives only in process memory.
const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32 // AES-256
)

var pbkdf2Salt = []byte("kiro-secure-vault-salt-v1")

// envelope is the on-disk JSON shape: {iv: hex, encrypted: hex}. The "iv"
// name is kept for file-format compatibility even though GCM's value is
// really a nonce.
type envelope struct {
	IV        string `json:"iv"`
	Encrypted string `json:"encrypted"`
}

// Vault is the encrypted key store. All operations are safe for concurrent
// use; writes are serialized by mu and replace the file atomically.
type Vault struct {
	mu   sync.Mutex
	path string
	key  []byte // derived AES-256 key, held only in memory
}

// Open derives the vault's AES key from masterKey and ensures the vault
// file's parent directory exists, creating an empty vault file if absent.
func Open(path string, masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, errors.New("vault: master key must not be empty")
	}
	key := pbkdf2.Key([]byte(masterKey), pbkdf2Salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	v := &Vault{path: path, key: key}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, &StorageError{Cause: err}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, &StorageError{Cause: err}
		}
		if err := v.saveAll(map[string]string{}); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// DeriveAddress returns the checksummed EVM address for a `0x`-prefixed
// 32-byte hex private key: the last 20 bytes of keccak256 of the
// uncompressed public key. No separately stored address is ever trusted
// over this derivation.
func DeriveAddress(privateKeyHex string) (string, error) {
	if !keyPattern.MatchString(privateKeyHex) {
		return "", &KeyFormatError{Value: privateKeyHex}
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", &KeyFormatError{Value: privateKeyHex}
	}
	return crypto.PubkeyToAddress(pk.PublicKey).Hex(), nil
}

// AddAccountKey validates and stores a private key under id, replacing the
// vault file atomically.
func (v *Vault) AddAccountKey(id, privateKeyHex string) error {
	if !keyPattern.MatchString(privateKeyHex) {
		return &KeyFormatError{Value: privateKeyHex}
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.loadAll()
	if err != nil {
		return err
	}
	keys[id] = privateKeyHex
	return v.saveAll(keys)
}

// GetAccountKey returns the private key for id, or "" if absent.
func (v *Vault) GetAccountKey(id string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.loadAll()
	if err != nil {
		return "", err
	}
	return keys[id], nil
}

// RemoveAccountKey deletes id's key. Absent is not an error.
func (v *Vault) RemoveAccountKey(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.loadAll()
	if err != nil {
		return err
	}
	delete(keys, id)
	return v.saveAll(keys)
}

// ListIDs returns every account id currently stored.
func (v *Vault) ListIDs() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.loadAll()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	return ids, nil
}

// loadAll decrypts the full {id: privateKey} map. Caller must hold v.mu.
func (v *Vault) loadAll() (map[string]string, error) {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, &StorageError{Cause: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &StorageError{Cause: err}
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, &CryptoError{Cause: err}
	}
	ciphertext, err := hex.DecodeString(env.Encrypted)
	if err != nil {
		return nil, &CryptoError{Cause: err}
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, &CryptoError{Cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Cause: err}
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, &CryptoError{Cause: err}
	}

	keys := map[string]string{}
	if len(plaintext) > 0 {
		if err := json.Unmarshal(plaintext, &keys); err != nil {
			return nil, &CryptoError{Cause: err}
		}
	}
	return keys, nil
}

// saveAll encrypts keys with a fresh random nonce and atomically replaces
// the vault file via write-to-.tmp-then-rename.
func (v *Vault) saveAll(keys map[string]string) error {
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return &StorageError{Cause: err}
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return &CryptoError{Cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return &CryptoError{Cause: err}
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return &CryptoError{Cause: err}
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	env := envelope{
		IV:        hex.EncodeToString(nonce),
		Encrypted: hex.EncodeToString(ciphertext),
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return &StorageError{Cause: err}
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return &StorageError{Cause: err}
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return &StorageError{Cause: err}
	}
	return nil
}
