package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "therese"
	keyringAccount = "encryption-key"

	// encryptedPrefix marks ciphertext so IsEncrypted stays a cheap
	// heuristic rather than a decryption attempt.
	encryptedPrefix = "enc:v1:"
)

// EncryptionService wraps every persisted secret (API keys, profile
// JSON, MCP env values, OAuth tokens) with AES-256-GCM. It is a
// process singleton.
type EncryptionService struct {
	aead cipher.AEAD
	key  []byte
}

var (
	encryptionInstance *EncryptionService
	encryptionMu       sync.Mutex
)

// Encryption returns the singleton service, creating the key on first
// use. Key acquisition order: OS keychain, then a 0600 file under
// keyDir (defaults to ~/.therese when empty).
func Encryption(keyDir string) (*EncryptionService, error) {
	encryptionMu.Lock()
	defer encryptionMu.Unlock()

	if encryptionInstance != nil {
		return encryptionInstance, nil
	}

	key, err := acquireKey(keyDir)
	if err != nil {
		return nil, err
	}

	svc, err := newEncryptionService(key)
	if err != nil {
		return nil, err
	}

	encryptionInstance = svc
	return encryptionInstance, nil
}

// ResetEncryptionForTest drops the singleton. Test helper only.
func ResetEncryptionForTest() {
	encryptionMu.Lock()
	defer encryptionMu.Unlock()
	encryptionInstance = nil
}

func newEncryptionService(key []byte) (*EncryptionService, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &EncryptionService{aead: aead, key: key}, nil
}

func acquireKey(keyDir string) ([]byte, error) {
	if stored, err := keyring.Get(keyringService, keyringAccount); err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(stored)
		if decodeErr == nil && len(key) == 32 {
			return key, nil
		}
		slog.Warn("keychain entry is malformed, falling back to key file")
	}

	keyPath := filepath.Join(keyDir, ".encryption_key")

	if data, err := os.ReadFile(keyPath); err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr == nil && len(key) == 32 {
			return key, nil
		}
		return nil, fmt.Errorf("encryption key file %s is corrupted", keyPath)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)

	// Prefer the keychain; fall back to a 0600 file.
	if err := keyring.Set(keyringService, keyringAccount, encoded); err == nil {
		return key, nil
	}

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write encryption key: %w", err)
	}

	return key, nil
}

// Encrypt returns a prefixed base64 ciphertext. Each call uses a fresh
// nonce, so two encryptions of the same plaintext differ.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (s *EncryptionService) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encryptedPrefix) {
		return "", fmt.Errorf("value is not encrypted")
	}

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(ciphertext, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether a value carries the ciphertext prefix.
func (s *EncryptionService) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

// DecryptIfNeeded returns the plaintext whether or not the value is
// encrypted.
func (s *EncryptionService) DecryptIfNeeded(value string) (string, error) {
	if s.IsEncrypted(value) {
		return s.Decrypt(value)
	}
	return value, nil
}

// Rotate generates and installs a new key, returning the previous
// service so callers can re-encrypt stored secrets.
func Rotate(keyDir string) (old *EncryptionService, current *EncryptionService, err error) {
	encryptionMu.Lock()
	defer encryptionMu.Unlock()

	old = encryptionInstance

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	if err := keyring.Set(keyringService, keyringAccount, encoded); err != nil {
		keyPath := filepath.Join(keyDir, ".encryption_key")
		if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
			return nil, nil, fmt.Errorf("failed to persist rotated key: %w", err)
		}
	}

	current, err = newEncryptionService(key)
	if err != nil {
		return nil, nil, err
	}
	encryptionInstance = current
	return old, current, nil
}
