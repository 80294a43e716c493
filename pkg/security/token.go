package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenHeader is the request header the desktop shell authenticates
// with. The token may alternatively arrive as a "token" query param.
const TokenHeader = "X-Therese-Token"

const tokenFileName = ".session_token"

// SessionToken lives for one process: generated at start, written to a
// 0600 file so the local shell can read it, cleared on shutdown.
type SessionToken struct {
	value string
	path  string
}

// NewSessionToken generates a 32-byte URL-safe token and persists it
// under dir with mode 0600.
func NewSessionToken(dir string) (*SessionToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	value := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	path := filepath.Join(dir, tokenFileName)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write session token: %w", err)
	}

	return &SessionToken{value: value, path: path}, nil
}

// Value returns the token string.
func (t *SessionToken) Value() string {
	return t.value
}

// Verify compares a candidate in constant time.
func (t *SessionToken) Verify(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(t.value), []byte(strings.TrimSpace(candidate))) == 1
}

// Clear removes the token file. Called on shutdown.
func (t *SessionToken) Clear() error {
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session token file: %w", err)
	}
	return nil
}
