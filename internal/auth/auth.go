// Package auth manages the server's bearer token: a single random secret
// persisted under the data directory and checked on every /ws upgrade.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

const tokenLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate creates a random 32-character alphanumeric token and writes it
// to dataDir/token with permissions 0600.
func Generate(dataDir string) (string, error) {
	token, err := randomAlphanumeric(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	if err := writeToken(dataDir, token); err != nil {
		return "", err
	}
	return token, nil
}

// LoadOrGenerate returns the auth token using this priority:
//  1. VIBETUNNEL_TOKEN environment variable (written to disk too, so the
//     token survives a restart without the variable)
//  2. Existing token file on disk
//  3. Newly generated token
func LoadOrGenerate(dataDir string) (string, error) {
	if envToken := strings.TrimSpace(os.Getenv("VIBETUNNEL_TOKEN")); envToken != "" {
		if err := writeToken(dataDir, envToken); err != nil {
			return "", err
		}
		return envToken, nil
	}

	if data, err := os.ReadFile(tokenPath(dataDir)); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	return Generate(dataDir)
}

// Validate compares a presented token against the actual one in constant
// time. An empty actual token rejects everything.
func Validate(presented, actual string) bool {
	if actual == "" {
		return false
	}
	presented = strings.TrimSpace(presented)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(actual)) == 1
}

// BearerToken extracts the token a request presents: the Authorization
// header first, the token query parameter as a fallback (browser websocket
// clients cannot set headers).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "token")
}

func writeToken(dataDir, token string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	path := tokenPath(dataDir)
	if err := renameio.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token to %s: %w", path, err)
	}
	return nil
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
