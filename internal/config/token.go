package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	keychainService = "qalyd"
	apiKeyAccount   = "openai_api_key"
	apiTokenAccount = "api_token"
)

// Keychain stores small secrets in the platform secret store.
// macOS uses the system Keychain via the security CLI; other platforms
// use a restricted-permission file under the data directory.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type systemKeychain struct{}

// NewKeychain returns the platform-backed secret store.
func NewKeychain() Keychain {
	return systemKeychain{}
}

func (systemKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (systemKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token protecting the local HTTP API.
// A fresh token is generated and persisted on first use, so the server
// and CLI agree on it across restarts. QALYD_API_TOKEN overrides the
// stored token.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("QALYD_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.New().String()
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
