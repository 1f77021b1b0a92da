package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const keychainService = "papermill"

// ErrSecretNotFound is returned by the platform secret store for an item
// that was never set.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain { return platformKeychain{} }

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the management API,
// generating and storing one on first use. Any other secret store failure
// is returned so a running server's token is never silently replaced.
func GetAPIToken(kc Keychain) (string, error) {
	tok, err := kc.Get(keychainService, "api_token")
	switch {
	case err == nil && tok != "":
		return tok, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound):
		return "", fmt.Errorf("reading API token: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := kc.Set(keychainService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return tok, nil
}

// SetSecret stores a secret config key in the platform secret store.
func SetSecret(kc Keychain, key, value string) error {
	for _, s := range specs {
		if s.key == key && s.secret {
			return kc.Set(keychainService, s.account, value)
		}
	}
	return fmt.Errorf("%q is not a secret config key", key)
}
