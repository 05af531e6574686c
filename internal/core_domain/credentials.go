package core_domain

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Credentials is the per-tenant, per-provider secret bundle. It is sealed
// before persistence and never logged in full.
type Credentials struct {
	Provider      ProviderName `json:"provider"`
	APIKey        string       `json:"apiKey,omitempty"`
	AccountSID    string       `json:"accountSid,omitempty"`
	AuthToken     string       `json:"authToken,omitempty"`
	DefaultNumber string       `json:"defaultNumber,omitempty"`
}

func tail(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// Redacted returns a loggable form keeping only the last four characters of
// each secret.
func (c Credentials) Redacted() map[string]string {
	out := map[string]string{"provider": string(c.Provider)}
	if c.APIKey != "" {
		out["api_key"] = tail(c.APIKey)
	}
	if c.AccountSID != "" {
		out["account_sid"] = c.AccountSID // SIDs are identifiers, not secrets
	}
	if c.AuthToken != "" {
		out["auth_token"] = tail(c.AuthToken)
	}
	if c.DefaultNumber != "" {
		out["default_number"] = c.DefaultNumber
	}
	return out
}

const sealNonceSize = 24

// SealCredentials encrypts the bundle with a 32-byte key for storage.
func SealCredentials(c Credentials, key *[32]byte) ([]byte, error) {
	plain, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	var nonce [sealNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, key), nil
}

// OpenCredentials decrypts a sealed bundle.
func OpenCredentials(sealed []byte, key *[32]byte) (Credentials, error) {
	var c Credentials
	if len(sealed) < sealNonceSize {
		return c, errors.New("sealed credentials too short")
	}

	var nonce [sealNonceSize]byte
	copy(nonce[:], sealed[:sealNonceSize])
	plain, ok := secretbox.Open(nil, sealed[sealNonceSize:], &nonce, key)
	if !ok {
		return c, errors.New("failed to open sealed credentials")
	}
	if err := json.Unmarshal(plain, &c); err != nil {
		return c, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return c, nil
}
