package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyEntry is one provisioned key: the caller presents the plaintext
// key, configuration stores only its bcrypt hash.
type APIKeyEntry struct {
	Name string `mapstructure:"name"`
	Hash string `mapstructure:"hash"`
}

// APIKeyValidator validates presented keys against the provisioned set.
type APIKeyValidator struct {
	entries []APIKeyEntry
}

func NewAPIKeyValidator(entries []APIKeyEntry) *APIKeyValidator {
	return &APIKeyValidator{entries: entries}
}

// Validate checks a presented key. Keys use the "rk_" prefix; anything
// else is rejected before any hash comparison.
func (v *APIKeyValidator) Validate(apiKey string) (*Principal, error) {
	if !strings.HasPrefix(apiKey, "rk_") {
		return nil, errors.New("auth: invalid API key format")
	}
	for _, e := range v.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.Hash), []byte(apiKey)) == nil {
			return &Principal{Subject: e.Name, Name: e.Name, IsAPIKey: true}, nil
		}
	}
	return nil, errors.New("auth: unknown API key")
}

// HashAPIKey produces the bcrypt hash to provision for a new key.
func HashAPIKey(apiKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
