package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyVerifier checks a presented API key against a bcrypt hash taken
// from configuration. The key itself is never stored.
type APIKeyVerifier struct {
	hash []byte
}

func NewAPIKeyVerifier(hash string) *APIKeyVerifier {
	if hash == "" {
		return nil
	}
	return &APIKeyVerifier{hash: []byte(hash)}
}

// Verify returns an operator with admin scopes when key matches.
func (v *APIKeyVerifier) Verify(key string) (*Operator, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: api keys not configured", ErrInvalidCredentials)
	}
	if key == "" {
		return nil, ErrMissingCredentials
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Operator{
		Subject:   "api-key",
		Role:      RoleAdmin,
		Scopes:    ScopesForRole(RoleAdmin),
		TokenType: "api_key",
	}, nil
}

// HashAPIKey produces the value to put in auth.api_key_hash.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("api key cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hashed), nil
}
