package vaultfs

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// VaultFormat is the on-disk format version this package reads and
// writes.
const VaultFormat = 8

// DefaultShorteningThreshold is the maximum encrypted name length
// recorded in new vault configs. Longer names are rejected rather than
// shortened.
const DefaultShorteningThreshold = 220

// VaultConfig describes an unlocked vault's configuration: the format
// version, the cipher combo, and the name shortening threshold. On disk
// it is a compact JWS signed with the raw master key, so any change to
// the configuration is detected at unlock.
type VaultConfig struct {
	ID                  string
	Format              int
	CipherCombo         CipherCombo
	ShorteningThreshold int
}

type vaultConfigClaims struct {
	Format              int    `json:"format"`
	CipherCombo         string `json:"cipherCombo"`
	ShorteningThreshold int    `json:"shorteningThreshold"`
	jwt.RegisteredClaims
}

// NewVaultConfig creates a configuration for a new vault with a random
// ID.
func NewVaultConfig(combo CipherCombo, shorteningThreshold int) (*VaultConfig, error) {
	if !combo.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, combo)
	}
	if shorteningThreshold < 36 {
		return nil, NewValidationError("shorteningThreshold", "too small to hold any encrypted name")
	}
	return &VaultConfig{
		ID:                  uuid.NewString(),
		Format:              VaultFormat,
		CipherCombo:         combo,
		ShorteningThreshold: shorteningThreshold,
	}, nil
}

// Sign serializes the configuration as a compact JWS keyed by the raw
// master key.
func (c *VaultConfig) Sign(key *MasterKey) (string, error) {
	claims := vaultConfigClaims{
		Format:              c.Format,
		CipherCombo:         string(c.CipherCombo),
		ShorteningThreshold: c.ShorteningThreshold,
		RegisteredClaims: jwt.RegisteredClaims{
			ID: c.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "masterkeyfile:masterkey.cryptomator"

	signed, err := token.SignedString(c.signingKey(key))
	if err != nil {
		return "", fmt.Errorf("failed to sign vault config: %w", err)
	}
	return signed, nil
}

func (c *VaultConfig) signingKey(key *MasterKey) []byte {
	return key.RawKey()
}

// VerifyVaultConfig parses and verifies a vault config token against the
// unlocked master key. A bad signature means the configuration was
// tampered with (or the wrong key was supplied) and surfaces as an
// AuthenticationError.
func VerifyVaultConfig(tokenString string, key *MasterKey) (*VaultConfig, error) {
	var claims vaultConfigClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (interface{}, error) {
			return key.RawKey(), nil
		},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, NewAuthenticationError("", "vault config signature invalid")
		}
		return nil, fmt.Errorf("failed to parse vault config: %w", err)
	}
	if !token.Valid {
		return nil, NewAuthenticationError("", "vault config token invalid")
	}

	if claims.Format != VaultFormat {
		return nil, fmt.Errorf("%w: vault format %d, supported %d",
			ErrUnsupportedVersion, claims.Format, VaultFormat)
	}
	combo := CipherCombo(claims.CipherCombo)
	if !combo.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, claims.CipherCombo)
	}
	if claims.ShorteningThreshold < 36 {
		return nil, NewValidationError("shorteningThreshold", "implausibly small")
	}

	return &VaultConfig{
		ID:                  claims.ID,
		Format:              claims.Format,
		CipherCombo:         combo,
		ShorteningThreshold: claims.ShorteningThreshold,
	}, nil
}
