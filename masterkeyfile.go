package vaultfs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

// Default scrypt parameters for new vaults. N=32768 keeps unlock around
// a tenth of a second on current hardware while staying memory-hard.
const (
	DefaultScryptCostParam = 32768
	DefaultScryptBlockSize = 8
	scryptParallelism      = 1
	scryptSaltSize         = 32
	kekSize                = 32
)

// masterKeyFileVersion is the version recorded in the masterkey file.
// Since format 8 the real format version lives in the signed vault
// config; the masterkey file carries a fixed placeholder.
const masterKeyFileVersion = 999

// MasterKeyFile is the JSON document storing the wrapped master keys
// alongside the scrypt parameters needed to re-derive the KEK.
type MasterKeyFile struct {
	Version          uint32 `json:"version"`
	ScryptSalt       string `json:"scryptSalt"`
	ScryptCostParam  int    `json:"scryptCostParam"`
	ScryptBlockSize  int    `json:"scryptBlockSize"`
	PrimaryMasterKey string `json:"primaryMasterKey"`
	HmacMasterKey    string `json:"hmacMasterKey"`
	VersionMac       string `json:"versionMac"`
}

// deriveKEK derives the key-encryption key from a passphrase and the
// stored scrypt parameters. The passphrase is NFC-normalized first so
// that visually identical input composed differently (for example "é" as
// one codepoint versus "e" plus a combining accent) unlocks the same
// vault.
func deriveKEK(passphrase, salt []byte, costParam, blockSize int) ([]byte, error) {
	if costParam < 2 || costParam&(costParam-1) != 0 {
		return nil, NewValidationError("scryptCostParam", "must be a power of two greater than 1")
	}
	if blockSize < 1 {
		return nil, NewValidationError("scryptBlockSize", "must be positive")
	}

	normalized := norm.NFC.Bytes(passphrase)
	defer zeroize(normalized)

	kek, err := scrypt.Key(normalized, salt, costParam, blockSize, scryptParallelism, kekSize)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation failed: %w", err)
	}
	return kek, nil
}

// EncryptMasterKey wraps key under the given passphrase and produces a
// masterkey file document with fresh salt and the given cost parameters.
func EncryptMasterKey(key *MasterKey, passphrase []byte, costParam, blockSize int) (*MasterKeyFile, error) {
	salt, err := randomBytes(scryptSaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate scrypt salt: %w", err)
	}

	kek, err := deriveKEK(passphrase, salt, costParam, blockSize)
	if err != nil {
		return nil, err
	}
	defer zeroize(kek)

	wrappedAES, err := wrapKey(kek, key.EncKey())
	if err != nil {
		return nil, fmt.Errorf("failed to wrap encryption key: %w", err)
	}
	wrappedMac, err := wrapKey(kek, key.MacKey())
	if err != nil {
		return nil, fmt.Errorf("failed to wrap MAC key: %w", err)
	}

	enc := base64.StdEncoding
	return &MasterKeyFile{
		Version:          masterKeyFileVersion,
		ScryptSalt:       enc.EncodeToString(salt),
		ScryptCostParam:  costParam,
		ScryptBlockSize:  blockSize,
		PrimaryMasterKey: enc.EncodeToString(wrappedAES),
		HmacMasterKey:    enc.EncodeToString(wrappedMac),
		VersionMac:       enc.EncodeToString(key.versionMac(masterKeyFileVersion)),
	}, nil
}

// DecryptMasterKey unwraps the master keys using the given passphrase.
// A wrong passphrase fails the unwrap integrity check and returns an
// AuthenticationError; there is no way to tell it apart from a corrupted
// file, which is intentional.
func (f *MasterKeyFile) DecryptMasterKey(passphrase []byte) (*MasterKey, error) {
	enc := base64.StdEncoding
	salt, err := enc.DecodeString(f.ScryptSalt)
	if err != nil {
		return nil, NewValidationError("scryptSalt", "invalid base64")
	}
	wrappedAES, err := enc.DecodeString(f.PrimaryMasterKey)
	if err != nil {
		return nil, NewValidationError("primaryMasterKey", "invalid base64")
	}
	wrappedMac, err := enc.DecodeString(f.HmacMasterKey)
	if err != nil {
		return nil, NewValidationError("hmacMasterKey", "invalid base64")
	}
	storedMac, err := enc.DecodeString(f.VersionMac)
	if err != nil {
		return nil, NewValidationError("versionMac", "invalid base64")
	}

	kek, err := deriveKEK(passphrase, salt, f.ScryptCostParam, f.ScryptBlockSize)
	if err != nil {
		return nil, err
	}
	defer zeroize(kek)

	aesKey, err := unwrapKey(kek, wrappedAES)
	if err != nil {
		if IsAuthenticationError(err) {
			return nil, NewAuthenticationError("", "master key unwrap failed - wrong passphrase or corrupted masterkey file")
		}
		return nil, err
	}
	macKey, err := unwrapKey(kek, wrappedMac)
	if err != nil {
		zeroize(aesKey)
		if IsAuthenticationError(err) {
			return nil, NewAuthenticationError("", "MAC key unwrap failed - wrong passphrase or corrupted masterkey file")
		}
		return nil, err
	}

	key, err := newMasterKeyFromRaw(aesKey, macKey)
	if err != nil {
		return nil, err
	}

	if !key.checkVersionMac(f.Version, storedMac) {
		key.Destroy()
		return nil, NewAuthenticationError("", "version MAC mismatch - masterkey file may have been rolled back")
	}
	return key, nil
}

// Marshal renders the masterkey file as indented JSON.
func (f *MasterKeyFile) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal masterkey file: %w", err)
	}
	return data, nil
}

// ParseMasterKeyFile parses a masterkey file document.
func ParseMasterKeyFile(data []byte) (*MasterKeyFile, error) {
	var f MasterKeyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse masterkey file: %w", err)
	}
	if f.ScryptSalt == "" || f.PrimaryMasterKey == "" || f.HmacMasterKey == "" {
		return nil, NewValidationError("masterkey", "missing required fields")
	}
	return &f, nil
}
