package vaultfs

import (
	"strings"
	"testing"
)

func newTestKeyPair(t *testing.T) (*MasterKey, *MasterKey) {
	t.Helper()
	k1, err := NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey failed: %v", err)
	}
	k2, err := NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey failed: %v", err)
	}
	t.Cleanup(func() { k1.Destroy(); k2.Destroy() })
	return k1, k2
}

func TestVaultConfig_SignVerify(t *testing.T) {
	key, _ := newTestKeyPair(t)

	config, err := NewVaultConfig(CipherComboSIVGCM, DefaultShorteningThreshold)
	if err != nil {
		t.Fatalf("NewVaultConfig failed: %v", err)
	}

	token, err := config.Sign(key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("token is not a compact JWS: %q", token)
	}

	verified, err := VerifyVaultConfig(token, key)
	if err != nil {
		t.Fatalf("VerifyVaultConfig failed: %v", err)
	}
	if verified.ID != config.ID {
		t.Errorf("ID = %q, want %q", verified.ID, config.ID)
	}
	if verified.Format != VaultFormat || verified.CipherCombo != CipherComboSIVGCM {
		t.Errorf("claims = %+v", verified)
	}
	if verified.ShorteningThreshold != DefaultShorteningThreshold {
		t.Errorf("threshold = %d", verified.ShorteningThreshold)
	}
}

func TestVaultConfig_WrongKey(t *testing.T) {
	key, other := newTestKeyPair(t)

	config, err := NewVaultConfig(CipherComboSIVGCM, DefaultShorteningThreshold)
	if err != nil {
		t.Fatalf("NewVaultConfig failed: %v", err)
	}
	token, err := config.Sign(key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if _, err := VerifyVaultConfig(token, other); !IsAuthenticationError(err) {
		t.Errorf("verify under wrong key: got %v, want authentication error", err)
	}
}

func TestVaultConfig_TamperedClaims(t *testing.T) {
	key, _ := newTestKeyPair(t)

	config, err := NewVaultConfig(CipherComboSIVGCM, DefaultShorteningThreshold)
	if err != nil {
		t.Fatalf("NewVaultConfig failed: %v", err)
	}
	token, err := config.Sign(key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// Splice the payload of a second token onto the first signature.
	config2, _ := NewVaultConfig(CipherComboSIVChaCha20, DefaultShorteningThreshold)
	token2, err := config2.Sign(key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	p1 := strings.Split(token, ".")
	p2 := strings.Split(token2, ".")
	spliced := p2[0] + "." + p2[1] + "." + p1[2]

	if _, err := VerifyVaultConfig(spliced, key); err == nil {
		t.Error("spliced token should not verify")
	}
}

func TestVaultConfig_InvalidParameters(t *testing.T) {
	if _, err := NewVaultConfig("SIV_ROT13", DefaultShorteningThreshold); err == nil {
		t.Error("NewVaultConfig should reject unknown cipher combos")
	}
	if _, err := NewVaultConfig(CipherComboSIVGCM, 10); err == nil {
		t.Error("NewVaultConfig should reject implausible thresholds")
	}
}

func TestVaultConfig_GarbageToken(t *testing.T) {
	key, _ := newTestKeyPair(t)

	if _, err := VerifyVaultConfig("not a token", key); err == nil {
		t.Error("garbage token should not verify")
	}
}
