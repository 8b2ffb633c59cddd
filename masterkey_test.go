package vaultfs

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestKeyWrap_RoundTrip(t *testing.T) {
	kek := make([]byte, 32)
	for i := range kek {
		kek[i] = byte(i)
	}

	tests := []struct {
		name    string
		keySize int
	}{
		{"16-byte key", 16},
		{"24-byte key", 24},
		{"32-byte key", 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keySize)
			for i := range key {
				key[i] = byte(0xA0 + i)
			}

			wrapped, err := wrapKey(kek, key)
			if err != nil {
				t.Fatalf("wrapKey failed: %v", err)
			}
			if len(wrapped) != len(key)+8 {
				t.Errorf("wrapped length = %d, want %d", len(wrapped), len(key)+8)
			}

			unwrapped, err := unwrapKey(kek, wrapped)
			if err != nil {
				t.Fatalf("unwrapKey failed: %v", err)
			}
			if !bytes.Equal(unwrapped, key) {
				t.Errorf("unwrapped key doesn't match original")
			}
		})
	}
}

// Known-answer test from RFC 3394 section 4.6: 256 bits of key data
// wrapped with a 256-bit KEK.
func TestKeyWrap_KnownAnswer(t *testing.T) {
	kek, _ := hex.DecodeString("000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F")
	key, _ := hex.DecodeString("00112233445566778899AABBCCDDEEFF000102030405060708090A0B0C0D0E0F")
	want, _ := hex.DecodeString("28C9F404C4B810F4CBCCB35CFB87F8263F5786E2D80ED326CBC7F0E71A99F43BFB988B9B7A02DD21")

	wrapped, err := wrapKey(kek, key)
	if err != nil {
		t.Fatalf("wrapKey failed: %v", err)
	}
	if !bytes.Equal(wrapped, want) {
		t.Errorf("wrapped = %X, want %X", wrapped, want)
	}

	unwrapped, err := unwrapKey(kek, wrapped)
	if err != nil {
		t.Fatalf("unwrapKey failed: %v", err)
	}
	if !bytes.Equal(unwrapped, key) {
		t.Errorf("unwrapped = %X, want %X", unwrapped, key)
	}
}

func TestKeyWrap_WrongKEK(t *testing.T) {
	kek1 := make([]byte, 32)
	kek2 := make([]byte, 32)
	kek2[0] = 1

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	wrapped, err := wrapKey(kek1, key)
	if err != nil {
		t.Fatalf("wrapKey failed: %v", err)
	}

	if _, err := unwrapKey(kek2, wrapped); err != ErrAuthFailed {
		t.Errorf("unwrap with wrong KEK: got %v, want ErrAuthFailed", err)
	}
}

func TestKeyWrap_Tampered(t *testing.T) {
	kek := make([]byte, 32)
	key := make([]byte, 32)

	wrapped, err := wrapKey(kek, key)
	if err != nil {
		t.Fatalf("wrapKey failed: %v", err)
	}
	wrapped[11] ^= 0x40

	if _, err := unwrapKey(kek, wrapped); err != ErrAuthFailed {
		t.Errorf("unwrap of tampered blob: got %v, want ErrAuthFailed", err)
	}
}

func TestKeyWrap_InvalidLengths(t *testing.T) {
	kek := make([]byte, 32)

	if _, err := wrapKey(kek, make([]byte, 15)); err == nil {
		t.Error("wrapKey should reject non-multiple-of-8 input")
	}
	if _, err := wrapKey(kek, make([]byte, 8)); err == nil {
		t.Error("wrapKey should reject input shorter than 16 bytes")
	}
	if _, err := unwrapKey(kek, make([]byte, 16)); err == nil {
		t.Error("unwrapKey should reject input shorter than 24 bytes")
	}
}

func TestMasterKey_VersionMac(t *testing.T) {
	key, err := NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey failed: %v", err)
	}
	defer key.Destroy()

	mac := key.versionMac(8)
	if len(mac) != 32 {
		t.Fatalf("versionMac length = %d, want 32", len(mac))
	}
	if !key.checkVersionMac(8, mac) {
		t.Error("checkVersionMac rejected a valid MAC")
	}
	if key.checkVersionMac(7, mac) {
		t.Error("checkVersionMac accepted a MAC for a different version")
	}

	mac[0] ^= 0xFF
	if key.checkVersionMac(8, mac) {
		t.Error("checkVersionMac accepted a tampered MAC")
	}
}

func TestMasterKey_RawAndSIVKeys(t *testing.T) {
	key, err := NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey failed: %v", err)
	}
	defer key.Destroy()

	raw := key.RawKey()
	if len(raw) != 64 {
		t.Fatalf("RawKey length = %d, want 64", len(raw))
	}
	if !bytes.Equal(raw[:32], key.EncKey()) || !bytes.Equal(raw[32:], key.MacKey()) {
		t.Error("RawKey is not encKey||macKey")
	}

	sivKey := key.sivKey()
	if !bytes.Equal(sivKey[:32], key.MacKey()) || !bytes.Equal(sivKey[32:], key.EncKey()) {
		t.Error("sivKey is not macKey||encKey")
	}
}

func TestMasterKey_Destroy(t *testing.T) {
	key, err := NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey failed: %v", err)
	}
	key.Destroy()

	zero := make([]byte, 32)
	if !bytes.Equal(key.EncKey(), zero) || !bytes.Equal(key.MacKey(), zero) {
		t.Error("Destroy did not zero the key material")
	}
}
