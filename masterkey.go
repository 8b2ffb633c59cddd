package vaultfs

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// MasterKey holds the two 256-bit secrets of an unlocked vault: an
// encryption key for content AEAD and a MAC key for integrity duties
// (filename SIV, version MAC, config signature). Both live only in
// process memory; Destroy zeroes them.
type MasterKey struct {
	aesKey []byte
	macKey []byte
}

// NewMasterKey generates a fresh random master key pair.
func NewMasterKey() (*MasterKey, error) {
	aesKey := make([]byte, 32)
	macKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if _, err := rand.Read(macKey); err != nil {
		return nil, fmt.Errorf("failed to generate MAC key: %w", err)
	}
	return &MasterKey{aesKey: aesKey, macKey: macKey}, nil
}

// newMasterKeyFromRaw adopts existing key material without copying.
func newMasterKeyFromRaw(aesKey, macKey []byte) (*MasterKey, error) {
	if len(aesKey) != 32 || len(macKey) != 32 {
		return nil, fmt.Errorf("%w: master keys must be 32 bytes each", ErrInvalidKey)
	}
	return &MasterKey{aesKey: aesKey, macKey: macKey}, nil
}

// EncKey returns the content encryption key. The slice aliases the key
// material; callers must not modify or retain it past Destroy.
func (k *MasterKey) EncKey() []byte { return k.aesKey }

// MacKey returns the MAC key under the same aliasing rules as EncKey.
func (k *MasterKey) MacKey() []byte { return k.macKey }

// RawKey returns the 64-byte concatenation encKey||macKey. It feeds the
// vault config signature, which covers both halves.
func (k *MasterKey) RawKey() []byte {
	raw := make([]byte, 64)
	copy(raw, k.aesKey)
	copy(raw[32:], k.macKey)
	return raw
}

// sivKey returns the 64-byte SIV key macKey||encKey: the MAC half keys
// S2V, the encryption half keys CTR.
func (k *MasterKey) sivKey() []byte {
	key := make([]byte, 64)
	copy(key, k.macKey)
	copy(key[32:], k.aesKey)
	return key
}

// versionMac computes HMAC-SHA256 over the big-endian format version,
// preventing rollback of the vault format field in the masterkey file.
func (k *MasterKey) versionMac(version uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], version)
	mac := hmac.New(sha256.New, k.macKey)
	mac.Write(buf[:])
	return mac.Sum(nil)
}

// checkVersionMac verifies a stored version MAC in constant time.
func (k *MasterKey) checkVersionMac(version uint32, stored []byte) bool {
	expected := k.versionMac(version)
	return subtle.ConstantTimeCompare(expected, stored) == 1
}

// Destroy zeroes the key material. The MasterKey must not be used
// afterwards.
func (k *MasterKey) Destroy() {
	zeroize(k.aesKey)
	zeroize(k.macKey)
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RFC 3394 AES key wrap. The masterkey file stores both master keys
// wrapped under the passphrase-derived KEK; the integrity check built
// into unwrapping is what turns a wrong passphrase into an
// authentication failure.

var keyWrapIV = [8]byte{0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6}

// wrapKey wraps key under kek per RFC 3394. key must be a multiple of
// 8 bytes and at least 16; the output is 8 bytes longer.
func wrapKey(kek, key []byte) ([]byte, error) {
	if len(key)%8 != 0 || len(key) < 16 {
		return nil, fmt.Errorf("%w: wrap input must be a multiple of 8 bytes, at least 16", ErrInvalidKey)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create key-wrap cipher: %w", err)
	}

	n := len(key) / 8
	a := keyWrapIV
	r := make([]byte, len(key))
	copy(r, key)

	var b [16]byte
	for j := 0; j < 6; j++ {
		for i := 0; i < n; i++ {
			copy(b[:8], a[:])
			copy(b[8:], r[i*8:(i+1)*8])
			block.Encrypt(b[:], b[:])
			copy(a[:], b[:8])
			t := uint64(n*j + i + 1)
			for k := 0; k < 8; k++ {
				a[7-k] ^= byte(t >> (8 * k))
			}
			copy(r[i*8:(i+1)*8], b[8:])
		}
	}

	out := make([]byte, 8+len(key))
	copy(out, a[:])
	copy(out[8:], r)
	return out, nil
}

// unwrapKey reverses wrapKey. An integrity-check failure means the KEK is
// wrong or the wrapped blob was altered; both surface as ErrAuthFailed.
func unwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, fmt.Errorf("%w: wrapped key has invalid length %d", ErrInvalidCiphertext, len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create key-wrap cipher: %w", err)
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([]byte, len(wrapped)-8)
	copy(r, wrapped[8:])

	var b [16]byte
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j + i + 1)
			for k := 0; k < 8; k++ {
				a[7-k] ^= byte(t >> (8 * k))
			}
			copy(b[:8], a[:])
			copy(b[8:], r[i*8:(i+1)*8])
			block.Decrypt(b[:], b[:])
			copy(a[:], b[:8])
			copy(r[i*8:(i+1)*8], b[8:])
		}
	}

	if subtle.ConstantTimeCompare(a[:], keyWrapIV[:]) != 1 {
		zeroize(r)
		return nil, ErrAuthFailed
	}
	return r, nil
}
