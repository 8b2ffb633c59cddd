package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherCombo selects the AEAD used for file headers and content chunks.
// Names are always encrypted with AES-SIV regardless of the combo.
type CipherCombo string

const (
	// CipherComboSIVGCM pairs AES-SIV names with AES-256-GCM content.
	// This is the default and the interoperable choice.
	CipherComboSIVGCM CipherCombo = "SIV_GCM"

	// CipherComboSIVChaCha20 pairs AES-SIV names with ChaCha20-Poly1305
	// content, for hosts without AES hardware support.
	CipherComboSIVChaCha20 CipherCombo = "SIV_CHACHA20"
)

// Valid reports whether c names a supported cipher combo.
func (c CipherCombo) Valid() bool {
	return c == CipherComboSIVGCM || c == CipherComboSIVChaCha20
}

// CipherEngine provides AEAD encryption for file headers and content
// chunks. Both supported engines use 12-byte nonces and 16-byte tags, so
// the on-disk layout is identical across combos.
type CipherEngine interface {
	// Encrypt seals plaintext under nonce, authenticating ad.
	Encrypt(nonce, plaintext, ad []byte) ([]byte, error)

	// Decrypt opens ciphertext sealed under nonce and ad. It returns
	// ErrAuthFailed when the tag does not verify.
	Decrypt(nonce, ciphertext, ad []byte) ([]byte, error)

	// NonceSize returns the nonce size in bytes.
	NonceSize() int

	// Overhead returns the authentication tag size in bytes.
	Overhead() int
}

// aeadEngine adapts a stdlib cipher.AEAD to CipherEngine.
type aeadEngine struct {
	aead cipher.AEAD
}

func (e *aeadEngine) Encrypt(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, ad), nil
}

func (e *aeadEngine) Decrypt(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int { return e.aead.NonceSize() }
func (e *aeadEngine) Overhead() int  { return e.aead.Overhead() }

// NewAESGCMEngine creates an AES-256-GCM cipher engine.
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: AES-256 requires a 32-byte key, got %d", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &aeadEngine{aead: aead}, nil
}

// NewChaCha20Poly1305Engine creates a ChaCha20-Poly1305 cipher engine.
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: ChaCha20-Poly1305 requires a %d-byte key, got %d",
			ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}
	return &aeadEngine{aead: aead}, nil
}

// NewCipherEngine creates the content cipher engine for a cipher combo.
func NewCipherEngine(combo CipherCombo, key []byte) (CipherEngine, error) {
	switch combo {
	case CipherComboSIVGCM:
		return NewAESGCMEngine(key)
	case CipherComboSIVChaCha20:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, combo)
	}
}

// generateNonce fills a fresh random nonce for the engine.
func generateNonce(engine CipherEngine) ([]byte, error) {
	nonce := make([]byte, engine.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
