package vaultfs

import (
	"encoding/binary"
	"fmt"
)

// Content layout constants. Every encrypted file is a 68-byte header
// followed by independently sealed chunks at fixed offsets, so any chunk
// can be located without reading its predecessors.
const (
	// ChunkPayloadSize is the cleartext capacity of one content chunk.
	ChunkPayloadSize = 32 * 1024

	// chunkNonceSize and chunkTagSize are shared by both cipher combos.
	chunkNonceSize = 12
	chunkTagSize   = 16

	// EncryptedChunkSize is the on-disk size of a full chunk.
	EncryptedChunkSize = chunkNonceSize + ChunkPayloadSize + chunkTagSize

	// headerPayloadSize is the sealed header body: an 8-byte reserved
	// field of 0xFF followed by the 32-byte content key.
	headerPayloadSize = 8 + 32

	// HeaderSize is the on-disk size of the file header.
	HeaderSize = chunkNonceSize + headerPayloadSize + chunkTagSize
)

// FileHeader carries the per-file random content key and the header
// nonce that binds every chunk of the file to this header.
type FileHeader struct {
	nonce      []byte
	contentKey []byte
}

// Destroy zeroes the content key.
func (h *FileHeader) Destroy() {
	zeroize(h.contentKey)
}

// ContentCryptor seals and opens file headers and content chunks for one
// unlocked vault.
type ContentCryptor struct {
	combo     CipherCombo
	masterEnc CipherEngine // keyed by the master encryption key, headers only
}

// NewContentCryptor creates a content cryptor for the vault's cipher
// combo.
func NewContentCryptor(key *MasterKey, combo CipherCombo) (*ContentCryptor, error) {
	masterEnc, err := NewCipherEngine(combo, key.EncKey())
	if err != nil {
		return nil, err
	}
	return &ContentCryptor{combo: combo, masterEnc: masterEnc}, nil
}

// NewFileHeader generates a header with a fresh random content key.
func (c *ContentCryptor) NewFileHeader() (*FileHeader, error) {
	nonce, err := generateNonce(c.masterEnc)
	if err != nil {
		return nil, err
	}
	contentKey, err := randomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	return &FileHeader{nonce: nonce, contentKey: contentKey}, nil
}

// EncryptHeader seals the header under the master encryption key.
func (c *ContentCryptor) EncryptHeader(h *FileHeader) ([]byte, error) {
	payload := make([]byte, headerPayloadSize)
	for i := 0; i < 8; i++ {
		payload[i] = 0xFF
	}
	copy(payload[8:], h.contentKey)
	defer zeroize(payload)

	sealed, err := c.masterEnc.Encrypt(h.nonce, payload, nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, HeaderSize)
	out = append(out, h.nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptHeader opens a 68-byte header blob. Tampering with any part of
// it, including the nonce, fails authentication.
func (c *ContentCryptor) DecryptHeader(data []byte) (*FileHeader, error) {
	if len(data) != HeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes, want %d", ErrInvalidHeader, len(data), HeaderSize)
	}

	nonce := make([]byte, chunkNonceSize)
	copy(nonce, data[:chunkNonceSize])

	payload, err := c.masterEnc.Decrypt(nonce, data[chunkNonceSize:], nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 8; i++ {
		if payload[i] != 0xFF {
			zeroize(payload)
			return nil, fmt.Errorf("%w: reserved field mismatch", ErrInvalidHeader)
		}
	}

	contentKey := make([]byte, 32)
	copy(contentKey, payload[8:])
	zeroize(payload)

	return &FileHeader{nonce: nonce, contentKey: contentKey}, nil
}

// contentEngine returns the AEAD keyed by the file's content key.
func (c *ContentCryptor) contentEngine(h *FileHeader) (CipherEngine, error) {
	return NewCipherEngine(c.combo, h.contentKey)
}

// chunkAAD binds a chunk to its index and to its file's header.
func chunkAAD(chunkNumber int64, headerNonce []byte) []byte {
	aad := make([]byte, 8+len(headerNonce))
	binary.BigEndian.PutUint64(aad, uint64(chunkNumber))
	copy(aad[8:], headerNonce)
	return aad
}

// EncryptChunk seals one chunk of cleartext (at most ChunkPayloadSize
// bytes) at the given chunk index.
func (c *ContentCryptor) EncryptChunk(h *FileHeader, chunkNumber int64, cleartext []byte) ([]byte, error) {
	if len(cleartext) > ChunkPayloadSize {
		return nil, NewValidationError("chunk", fmt.Sprintf("cleartext chunk of %d bytes exceeds %d", len(cleartext), ChunkPayloadSize))
	}
	engine, err := c.contentEngine(h)
	if err != nil {
		return nil, err
	}
	nonce, err := generateNonce(engine)
	if err != nil {
		return nil, err
	}

	sealed, err := engine.Encrypt(nonce, cleartext, chunkAAD(chunkNumber, h.nonce))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptChunk opens one on-disk chunk at the given index. A chunk moved
// to a different index or a different file fails authentication.
func (c *ContentCryptor) DecryptChunk(h *FileHeader, chunkNumber int64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chunkNonceSize+chunkTagSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes is too short", ErrInvalidCiphertext, len(ciphertext))
	}
	if len(ciphertext) > EncryptedChunkSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes exceeds %d", ErrInvalidCiphertext, len(ciphertext), EncryptedChunkSize)
	}
	engine, err := c.contentEngine(h)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:chunkNonceSize]
	return engine.Decrypt(nonce, ciphertext[chunkNonceSize:], chunkAAD(chunkNumber, h.nonce))
}

// chunkOffset returns the physical offset of chunk i within an encrypted
// file.
func chunkOffset(i int64) int64 {
	return HeaderSize + i*EncryptedChunkSize
}

// CleartextSize converts an encrypted file size to its cleartext size.
// It returns an error for sizes no well-formed file can have.
func CleartextSize(encryptedSize int64) (int64, error) {
	if encryptedSize < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is smaller than a header", ErrInvalidHeader, encryptedSize)
	}
	body := encryptedSize - HeaderSize
	fullChunks := body / EncryptedChunkSize
	rest := body % EncryptedChunkSize
	if rest == 0 {
		return fullChunks * ChunkPayloadSize, nil
	}
	if rest < chunkNonceSize+chunkTagSize {
		return 0, fmt.Errorf("%w: trailing chunk of %d bytes is too short", ErrInvalidCiphertext, rest)
	}
	return fullChunks*ChunkPayloadSize + rest - chunkNonceSize - chunkTagSize, nil
}

// EncryptedSize converts a cleartext file size to its on-disk size.
func EncryptedSize(cleartextSize int64) int64 {
	fullChunks := cleartextSize / ChunkPayloadSize
	rest := cleartextSize % ChunkPayloadSize
	size := int64(HeaderSize) + fullChunks*EncryptedChunkSize
	if rest > 0 {
		size += chunkNonceSize + rest + chunkTagSize
	}
	return size
}
