package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// sivCipher implements AES-SIV (RFC 5297) deterministic authenticated
// encryption. The same plaintext under the same key and associated data
// always yields the same ciphertext, which is what makes encrypted names
// stable across lookups, and the synthetic IV doubles as the
// authentication tag.
//
// The 64-byte key splits into two halves: the first keys S2V (CMAC), the
// second keys CTR.
type sivCipher struct {
	macBlock cipher.Block // S2V / CMAC
	ctrBlock cipher.Block // CTR keystream
	subK1    [16]byte     // CMAC subkey for complete final blocks
	subK2    [16]byte     // CMAC subkey for padded final blocks
}

// newSIVCipher creates an AES-SIV cipher from a 64-byte key.
func newSIVCipher(key []byte) (*sivCipher, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: AES-SIV requires a 64-byte key, got %d", ErrInvalidKey, len(key))
	}

	macBlock, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create S2V cipher: %w", err)
	}
	ctrBlock, err := aes.NewCipher(key[32:])
	if err != nil {
		return nil, fmt.Errorf("failed to create CTR cipher: %w", err)
	}

	s := &sivCipher{macBlock: macBlock, ctrBlock: ctrBlock}

	// CMAC subkeys (NIST SP 800-38B section 6.1).
	var l [16]byte
	macBlock.Encrypt(l[:], l[:])
	s.subK1 = dbl(l)
	s.subK2 = dbl(s.subK1)

	return s, nil
}

// Seal encrypts plaintext deterministically. The associated data items are
// authenticated in order; Open must present the same items to succeed.
// Output layout is 16-byte SIV followed by the CTR ciphertext.
func (s *sivCipher) Seal(plaintext []byte, ad ...[]byte) []byte {
	siv := s.s2v(plaintext, ad)

	out := make([]byte, 16+len(plaintext))
	copy(out[:16], siv[:])
	s.ctr(siv, plaintext, out[16:])
	return out
}

// Open decrypts and authenticates ciphertext produced by Seal. It returns
// ErrAuthFailed if the data was tampered with or the associated data does
// not match.
func (s *sivCipher) Open(ciphertext []byte, ad ...[]byte) ([]byte, error) {
	if len(ciphertext) < 16 {
		return nil, fmt.Errorf("%w: shorter than SIV tag", ErrInvalidCiphertext)
	}

	var siv [16]byte
	copy(siv[:], ciphertext[:16])

	plaintext := make([]byte, len(ciphertext)-16)
	s.ctr(siv, ciphertext[16:], plaintext)

	expected := s.s2v(plaintext, ad)
	if subtle.ConstantTimeCompare(siv[:], expected[:]) != 1 {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Overhead returns the per-message expansion in bytes.
func (s *sivCipher) Overhead() int { return 16 }

// s2v computes the synthetic IV over the associated data vector and the
// plaintext (RFC 5297 section 2.4).
func (s *sivCipher) s2v(plaintext []byte, ad [][]byte) [16]byte {
	var zero [16]byte
	d := s.cmac(zero[:])

	for _, a := range ad {
		m := s.cmac(a)
		d = dbl(d)
		xorInto(d[:], m[:])
	}

	if len(plaintext) >= 16 {
		// xorend: XOR D onto the final 16 bytes of the plaintext.
		t := make([]byte, len(plaintext))
		copy(t, plaintext)
		xorInto(t[len(t)-16:], d[:])
		return s.cmac(t)
	}

	d = dbl(d)
	p := padBlock(plaintext)
	xorInto(d[:], p[:])
	return s.cmac(d[:])
}

// cmac computes AES-CMAC over data (NIST SP 800-38B).
func (s *sivCipher) cmac(data []byte) [16]byte {
	var mac [16]byte

	n := len(data) / 16
	rem := len(data) % 16

	var last [16]byte
	if rem == 0 && n > 0 {
		n--
		copy(last[:], data[n*16:])
		xorInto(last[:], s.subK1[:])
	} else {
		last = padBlock(data[n*16:])
		xorInto(last[:], s.subK2[:])
	}

	for i := 0; i < n; i++ {
		xorInto(mac[:], data[i*16:(i+1)*16])
		s.macBlock.Encrypt(mac[:], mac[:])
	}
	xorInto(mac[:], last[:])
	s.macBlock.Encrypt(mac[:], mac[:])

	return mac
}

// ctr runs the AES-CTR keystream over src into dst, using the SIV with
// the two reserved bits cleared as the initial counter (RFC 5297
// section 2.5).
func (s *sivCipher) ctr(siv [16]byte, src, dst []byte) {
	ctr := siv
	ctr[8] &= 0x7f
	ctr[12] &= 0x7f

	cipher.NewCTR(s.ctrBlock, ctr[:]).XORKeyStream(dst, src)
}

// dbl doubles a block in GF(2^128) with the CMAC reduction polynomial.
func dbl(in [16]byte) [16]byte {
	var out [16]byte

	hi := binary.BigEndian.Uint64(in[:8])
	lo := binary.BigEndian.Uint64(in[8:])

	binary.BigEndian.PutUint64(out[:8], hi<<1|lo>>63)
	binary.BigEndian.PutUint64(out[8:], lo<<1)

	if hi>>63 != 0 {
		out[15] ^= 0x87
	}
	return out
}

// padBlock pads data (< 16 bytes) with 0x80 then zeros to a full block.
func padBlock(data []byte) [16]byte {
	var out [16]byte
	copy(out[:], data)
	out[len(data)] = 0x80
	return out
}

// xorInto XORs b into a in place; a and b must be the same length.
func xorInto(a, b []byte) {
	for i := range a {
		a[i] ^= b[i]
	}
}
