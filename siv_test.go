package vaultfs

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestSIV(t *testing.T) *sivCipher {
	t.Helper()
	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	siv, err := newSIVCipher(key)
	if err != nil {
		t.Fatalf("Failed to create SIV cipher: %v", err)
	}
	return siv
}

func TestSIV_SealOpen(t *testing.T) {
	siv := newTestSIV(t)

	tests := []struct {
		name      string
		plaintext []byte
		ad        [][]byte
	}{
		{
			name:      "simple text",
			plaintext: []byte("Hello, World!"),
			ad:        nil,
		},
		{
			name:      "empty plaintext",
			plaintext: []byte(""),
			ad:        nil,
		},
		{
			name:      "with one AD",
			plaintext: []byte("secret name"),
			ad:        [][]byte{[]byte("parent-dir-id")},
		},
		{
			name:      "with two AD",
			plaintext: []byte("secret name"),
			ad:        [][]byte{[]byte("context1"), []byte("context2")},
		},
		{
			name:      "exactly one block",
			plaintext: bytes.Repeat([]byte("B"), 16),
			ad:        nil,
		},
		{
			name:      "long plaintext",
			plaintext: bytes.Repeat([]byte("A"), 1000),
			ad:        nil,
		},
		{
			name:      "single byte",
			plaintext: []byte("x"),
			ad:        nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed := siv.Seal(tt.plaintext, tt.ad...)

			if len(sealed) != len(tt.plaintext)+siv.Overhead() {
				t.Errorf("Sealed length = %d, want %d", len(sealed), len(tt.plaintext)+siv.Overhead())
			}

			opened, err := siv.Open(sealed, tt.ad...)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, tt.plaintext) {
				t.Errorf("Opened plaintext doesn't match:\ngot:  %q\nwant: %q", opened, tt.plaintext)
			}
		})
	}
}

func TestSIV_Deterministic(t *testing.T) {
	siv := newTestSIV(t)

	plaintext := []byte("deterministic test")
	ad := []byte("some directory id")

	first := siv.Seal(plaintext, ad)
	second := siv.Seal(plaintext, ad)

	if !bytes.Equal(first, second) {
		t.Errorf("SIV is not deterministic:\nfirst:  %x\nsecond: %x", first, second)
	}
}

func TestSIV_ADMismatch(t *testing.T) {
	siv := newTestSIV(t)

	plaintext := []byte("test message")
	sealed := siv.Seal(plaintext, []byte("context1"))

	if _, err := siv.Open(sealed, []byte("context2")); err != ErrAuthFailed {
		t.Errorf("Open with wrong AD: got %v, want ErrAuthFailed", err)
	}
	if _, err := siv.Open(sealed); err != ErrAuthFailed {
		t.Errorf("Open with missing AD: got %v, want ErrAuthFailed", err)
	}

	opened, err := siv.Open(sealed, []byte("context1"))
	if err != nil {
		t.Fatalf("Open with correct AD failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Opened plaintext doesn't match")
	}
}

func TestSIV_Tampering(t *testing.T) {
	siv := newTestSIV(t)

	sealed := siv.Seal([]byte("important message"))

	for _, pos := range []int{0, 8, 15, 16, len(sealed) - 1} {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[pos] ^= 0x01

		if _, err := siv.Open(tampered); err != ErrAuthFailed {
			t.Errorf("Open of ciphertext tampered at byte %d: got %v, want ErrAuthFailed", pos, err)
		}
	}
}

func TestSIV_KeySeparation(t *testing.T) {
	siv1 := newTestSIV(t)
	siv2 := newTestSIV(t)

	sealed := siv1.Seal([]byte("keyed to the first cipher"))
	if _, err := siv2.Open(sealed); err != ErrAuthFailed {
		t.Errorf("Open under a different key: got %v, want ErrAuthFailed", err)
	}
}

func TestSIV_InvalidKey(t *testing.T) {
	tests := []struct {
		name    string
		keySize int
	}{
		{"too short", 32},
		{"too long", 96},
		{"empty", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newSIVCipher(make([]byte, tt.keySize)); err == nil {
				t.Error("newSIVCipher should have failed with invalid key size")
			}
		})
	}
}

func TestSIV_ShortCiphertext(t *testing.T) {
	siv := newTestSIV(t)

	if _, err := siv.Open([]byte("short")); err == nil {
		t.Error("Open should have failed with ciphertext shorter than the tag")
	}
}

func BenchmarkSIV_Seal(b *testing.B) {
	key := make([]byte, 64)
	rand.Read(key)
	siv, _ := newSIVCipher(key)

	plaintext := make([]byte, 256)
	rand.Read(plaintext)

	b.ResetTimer()
	b.SetBytes(int64(len(plaintext)))
	for i := 0; i < b.N; i++ {
		siv.Seal(plaintext, []byte("dir-id"))
	}
}

func BenchmarkSIV_Open(b *testing.B) {
	key := make([]byte, 64)
	rand.Read(key)
	siv, _ := newSIVCipher(key)

	plaintext := make([]byte, 256)
	rand.Read(plaintext)
	sealed := siv.Seal(plaintext, []byte("dir-id"))

	b.ResetTimer()
	b.SetBytes(int64(len(plaintext)))
	for i := 0; i < b.N; i++ {
		siv.Open(sealed, []byte("dir-id"))
	}
}
