package vaultfs

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func newTestStore(t *testing.T) absfs.FileSystem {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	return fs
}

func testCreateOptions() *CreateOptions {
	return &CreateOptions{ScryptCostParam: testScryptCost}
}

// newTestVault creates and unlocks a vault on a fresh in-memory store.
func newTestVault(t *testing.T) (*Vault, absfs.FileSystem) {
	t.Helper()
	fs := newTestStore(t)
	if err := CreateVault(fs, "/vault", []byte("test passphrase"), testCreateOptions()); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	vault, err := Unlock(fs, "/vault", []byte("test passphrase"))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	t.Cleanup(func() { vault.Close() })
	return vault, fs
}

func TestVault_CreateAndUnlock(t *testing.T) {
	vault, _ := newTestVault(t)

	cfg := vault.Config()
	if cfg.Format != VaultFormat {
		t.Errorf("format = %d, want %d", cfg.Format, VaultFormat)
	}
	if cfg.CipherCombo != CipherComboSIVGCM {
		t.Errorf("cipher combo = %q, want %q", cfg.CipherCombo, CipherComboSIVGCM)
	}
	if cfg.ID == "" {
		t.Error("vault ID should be set")
	}

	entries, err := vault.ListDir("/")
	if err != nil {
		t.Fatalf("ListDir on fresh vault failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("fresh vault root has %d entries, want 0", len(entries))
	}
}

func TestVault_WrongPassphrase(t *testing.T) {
	fs := newTestStore(t)
	if err := CreateVault(fs, "/vault", []byte("right"), testCreateOptions()); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}

	_, err := Unlock(fs, "/vault", []byte("wrong"))
	if !IsAuthenticationError(err) {
		t.Errorf("Unlock with wrong passphrase: got %v, want authentication error", err)
	}
}

func TestVault_CreateTwice(t *testing.T) {
	fs := newTestStore(t)
	if err := CreateVault(fs, "/vault", []byte("pw"), testCreateOptions()); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	if err := CreateVault(fs, "/vault", []byte("pw"), testCreateOptions()); !IsAlreadyExists(err) {
		t.Errorf("second CreateVault: got %v, want already-exists error", err)
	}
}

func TestVault_UnlockMissing(t *testing.T) {
	fs := newTestStore(t)
	if _, err := Unlock(fs, "/nowhere", []byte("pw")); !IsNotFound(err) {
		t.Errorf("Unlock of missing vault: got %v, want not-found error", err)
	}
}

// End to end: create a vault, write 100 KB through one session, close
// it, unlock a fresh session, and read the content back intact.
func TestVault_EndToEnd(t *testing.T) {
	fs := newTestStore(t)
	if err := CreateVault(fs, "/vault", []byte("pw"), testCreateOptions()); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}

	content := make([]byte, 100*1024)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("Failed to generate content: %v", err)
	}

	vault, err := Unlock(fs, "/vault", []byte("pw"))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := vault.Mkdir("/docs"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := vault.WriteFile("/docs/big.bin", content); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := vault.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	vault2, err := Unlock(fs, "/vault", []byte("pw"))
	if err != nil {
		t.Fatalf("second Unlock failed: %v", err)
	}
	defer vault2.Close()

	got, err := vault2.ReadFile("/docs/big.bin")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content did not survive relock")
	}

	attr, err := vault2.GetAttr("/docs/big.bin")
	if err != nil {
		t.Fatalf("GetAttr failed: %v", err)
	}
	if attr.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", attr.Size, len(content))
	}
}

func TestVault_NoCleartextOnDisk(t *testing.T) {
	vault, fs := newTestVault(t)

	if err := vault.WriteFile("/secret-name.txt", []byte("very secret content")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Walk every physical file; neither the name nor the content may
	// appear anywhere.
	var walk func(dir string)
	var leaked bool
	walk = func(dir string) {
		names, err := readDirNames(fs, dir)
		if err != nil {
			return
		}
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			p := dir + "/" + name
			if strings.Contains(name, "secret-name") {
				t.Errorf("cleartext name leaked at %s", p)
			}
			if info, err := fs.Stat(p); err == nil && info.IsDir() {
				walk(p)
				continue
			}
			if data, err := readPhysicalFile(fs, p); err == nil {
				if bytes.Contains(data, []byte("very secret content")) {
					leaked = true
				}
			}
		}
	}
	walk("/vault")
	if leaked {
		t.Error("cleartext content leaked to physical storage")
	}
}

func TestVault_ClosedSession(t *testing.T) {
	vault, _ := newTestVault(t)
	if err := vault.WriteFile("/a.txt", []byte("x")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	vault.Close()

	if _, err := vault.ReadFile("/a.txt"); err != ErrVaultLocked {
		t.Errorf("ReadFile after Close: got %v, want ErrVaultLocked", err)
	}
	if err := vault.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestVault_TamperedConfig(t *testing.T) {
	fs := newTestStore(t)
	if err := CreateVault(fs, "/vault", []byte("pw"), testCreateOptions()); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}

	token, err := readPhysicalFile(fs, "/vault/"+VaultConfigFileName)
	if err != nil {
		t.Fatalf("read config failed: %v", err)
	}
	// Flip a byte in the signature part of the compact JWS.
	tampered := make([]byte, len(token))
	copy(tampered, token)
	if tampered[len(tampered)-2] == 'A' {
		tampered[len(tampered)-2] = 'B'
	} else {
		tampered[len(tampered)-2] = 'A'
	}
	if err := writePhysicalFile(fs, "/vault/"+VaultConfigFileName, tampered); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	if _, err := Unlock(fs, "/vault", []byte("pw")); !IsAuthenticationError(err) {
		t.Errorf("Unlock with tampered config: got %v, want authentication error", err)
	}
}

func TestVault_ChangePassphrase(t *testing.T) {
	fs := newTestStore(t)
	if err := CreateVault(fs, "/vault", []byte("old"), testCreateOptions()); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}

	vault, err := Unlock(fs, "/vault", []byte("old"))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := vault.WriteFile("/keep.txt", []byte("survives rekey")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	vault.Close()

	if err := ChangePassphrase(fs, "/vault", []byte("old"), []byte("new")); err != nil {
		t.Fatalf("ChangePassphrase failed: %v", err)
	}

	if _, err := Unlock(fs, "/vault", []byte("old")); !IsAuthenticationError(err) {
		t.Errorf("Unlock with old passphrase after change: got %v, want authentication error", err)
	}

	vault2, err := Unlock(fs, "/vault", []byte("new"))
	if err != nil {
		t.Fatalf("Unlock with new passphrase failed: %v", err)
	}
	defer vault2.Close()

	got, err := vault2.ReadFile("/keep.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != "survives rekey" {
		t.Errorf("content = %q, want %q", got, "survives rekey")
	}
}

func TestVault_ChaCha20Combo(t *testing.T) {
	fs := newTestStore(t)
	opts := testCreateOptions()
	opts.CipherCombo = CipherComboSIVChaCha20
	if err := CreateVault(fs, "/vault", []byte("pw"), opts); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}

	vault, err := Unlock(fs, "/vault", []byte("pw"))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	defer vault.Close()

	if vault.Config().CipherCombo != CipherComboSIVChaCha20 {
		t.Fatalf("cipher combo = %q", vault.Config().CipherCombo)
	}
	if err := vault.WriteFile("/c.txt", []byte("chacha content")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := vault.ReadFile("/c.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != "chacha content" {
		t.Errorf("content = %q", got)
	}
}
