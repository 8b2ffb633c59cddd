package vaultfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/absfs/absfs"
)

// Well-known file names inside a vault directory.
const (
	MasterKeyFileName   = "masterkey.cryptomator"
	VaultConfigFileName = "vault.cryptomator"

	dirIDFileName   = "dir.c9r"
	dirIDBackupName = "dirid.c9r"
	symlinkFileName = "symlink.c9r"
)

// Vault is an unlocked vault session. It holds the decrypted master key
// and the cryptors derived from it; Close zeroes the key material and
// invalidates the session.
//
// All methods are safe for concurrent use.
type Vault struct {
	fs     absfs.FileSystem
	root   string // vault directory on fs
	config *VaultConfig

	key     *MasterKey
	names   *NameCryptor
	content *ContentCryptor

	mu     sync.RWMutex
	closed bool
}

// Unlock opens the vault at root on fs with the given passphrase. The
// returned session must be closed when no longer needed. A wrong
// passphrase returns an AuthenticationError.
func Unlock(fs absfs.FileSystem, root string, passphrase []byte) (*Vault, error) {
	keyFileData, err := readPhysicalFile(fs, path.Join(root, MasterKeyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no vault at %s", ErrNotFound, root)
		}
		return nil, NewIOError("read", path.Join(root, MasterKeyFileName), err)
	}

	keyFile, err := ParseMasterKeyFile(keyFileData)
	if err != nil {
		return nil, err
	}
	key, err := keyFile.DecryptMasterKey(passphrase)
	if err != nil {
		return nil, err
	}

	configData, err := readPhysicalFile(fs, path.Join(root, VaultConfigFileName))
	if err != nil {
		key.Destroy()
		return nil, NewIOError("read", path.Join(root, VaultConfigFileName), err)
	}
	config, err := VerifyVaultConfig(string(configData), key)
	if err != nil {
		key.Destroy()
		return nil, err
	}

	v, err := newVault(fs, root, key, config)
	if err != nil {
		key.Destroy()
		return nil, err
	}

	// The root directory storage must exist for any operation to work.
	if _, err := fs.Stat(path.Join(root, v.names.HashDirID(rootDirID))); err != nil {
		v.Close()
		return nil, fmt.Errorf("%w: vault root storage missing", ErrNotFound)
	}
	return v, nil
}

func newVault(fs absfs.FileSystem, root string, key *MasterKey, config *VaultConfig) (*Vault, error) {
	names, err := NewNameCryptor(key, config.ShorteningThreshold)
	if err != nil {
		return nil, err
	}
	content, err := NewContentCryptor(key, config.CipherCombo)
	if err != nil {
		return nil, err
	}
	return &Vault{
		fs:      fs,
		root:    root,
		config:  config,
		key:     key,
		names:   names,
		content: content,
	}, nil
}

// Config returns the vault's verified configuration.
func (v *Vault) Config() *VaultConfig { return v.config }

// Close destroys the session's key material. It is idempotent; all
// operations on a closed session return ErrVaultLocked.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.key.Destroy()
	return nil
}

// checkOpen returns ErrVaultLocked after Close.
func (v *Vault) checkOpen() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ErrVaultLocked
	}
	return nil
}

// dirPath returns the physical storage directory for a directory ID,
// absolute on the backing filesystem.
func (v *Vault) dirPath(dirID string) string {
	return path.Join(v.root, v.names.HashDirID(dirID))
}

// Physical I/O helpers. All storage access funnels through these so
// errors carry the operation and encrypted path uniformly.

func readPhysicalFile(fs absfs.FileSystem, name string) ([]byte, error) {
	f, err := fs.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writePhysicalFile(fs absfs.FileSystem, name string, data []byte) error {
	f, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readDirNames lists the entry names of a physical directory.
func readDirNames(fs absfs.FileSystem, name string) ([]string, error) {
	f, err := fs.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}
