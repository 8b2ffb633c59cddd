package vaultfs

import (
	"fmt"
	"os"
	"path"

	"github.com/absfs/absfs"
)

// CreateOptions tunes vault creation. The zero value (or nil) selects
// the defaults recorded in the constants of this package.
type CreateOptions struct {
	// CipherCombo selects the content AEAD. Default: CipherComboSIVGCM.
	CipherCombo CipherCombo

	// ShorteningThreshold is the maximum encrypted name length.
	// Default: DefaultShorteningThreshold.
	ShorteningThreshold int

	// ScryptCostParam and ScryptBlockSize tune the passphrase KDF.
	// Defaults: DefaultScryptCostParam, DefaultScryptBlockSize.
	ScryptCostParam int
	ScryptBlockSize int
}

func (o *CreateOptions) withDefaults() CreateOptions {
	opts := CreateOptions{}
	if o != nil {
		opts = *o
	}
	if opts.CipherCombo == "" {
		opts.CipherCombo = CipherComboSIVGCM
	}
	if opts.ShorteningThreshold == 0 {
		opts.ShorteningThreshold = DefaultShorteningThreshold
	}
	if opts.ScryptCostParam == 0 {
		opts.ScryptCostParam = DefaultScryptCostParam
	}
	if opts.ScryptBlockSize == 0 {
		opts.ScryptBlockSize = DefaultScryptBlockSize
	}
	return opts
}

// CreateVault initializes a new vault at root on fs: a masterkey file
// wrapped under the passphrase, a signed configuration, and the root
// directory's physical storage. It fails with ErrAlreadyExists if a
// vault is already present.
func CreateVault(fs absfs.FileSystem, root string, passphrase []byte, options *CreateOptions) error {
	if len(passphrase) == 0 {
		return NewValidationError("passphrase", "must not be empty")
	}
	opts := options.withDefaults()

	keyFilePath := path.Join(root, MasterKeyFileName)
	if _, err := fs.Stat(keyFilePath); err == nil {
		return fmt.Errorf("%w: vault already exists at %s", ErrAlreadyExists, root)
	}
	if err := fs.MkdirAll(root, 0755); err != nil {
		return NewIOError("mkdir", root, err)
	}

	key, err := NewMasterKey()
	if err != nil {
		return err
	}
	defer key.Destroy()

	keyFile, err := EncryptMasterKey(key, passphrase, opts.ScryptCostParam, opts.ScryptBlockSize)
	if err != nil {
		return err
	}
	keyFileData, err := keyFile.Marshal()
	if err != nil {
		return err
	}
	if err := writePhysicalFile(fs, keyFilePath, keyFileData); err != nil {
		return NewIOError("write", keyFilePath, err)
	}

	config, err := NewVaultConfig(opts.CipherCombo, opts.ShorteningThreshold)
	if err != nil {
		return err
	}
	token, err := config.Sign(key)
	if err != nil {
		return err
	}
	configPath := path.Join(root, VaultConfigFileName)
	if err := writePhysicalFile(fs, configPath, []byte(token)); err != nil {
		return NewIOError("write", configPath, err)
	}

	// Root directory storage with its encrypted ID backup.
	names, err := NewNameCryptor(key, opts.ShorteningThreshold)
	if err != nil {
		return err
	}
	rootStorage := path.Join(root, names.HashDirID(rootDirID))
	if err := fs.MkdirAll(rootStorage, 0755); err != nil {
		return NewIOError("mkdir", rootStorage, err)
	}
	backupPath := path.Join(rootStorage, dirIDBackupName)
	if err := writePhysicalFile(fs, backupPath, names.encryptDirID(rootDirID)); err != nil {
		return NewIOError("write", backupPath, err)
	}
	return nil
}

// ChangePassphrase rewraps the master keys of the vault at root under a
// new passphrase. Content is untouched; only the masterkey file changes.
func ChangePassphrase(fs absfs.FileSystem, root string, oldPassphrase, newPassphrase []byte) error {
	if len(newPassphrase) == 0 {
		return NewValidationError("passphrase", "must not be empty")
	}

	keyFilePath := path.Join(root, MasterKeyFileName)
	data, err := readPhysicalFile(fs, keyFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no vault at %s", ErrNotFound, root)
		}
		return NewIOError("read", keyFilePath, err)
	}
	keyFile, err := ParseMasterKeyFile(data)
	if err != nil {
		return err
	}
	key, err := keyFile.DecryptMasterKey(oldPassphrase)
	if err != nil {
		return err
	}
	defer key.Destroy()

	rewrapped, err := EncryptMasterKey(key, newPassphrase, keyFile.ScryptCostParam, keyFile.ScryptBlockSize)
	if err != nil {
		return err
	}
	newData, err := rewrapped.Marshal()
	if err != nil {
		return err
	}
	if err := writePhysicalFile(fs, keyFilePath, newData); err != nil {
		return NewIOError("write", keyFilePath, err)
	}
	return nil
}
