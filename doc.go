// Package vaultfs implements an encrypted vault filesystem engine over the
// AbsFs filesystem abstraction: a directory tree whose file contents and
// file names are individually encrypted on disk, presented through a
// POSIX-shaped operation surface suitable for mounting.
//
// # Overview
//
// A vault is an ordinary directory on any absfs.FileSystem. It holds a
// masterkey file (scrypt parameters plus two wrapped 256-bit keys), a
// signed configuration object, and an encrypted tree under the fixed "d/"
// subpath. Unlocking a vault derives a key-encryption key from the
// passphrase, unwraps the master keys, and verifies the configuration
// signature; the derived keys live only in process memory and are zeroed
// when the session closes.
//
// # On-Disk Format
//
// File content is encrypted in independent 32 KiB chunks. Each file starts
// with a 68-byte header (12-byte nonce, encrypted random content key,
// 16-byte tag); each chunk carries its own nonce and tag and is bound via
// associated data to its chunk index and to the file header, so chunks
// cannot be reordered or spliced across files undetected.
//
// File and directory names are encrypted with AES-SIV, a deterministic
// authenticated mode, using the parent directory's unique ID as associated
// data. Identical names in different directories therefore produce
// unrelated ciphertext, and a ciphertext only decrypts under its true
// parent. Each directory's physical storage location is derived from a
// hash of its ID, so renaming a directory touches a single name entry and
// never relocates or re-encrypts its descendants.
//
// # Basic Usage
//
//	base := osfs.New()
//
//	// Create a vault and unlock a session
//	err := vaultfs.CreateVault(base, "/vaults/demo", []byte("correct horse"), nil)
//	vault, err := vaultfs.Unlock(base, "/vaults/demo", []byte("correct horse"))
//	defer vault.Close()
//
//	// Logical operations on cleartext paths
//	err = vault.WriteFile("/notes/todo.txt", []byte("ship it"))
//	data, err := vault.ReadFile("/notes/todo.txt")
//
//	// Or serve a mount transport through the adapter surface
//	fs := vaultfs.NewFS(vault, nil)
//	entry, err := fs.Lookup(vaultfs.RootInode, "notes")
//
// # Security Considerations
//
// Protected against:
//   - Offline access to file contents and names at rest
//   - Tampering with content, names, or vault configuration (AEAD everywhere)
//   - Chunk reordering and cross-file or cross-directory ciphertext splicing
//   - Offline password brute force (memory-hard scrypt KDF)
//
// Not protected against:
//   - Memory disclosure while a session is unlocked
//   - Metadata leakage: file sizes, tree shape, access timestamps
//   - A compromised host observing the mounted cleartext view
//
// A wrong passphrase is not directly detectable; it surfaces as an
// authentication failure on the first decrypt attempt (the key unwrap),
// indistinguishable from a corrupted vault.
package vaultfs
