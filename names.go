package vaultfs

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
)

// encryptedNameSuffix terminates every encrypted child entry in a vault
// directory, whether it is a file, a directory, or a symlink.
const encryptedNameSuffix = ".c9r"

// dataDirName is the fixed subdirectory holding all encrypted content.
const dataDirName = "d"

// rootDirID is the well-known directory ID of the vault root. Being
// fixed (and empty) means the root's physical location is derivable from
// the master key alone.
const rootDirID = ""

// NameCryptor encrypts and decrypts file names and derives the physical
// storage location of directories. All operations are deterministic:
// the same cleartext name under the same parent always maps to the same
// ciphertext, so lookups need no per-directory state.
type NameCryptor struct {
	siv                 *sivCipher
	shorteningThreshold int
}

// NewNameCryptor creates a name cryptor from the unlocked master key.
func NewNameCryptor(key *MasterKey, shorteningThreshold int) (*NameCryptor, error) {
	sivKey := key.sivKey()
	defer zeroize(sivKey)

	siv, err := newSIVCipher(sivKey)
	if err != nil {
		return nil, err
	}
	return &NameCryptor{siv: siv, shorteningThreshold: shorteningThreshold}, nil
}

// EncryptName encrypts a cleartext name for storage under the directory
// identified by dirID. The parent ID is bound in as associated data, so
// the same name encrypts differently in every directory and a ciphertext
// moved between directories fails to decrypt.
func (n *NameCryptor) EncryptName(name, dirID string) (string, error) {
	if name == "" {
		return "", NewValidationError("name", "must not be empty")
	}
	if name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", NewValidationError("name", fmt.Sprintf("invalid name %q", name))
	}

	sealed := n.siv.Seal([]byte(name), []byte(dirID))
	encrypted := base64.RawURLEncoding.EncodeToString(sealed) + encryptedNameSuffix
	if len(encrypted) > n.shorteningThreshold {
		return "", fmt.Errorf("%w: %q encrypts to %d bytes, threshold %d",
			ErrNameTooLong, name, len(encrypted), n.shorteningThreshold)
	}
	return encrypted, nil
}

// DecryptName decrypts an encrypted child entry name found under the
// directory identified by dirID. It returns ErrAuthFailed when the
// ciphertext was not produced under this parent.
func (n *NameCryptor) DecryptName(encrypted, dirID string) (string, error) {
	base, ok := strings.CutSuffix(encrypted, encryptedNameSuffix)
	if !ok {
		return "", NewValidationError("name", fmt.Sprintf("missing %s suffix: %q", encryptedNameSuffix, encrypted))
	}

	sealed, err := base64.RawURLEncoding.DecodeString(base)
	if err != nil {
		return "", NewValidationError("name", fmt.Sprintf("invalid base64 in %q", encrypted))
	}

	name, err := n.siv.Open(sealed, []byte(dirID))
	if err != nil {
		return "", err
	}
	return string(name), nil
}

// HashDirID derives the physical storage path of a directory from its
// ID: encrypt the ID deterministically, hash it, and shard the Base32
// digest two characters deep. Relative to the vault root this yields
// "d/XX/YYYYYYYYYYYYYYYYYYYYYYYYYYYYYY".
func (n *NameCryptor) HashDirID(dirID string) string {
	sealed := n.siv.Seal([]byte(dirID))
	digest := sha1.Sum(sealed)
	encoded := base32.StdEncoding.EncodeToString(digest[:])
	return path.Join(dataDirName, encoded[:2], encoded[2:])
}

// encryptDirID seals a directory ID for the dirid backup file stored
// inside the directory's physical location.
func (n *NameCryptor) encryptDirID(dirID string) []byte {
	return n.siv.Seal([]byte(dirID))
}

// decryptDirID opens a dirid backup blob.
func (n *NameCryptor) decryptDirID(sealed []byte) (string, error) {
	dirID, err := n.siv.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(dirID), nil
}
