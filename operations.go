package vaultfs

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntryType classifies a directory entry.
type EntryType int

const (
	EntryTypeFile EntryType = iota
	EntryTypeDir
	EntryTypeSymlink
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeFile:
		return "file"
	case EntryTypeDir:
		return "dir"
	case EntryTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// DirEntry is one decrypted entry of a directory listing.
type DirEntry struct {
	Name string
	Type EntryType
}

// Attr describes a vault entry. Size is the cleartext size for files and
// symlink targets; zero for directories.
type Attr struct {
	Type    EntryType
	Size    int64
	ModTime time.Time
}

// resolved is the outcome of resolving a cleartext path: where the entry
// lives physically and, for directories, which ID its children hang off.
type resolved struct {
	name        string // final cleartext segment, "" for the root
	parentDirID string // dirID owning the entry, "" for the root itself
	entryPath   string // physical path of the .c9r entry, "" for the root
	entryType   EntryType
	dirID       string // set when entryType is EntryTypeDir
}

// splitPath normalizes a cleartext path into its segments. The empty
// path and "/" both mean the vault root.
func splitPath(p string) ([]string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil, nil
	}
	segs := strings.Split(clean[1:], "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return nil, NewValidationError("path", fmt.Sprintf("invalid path %q", p))
		}
	}
	return segs, nil
}

// childKind inspects the physical shape of a child entry: a regular
// .c9r file is a file, a .c9r directory is a directory or symlink
// depending on which marker file it contains.
func (v *Vault) childKind(entryPath string) (EntryType, error) {
	info, err := v.fs.Stat(entryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, NewIOError("stat", entryPath, err)
	}
	if !info.IsDir() {
		return EntryTypeFile, nil
	}
	if _, err := v.fs.Stat(path.Join(entryPath, dirIDFileName)); err == nil {
		return EntryTypeDir, nil
	}
	if _, err := v.fs.Stat(path.Join(entryPath, symlinkFileName)); err == nil {
		return EntryTypeSymlink, nil
	}
	return 0, fmt.Errorf("%w: entry %s has no recognizable marker", ErrInvalidState, entryPath)
}

// childDirID reads the directory ID stored in a directory entry.
func (v *Vault) childDirID(entryPath string) (string, error) {
	data, err := readPhysicalFile(v.fs, path.Join(entryPath, dirIDFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", NewIOError("read", path.Join(entryPath, dirIDFileName), err)
	}
	return string(data), nil
}

// resolve walks a cleartext path from the vault root.
func (v *Vault) resolve(cleartextPath string) (*resolved, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	segs, err := splitPath(cleartextPath)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return &resolved{entryType: EntryTypeDir, dirID: rootDirID}, nil
	}

	dirID := rootDirID
	for i, seg := range segs {
		encName, err := v.names.EncryptName(seg, dirID)
		if err != nil {
			return nil, err
		}
		entryPath := path.Join(v.dirPath(dirID), encName)
		kind, err := v.childKind(entryPath)
		if err != nil {
			if IsNotFound(err) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path.Join(segs[:i+1]...))
			}
			return nil, err
		}

		last := i == len(segs)-1
		if !last {
			if kind != EntryTypeDir {
				return nil, fmt.Errorf("%w: %s", ErrNotADirectory, path.Join(segs[:i+1]...))
			}
			dirID, err = v.childDirID(entryPath)
			if err != nil {
				return nil, err
			}
			continue
		}

		r := &resolved{
			name:        seg,
			parentDirID: dirID,
			entryPath:   entryPath,
			entryType:   kind,
		}
		if kind == EntryTypeDir {
			r.dirID, err = v.childDirID(entryPath)
			if err != nil {
				return nil, err
			}
		}
		return r, nil
	}
	panic("unreachable")
}

// resolveDir resolves a cleartext path that must be a directory and
// returns its directory ID.
func (v *Vault) resolveDir(cleartextPath string) (string, error) {
	r, err := v.resolve(cleartextPath)
	if err != nil {
		return "", err
	}
	if r.entryType != EntryTypeDir {
		return "", fmt.Errorf("%w: %s", ErrNotADirectory, cleartextPath)
	}
	return r.dirID, nil
}

// GetAttr returns the attributes of the entry at a cleartext path.
func (v *Vault) GetAttr(cleartextPath string) (*Attr, error) {
	r, err := v.resolve(cleartextPath)
	if err != nil {
		return nil, err
	}
	switch r.entryType {
	case EntryTypeDir:
		attr := &Attr{Type: EntryTypeDir}
		if info, err := v.fs.Stat(v.dirPath(r.dirID)); err == nil {
			attr.ModTime = info.ModTime()
		}
		return attr, nil
	case EntryTypeSymlink:
		target, err := v.readSymlinkTarget(r.entryPath)
		if err != nil {
			return nil, err
		}
		info, _ := v.fs.Stat(path.Join(r.entryPath, symlinkFileName))
		attr := &Attr{Type: EntryTypeSymlink, Size: int64(len(target))}
		if info != nil {
			attr.ModTime = info.ModTime()
		}
		return attr, nil
	default:
		info, err := v.fs.Stat(r.entryPath)
		if err != nil {
			return nil, NewIOError("stat", r.entryPath, err)
		}
		size, err := CleartextSize(info.Size())
		if err != nil {
			return nil, err
		}
		return &Attr{Type: EntryTypeFile, Size: size, ModTime: info.ModTime()}, nil
	}
}

// ListDir returns the decrypted listing of a directory, sorted by name.
// Entries whose names fail to decrypt under this directory's ID are
// reported as an authentication error rather than silently dropped.
func (v *Vault) ListDir(cleartextPath string) ([]DirEntry, error) {
	dirID, err := v.resolveDir(cleartextPath)
	if err != nil {
		return nil, err
	}
	return v.listDirID(dirID)
}

func (v *Vault) listDirID(dirID string) ([]DirEntry, error) {
	storage := v.dirPath(dirID)
	names, err := readDirNames(v.fs, storage)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, NewIOError("readdir", storage, err)
	}

	entries := make([]DirEntry, 0, len(names))
	for _, encName := range names {
		// Physical listings may include the directory's own "." and ".."
		// entries depending on the backing filesystem.
		if encName == "." || encName == ".." || encName == dirIDBackupName {
			continue
		}
		name, err := v.names.DecryptName(encName, dirID)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt entry %q: %w", encName, err)
		}
		kind, err := v.childKind(path.Join(storage, encName))
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirEntry{Name: name, Type: kind})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ReadFile decrypts and returns the full content of a file.
func (v *Vault) ReadFile(cleartextPath string) ([]byte, error) {
	r, err := v.openReader(cleartextPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// WriteFile encrypts data under a fresh content key and writes it as the
// full content of a file, creating or replacing it.
func (v *Vault) WriteFile(cleartextPath string, data []byte) error {
	parentID, name, err := v.resolveParent(cleartextPath)
	if err != nil {
		return err
	}
	encName, err := v.names.EncryptName(name, parentID)
	if err != nil {
		return err
	}
	entryPath := path.Join(v.dirPath(parentID), encName)

	if kind, err := v.childKind(entryPath); err == nil && kind != EntryTypeFile {
		return fmt.Errorf("%w: %s is a %s", ErrAlreadyExists, cleartextPath, kind)
	}
	return v.writeEncryptedFile(entryPath, data)
}

// writeEncryptedFile seals data as a complete encrypted file at a
// physical path.
func (v *Vault) writeEncryptedFile(entryPath string, data []byte) error {
	header, err := v.content.NewFileHeader()
	if err != nil {
		return err
	}
	defer header.Destroy()

	out := make([]byte, 0, EncryptedSize(int64(len(data))))
	headerBytes, err := v.content.EncryptHeader(header)
	if err != nil {
		return err
	}
	out = append(out, headerBytes...)

	// An empty file is header-only; no chunks follow.
	for i, off := int64(0), 0; off < len(data); i, off = i+1, off+ChunkPayloadSize {
		end := off + ChunkPayloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk, err := v.content.EncryptChunk(header, i, data[off:end])
		if err != nil {
			return err
		}
		out = append(out, chunk...)
	}

	if err := writePhysicalFile(v.fs, entryPath, out); err != nil {
		return NewIOError("write", entryPath, err)
	}
	return nil
}

// CreateFile creates an empty file. It fails with ErrAlreadyExists when
// any entry occupies the name.
func (v *Vault) CreateFile(cleartextPath string) error {
	parentID, name, err := v.resolveParent(cleartextPath)
	if err != nil {
		return err
	}
	encName, err := v.names.EncryptName(name, parentID)
	if err != nil {
		return err
	}
	entryPath := path.Join(v.dirPath(parentID), encName)
	if _, err := v.childKind(entryPath); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cleartextPath)
	}
	return v.writeEncryptedFile(entryPath, nil)
}

// resolveParent splits a path into a resolved parent directory ID and
// the final cleartext name.
func (v *Vault) resolveParent(cleartextPath string) (string, string, error) {
	segs, err := splitPath(cleartextPath)
	if err != nil {
		return "", "", err
	}
	if len(segs) == 0 {
		return "", "", NewValidationError("path", "the root has no parent")
	}
	parentID, err := v.resolveDir("/" + strings.Join(segs[:len(segs)-1], "/"))
	if err != nil {
		return "", "", err
	}
	return parentID, segs[len(segs)-1], nil
}

// Mkdir creates a directory. The new directory gets a fresh random ID;
// its physical storage lives at the hashed ID location and records an
// encrypted backup of the ID.
func (v *Vault) Mkdir(cleartextPath string) error {
	parentID, name, err := v.resolveParent(cleartextPath)
	if err != nil {
		return err
	}
	encName, err := v.names.EncryptName(name, parentID)
	if err != nil {
		return err
	}
	entryPath := path.Join(v.dirPath(parentID), encName)
	if _, err := v.childKind(entryPath); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cleartextPath)
	}

	dirID := uuid.NewString()
	if err := v.fs.MkdirAll(entryPath, 0755); err != nil {
		return NewIOError("mkdir", entryPath, err)
	}
	if err := writePhysicalFile(v.fs, path.Join(entryPath, dirIDFileName), []byte(dirID)); err != nil {
		return NewIOError("write", path.Join(entryPath, dirIDFileName), err)
	}

	storage := v.dirPath(dirID)
	if err := v.fs.MkdirAll(storage, 0755); err != nil {
		return NewIOError("mkdir", storage, err)
	}
	backup := path.Join(storage, dirIDBackupName)
	if err := writePhysicalFile(v.fs, backup, v.names.encryptDirID(dirID)); err != nil {
		return NewIOError("write", backup, err)
	}
	return nil
}

// Symlink creates a symlink at linkPath pointing at target. The target
// string is stored encrypted like file content.
func (v *Vault) Symlink(target, linkPath string) error {
	if target == "" {
		return NewValidationError("target", "must not be empty")
	}
	parentID, name, err := v.resolveParent(linkPath)
	if err != nil {
		return err
	}
	encName, err := v.names.EncryptName(name, parentID)
	if err != nil {
		return err
	}
	entryPath := path.Join(v.dirPath(parentID), encName)
	if _, err := v.childKind(entryPath); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, linkPath)
	}

	if err := v.fs.MkdirAll(entryPath, 0755); err != nil {
		return NewIOError("mkdir", entryPath, err)
	}
	return v.writeEncryptedFile(path.Join(entryPath, symlinkFileName), []byte(target))
}

// Readlink returns the target of a symlink.
func (v *Vault) Readlink(cleartextPath string) (string, error) {
	r, err := v.resolve(cleartextPath)
	if err != nil {
		return "", err
	}
	if r.entryType != EntryTypeSymlink {
		return "", fmt.Errorf("%w: %s is not a symlink", ErrInvalidState, cleartextPath)
	}
	target, err := v.readSymlinkTarget(r.entryPath)
	if err != nil {
		return "", err
	}
	return string(target), nil
}

func (v *Vault) readSymlinkTarget(entryPath string) ([]byte, error) {
	data, err := readPhysicalFile(v.fs, path.Join(entryPath, symlinkFileName))
	if err != nil {
		return nil, NewIOError("read", path.Join(entryPath, symlinkFileName), err)
	}
	return v.decryptWhole(entryPath, data)
}

// decryptWhole opens a complete encrypted blob (header plus chunks).
func (v *Vault) decryptWhole(name string, data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, name)
	}
	header, err := v.content.DecryptHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	defer header.Destroy()

	var out []byte
	body := data[HeaderSize:]
	for i := int64(0); len(body) > 0; i++ {
		n := EncryptedChunkSize
		if n > len(body) {
			n = len(body)
		}
		chunk, err := v.content.DecryptChunk(header, i, body[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		body = body[n:]
	}
	return out, nil
}

// Remove deletes a file, symlink, or empty directory.
func (v *Vault) Remove(cleartextPath string) error {
	r, err := v.resolve(cleartextPath)
	if err != nil {
		return err
	}
	if r.entryPath == "" {
		return NewValidationError("path", "cannot remove the root")
	}

	switch r.entryType {
	case EntryTypeFile:
		if err := v.fs.Remove(r.entryPath); err != nil {
			return NewIOError("remove", r.entryPath, err)
		}
	case EntryTypeSymlink:
		if err := v.fs.RemoveAll(r.entryPath); err != nil {
			return NewIOError("remove", r.entryPath, err)
		}
	case EntryTypeDir:
		entries, err := v.listDirID(r.dirID)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return fmt.Errorf("%w: %s", ErrNotEmpty, cleartextPath)
		}
		if err := v.fs.RemoveAll(v.dirPath(r.dirID)); err != nil {
			return NewIOError("remove", v.dirPath(r.dirID), err)
		}
		if err := v.fs.RemoveAll(r.entryPath); err != nil {
			return NewIOError("remove", r.entryPath, err)
		}
	}
	return nil
}

// Rename moves an entry to a new path, possibly across directories. Only
// the entry's name ciphertext changes: for directories the ID, the
// hashed storage location, and every descendant stay untouched, so the
// cost does not depend on the size of the subtree.
//
// An existing destination file or symlink is replaced; a destination
// directory must not exist.
func (v *Vault) Rename(oldPath, newPath string) error {
	src, err := v.resolve(oldPath)
	if err != nil {
		return err
	}
	if src.entryPath == "" {
		return NewValidationError("path", "cannot rename the root")
	}
	dstParentID, dstName, err := v.resolveParent(newPath)
	if err != nil {
		return err
	}
	encDst, err := v.names.EncryptName(dstName, dstParentID)
	if err != nil {
		return err
	}
	dstEntryPath := path.Join(v.dirPath(dstParentID), encDst)

	if dstEntryPath == src.entryPath {
		return nil
	}

	if kind, err := v.childKind(dstEntryPath); err == nil {
		switch kind {
		case EntryTypeDir:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, newPath)
		case EntryTypeFile:
			if err := v.fs.Remove(dstEntryPath); err != nil {
				return NewIOError("remove", dstEntryPath, err)
			}
		case EntryTypeSymlink:
			if err := v.fs.RemoveAll(dstEntryPath); err != nil {
				return NewIOError("remove", dstEntryPath, err)
			}
		}
	}

	if err := v.fs.Rename(src.entryPath, dstEntryPath); err != nil {
		return NewIOError("rename", src.entryPath, err)
	}
	return nil
}
