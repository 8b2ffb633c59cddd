package vaultfs

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrorCategory is the coarse classification of an adapter error, for
// mapping onto a mount protocol's error codes.
type ErrorCategory int

const (
	CategoryOK ErrorCategory = iota
	CategoryAuthenticationFailure
	CategoryNotFound
	CategoryAlreadyExists
	CategoryInvalidState
	CategoryResourceExhausted
	CategoryIOFailure
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryOK:
		return "ok"
	case CategoryAuthenticationFailure:
		return "authentication failure"
	case CategoryNotFound:
		return "not found"
	case CategoryAlreadyExists:
		return "already exists"
	case CategoryInvalidState:
		return "invalid state"
	case CategoryResourceExhausted:
		return "resource exhausted"
	default:
		return "io failure"
	}
}

// Categorize maps any error returned by this package onto its category.
// Unrecognized errors, including physical storage failures, fall into
// CategoryIOFailure.
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryOK
	case IsAuthenticationError(err):
		return CategoryAuthenticationFailure
	case IsNotFound(err):
		return CategoryNotFound
	case IsAlreadyExists(err):
		return CategoryAlreadyExists
	case IsInvalidState(err):
		return CategoryInvalidState
	case IsResourceExhausted(err):
		return CategoryResourceExhausted
	default:
		return CategoryIOFailure
	}
}

// Entry is a Lookup or Create result: a referenced inode plus its
// attributes. Each Entry adds one lookup reference that the caller owes
// back through Forget.
type Entry struct {
	Inode uint64
	Attr  Attr
}

// FSOptions tunes the adapter's caches and limits. The zero value (or
// nil) selects the package defaults.
type FSOptions struct {
	AttrTTL     time.Duration
	NegativeTTL time.Duration
	MaxHandles  int
}

func (o *FSOptions) withDefaults() FSOptions {
	opts := FSOptions{}
	if o != nil {
		opts = *o
	}
	if opts.AttrTTL == 0 {
		opts.AttrTTL = DefaultAttrTTL
	}
	if opts.NegativeTTL == 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.MaxHandles == 0 {
		opts.MaxHandles = DefaultMaxHandles
	}
	return opts
}

// FS is the filesystem adapter over an unlocked vault: a stateless
// dispatch layer that resolves inodes to paths, consults the caches,
// and delegates to the vault operations. It holds no crypto or path
// logic of its own.
//
// All methods are safe for concurrent use.
type FS struct {
	vault   *Vault
	inodes  *InodeTable
	attrs   *AttrCache
	dirs    *DirCache
	handles *HandleTable
}

// NewFS creates an adapter over an unlocked vault. Pass nil options for
// the defaults.
func NewFS(vault *Vault, options *FSOptions) *FS {
	opts := options.withDefaults()
	return &FS{
		vault:   vault,
		inodes:  NewInodeTable(),
		attrs:   NewAttrCache(opts.AttrTTL, opts.NegativeTTL),
		dirs:    NewDirCache(opts.AttrTTL),
		handles: NewHandleTable(vault, opts.MaxHandles),
	}
}

// getAttr serves attributes through the cache, recording negative hits.
func (f *FS) getAttr(cleartextPath string) (*Attr, error) {
	if attr, hit := f.attrs.Get(cleartextPath); hit {
		if attr == nil {
			return nil, ErrNotFound
		}
		return attr, nil
	}
	attr, err := f.vault.GetAttr(cleartextPath)
	if err != nil {
		if IsNotFound(err) {
			f.attrs.PutNegative(cleartextPath)
		}
		return nil, err
	}
	f.attrs.Put(cleartextPath, attr)
	return attr, nil
}

// checkName rejects names that are not a single path segment. Every
// adapter operation takes one name under a parent inode; anything that
// would walk up or below the parent is refused here, before it can
// reach path resolution.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return NewValidationError("name", fmt.Sprintf("invalid entry name %q", name))
	}
	return nil
}

// Lookup resolves name under the parent inode. On success the child
// inode's lookup count is incremented; the caller releases it with
// Forget.
func (f *FS) Lookup(parent uint64, name string) (*Entry, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	parentPath, err := f.inodes.Path(parent)
	if err != nil {
		return nil, err
	}
	childPath := path.Join(parentPath, name)

	attr, err := f.getAttr(childPath)
	if err != nil {
		return nil, err
	}
	return &Entry{Inode: f.inodes.Lookup(childPath), Attr: *attr}, nil
}

// Forget drops n lookup references from an inode.
func (f *FS) Forget(inode uint64, n uint64) {
	f.inodes.Forget(inode, n)
}

// Getattr returns the attributes of an inode. For a file with
// unflushed writes staged on an open handle, the reported size is the
// staged size, not the smaller on-disk one.
func (f *FS) Getattr(inode uint64) (*Attr, error) {
	p, err := f.inodes.Path(inode)
	if err != nil {
		return nil, err
	}
	attr, err := f.getAttr(p)
	if err != nil {
		return nil, err
	}
	if attr.Type == EntryTypeFile {
		if size, ok := f.handles.stagedSize(p); ok {
			staged := *attr
			staged.Size = size
			return &staged, nil
		}
	}
	return attr, nil
}

// Readdir returns one page of a directory listing starting at cursor
// (zero for the first page), plus the cursor for the next page. The
// page comes from a stable snapshot, so walking cursors from zero
// yields each entry exactly once even across page boundaries.
func (f *FS) Readdir(inode uint64, cursor int, limit int) ([]DirEntry, int, error) {
	p, err := f.inodes.Path(inode)
	if err != nil {
		return nil, 0, err
	}

	if entries, next, ok := f.dirs.Page(p, cursor, limit); ok {
		return entries, next, nil
	}

	listing, err := f.vault.ListDir(p)
	if err != nil {
		return nil, 0, err
	}
	f.dirs.Put(p, listing)
	entries, next, _ := f.dirs.Page(p, cursor, limit)
	return entries, next, nil
}

// Open opens the file behind an inode and returns a handle ID.
func (f *FS) Open(inode uint64, writable bool) (uint64, error) {
	p, err := f.inodes.Path(inode)
	if err != nil {
		return 0, err
	}
	h, err := f.handles.Open(p, inode, writable)
	if err != nil {
		return 0, err
	}
	return h.id, nil
}

// Read reads up to size bytes at off through a handle. A short result
// means end of file.
func (f *FS) Read(handle uint64, off int64, size int) ([]byte, error) {
	h, err := f.handles.Get(handle)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := h.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Write stages bytes at off through a write handle.
func (f *FS) Write(handle uint64, off int64, data []byte) (int, error) {
	h, err := f.handles.Get(handle)
	if err != nil {
		return 0, err
	}
	n, err := h.WriteAt(data, off)
	if err != nil {
		return n, err
	}
	f.attrs.Invalidate(h.path)
	return n, nil
}

// Truncate resizes the staged content of a write handle.
func (f *FS) Truncate(handle uint64, size int64) error {
	h, err := f.handles.Get(handle)
	if err != nil {
		return err
	}
	if err := h.Truncate(size); err != nil {
		return err
	}
	f.attrs.Invalidate(h.path)
	return nil
}

// Flush persists a write handle's staged content. Idempotent.
func (f *FS) Flush(handle uint64) error {
	h, err := f.handles.Get(handle)
	if err != nil {
		return err
	}
	if err := f.handles.Flush(handle); err != nil {
		return err
	}
	f.attrs.Invalidate(h.path)
	return nil
}

// Release flushes and closes a handle.
func (f *FS) Release(handle uint64) error {
	h, err := f.handles.Get(handle)
	if err != nil {
		return err
	}
	p := h.path
	if err := f.handles.Release(handle); err != nil {
		return err
	}
	f.attrs.Invalidate(p)
	return nil
}

// Create makes an empty file under the parent inode and opens a write
// handle on it.
func (f *FS) Create(parent uint64, name string) (*Entry, uint64, error) {
	if err := checkName(name); err != nil {
		return nil, 0, err
	}
	parentPath, err := f.inodes.Path(parent)
	if err != nil {
		return nil, 0, err
	}
	childPath := path.Join(parentPath, name)

	if err := f.vault.CreateFile(childPath); err != nil {
		return nil, 0, err
	}
	f.mutated(parentPath, childPath)

	attr, err := f.getAttr(childPath)
	if err != nil {
		return nil, 0, err
	}
	entry := &Entry{Inode: f.inodes.Lookup(childPath), Attr: *attr}

	h, err := f.handles.Open(childPath, entry.Inode, true)
	if err != nil {
		f.inodes.Forget(entry.Inode, 1)
		return nil, 0, err
	}
	return entry, h.id, nil
}

// Mkdir creates a directory under the parent inode.
func (f *FS) Mkdir(parent uint64, name string) (*Entry, error) {
	return f.makeEntry(parent, name, func(childPath string) error {
		return f.vault.Mkdir(childPath)
	})
}

// Symlink creates a symlink named name under the parent inode, pointing
// at target.
func (f *FS) Symlink(target string, parent uint64, name string) (*Entry, error) {
	return f.makeEntry(parent, name, func(childPath string) error {
		return f.vault.Symlink(target, childPath)
	})
}

func (f *FS) makeEntry(parent uint64, name string, create func(childPath string) error) (*Entry, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	parentPath, err := f.inodes.Path(parent)
	if err != nil {
		return nil, err
	}
	childPath := path.Join(parentPath, name)

	if err := create(childPath); err != nil {
		return nil, err
	}
	f.mutated(parentPath, childPath)

	attr, err := f.getAttr(childPath)
	if err != nil {
		return nil, err
	}
	return &Entry{Inode: f.inodes.Lookup(childPath), Attr: *attr}, nil
}

// Readlink returns the target of a symlink inode.
func (f *FS) Readlink(inode uint64) (string, error) {
	p, err := f.inodes.Path(inode)
	if err != nil {
		return "", err
	}
	return f.vault.Readlink(p)
}

// Remove unlinks name under the parent inode. Open handles on the
// removed file turn stale and fail with an invalid-state error; the
// inode number stays reserved until its references are forgotten.
func (f *FS) Remove(parent uint64, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	parentPath, err := f.inodes.Path(parent)
	if err != nil {
		return err
	}
	childPath := path.Join(parentPath, name)

	if err := f.vault.Remove(childPath); err != nil {
		return err
	}
	f.handles.InvalidatePath(childPath)
	f.inodes.InvalidatePath(childPath)
	f.mutated(parentPath, childPath)
	f.attrs.InvalidateTree(childPath)
	f.dirs.Invalidate(childPath)
	return nil
}

// Rename moves oldName under oldParent to newName under newParent.
// Inode numbers are stable across the move. A replaced destination is
// treated like an unlink: its open handles turn stale and its inode
// number stays reserved until forgotten.
func (f *FS) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	if err := checkName(oldName); err != nil {
		return err
	}
	if err := checkName(newName); err != nil {
		return err
	}
	oldParentPath, err := f.inodes.Path(oldParent)
	if err != nil {
		return err
	}
	newParentPath, err := f.inodes.Path(newParent)
	if err != nil {
		return err
	}
	oldPath := path.Join(oldParentPath, oldName)
	newPath := path.Join(newParentPath, newName)

	replaced := false
	if oldPath != newPath {
		if _, err := f.vault.GetAttr(newPath); err == nil {
			replaced = true
		}
	}

	if err := f.vault.Rename(oldPath, newPath); err != nil {
		return err
	}
	if replaced {
		f.handles.InvalidatePath(newPath)
		f.inodes.InvalidatePath(newPath)
	}
	f.inodes.UpdatePath(oldPath, newPath)
	f.handles.UpdatePath(oldPath, newPath)
	f.attrs.InvalidateTree(oldPath)
	f.attrs.InvalidateTree(newPath)
	f.dirs.Invalidate(oldParentPath)
	f.dirs.Invalidate(newParentPath)
	f.dirs.InvalidateTree(oldPath)
	return nil
}

// Close tears down the adapter: every open handle is released, with
// dirty write buffers flushed to storage, and then the vault session is
// closed and its key material zeroized. The flush happens first so that
// staged writes survive an unmount without an explicit Flush.
func (f *FS) Close() error {
	err := f.handles.ReleaseAll()
	if cerr := f.vault.Close(); err == nil {
		err = cerr
	}
	return err
}

// StatVFS describes the adapter's capacity limits and current usage.
type StatVFS struct {
	BlockSize   int
	MaxNameLen  int
	OpenHandles int
	MaxHandles  int
	LiveInodes  int
}

// StatVFS reports filesystem-level limits and usage.
func (f *FS) StatVFS() *StatVFS {
	return &StatVFS{
		BlockSize:   ChunkPayloadSize,
		MaxNameLen:  f.vault.Config().ShorteningThreshold,
		OpenHandles: f.handles.Len(),
		MaxHandles:  f.handles.capacity,
		LiveInodes:  f.inodes.Len(),
	}
}

// mutated invalidates the caches touched by a change to childPath under
// parentPath.
func (f *FS) mutated(parentPath, childPath string) {
	f.attrs.Invalidate(childPath)
	f.attrs.Invalidate(parentPath)
	f.dirs.Invalidate(parentPath)
}
