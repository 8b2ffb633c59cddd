package vaultfs

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
)

// DefaultMaxHandles caps the number of concurrently open handles.
const DefaultMaxHandles = 1024

// fileReader reads cleartext from an encrypted file with lazy,
// chunk-granular decryption: only the chunks covering a requested range
// are read and opened. The most recently decrypted chunk is kept so
// sequential reads decrypt each chunk once.
type fileReader struct {
	vault  *Vault
	file   absfs.File
	header *FileHeader
	size   int64 // cleartext size
	path   string

	mu        sync.Mutex
	lastChunk int64
	lastData  []byte
}

// openReader opens a file for decrypted reads.
func (v *Vault) openReader(cleartextPath string) (*fileReader, error) {
	r, err := v.resolve(cleartextPath)
	if err != nil {
		return nil, err
	}
	if r.entryType != EntryTypeFile {
		return nil, fmt.Errorf("%w: %s is a %s", ErrInvalidState, cleartextPath, r.entryType)
	}

	f, err := v.fs.OpenFile(r.entryPath, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cleartextPath)
		}
		return nil, NewIOError("open", r.entryPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, NewIOError("stat", r.entryPath, err)
	}
	size, err := CleartextSize(info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	headerBytes := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		f.Close()
		return nil, NewIOError("read", r.entryPath, err)
	}
	header, err := v.content.DecryptHeader(headerBytes)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &fileReader{
		vault:     v,
		file:      f,
		header:    header,
		size:      size,
		path:      cleartextPath,
		lastChunk: -1,
	}, nil
}

// Size returns the cleartext size at open time.
func (r *fileReader) Size() int64 { return r.size }

// chunk returns the decrypted content of chunk i, consulting the
// single-chunk cache first.
func (r *fileReader) chunk(i int64) ([]byte, error) {
	if r.lastChunk == i {
		return r.lastData, nil
	}

	buf := make([]byte, EncryptedChunkSize)
	n, err := r.file.ReadAt(buf, chunkOffset(i))
	if err != nil && err != io.EOF {
		return nil, NewIOError("read", r.path, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: chunk %d missing", ErrInvalidCiphertext, i)
	}

	cleartext, err := r.vault.content.DecryptChunk(r.header, i, buf[:n])
	if err != nil {
		if IsAuthenticationError(err) {
			return nil, NewChunkAuthenticationError(r.path, i)
		}
		return nil, err
	}
	r.lastChunk = i
	r.lastData = cleartext
	return cleartext, nil
}

// ReadAt reads cleartext at the given offset. Reads past the end return
// io.EOF with the short count, like os.File.
func (r *fileReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, NewValidationError("offset", "must not be negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if off >= r.size {
		return 0, io.EOF
	}

	total := 0
	for total < len(p) && off < r.size {
		i := off / ChunkPayloadSize
		within := off % ChunkPayloadSize

		chunk, err := r.chunk(i)
		if err != nil {
			return total, err
		}
		if within >= int64(len(chunk)) {
			break
		}
		n := copy(p[total:], chunk[within:])
		total += n
		off += int64(n)
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// ReadAll reads the entire cleartext content.
func (r *fileReader) ReadAll() ([]byte, error) {
	out := make([]byte, r.size)
	if _, err := r.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying file and the content key.
func (r *fileReader) Close() error {
	r.header.Destroy()
	return r.file.Close()
}

// WriteBuffer stages cleartext writes for an open write handle. Writes
// may land at any offset; gaps between the current end and a write
// beyond it are zero-filled, matching sparse-write semantics.
type WriteBuffer struct {
	mu    sync.Mutex
	data  []byte
	dirty bool
}

// NewWriteBuffer creates a buffer primed with existing content.
func NewWriteBuffer(initial []byte) *WriteBuffer {
	buf := make([]byte, len(initial))
	copy(buf, initial)
	return &WriteBuffer{data: buf}
}

// WriteAt copies p into the buffer at off, growing and zero-filling as
// needed.
func (b *WriteBuffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, NewValidationError("offset", "must not be negative")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[off:], p)
	b.dirty = true
	return len(p), nil
}

// ReadAt reads staged content, io.EOF past the end.
func (b *WriteBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, NewValidationError("offset", "must not be negative")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Truncate resizes the staged content, zero-filling on growth.
func (b *WriteBuffer) Truncate(size int64) error {
	if size < 0 {
		return NewValidationError("size", "must not be negative")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if size <= int64(len(b.data)) {
		b.data = b.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, b.data)
		b.data = grown
	}
	b.dirty = true
	return nil
}

// Len returns the staged content size.
func (b *WriteBuffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *WriteBuffer) markDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

// Dirty reports whether unflushed writes exist.
func (b *WriteBuffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// snapshotIfDirty returns a copy of the staged content and marks the
// buffer clean, or nil if nothing changed since the last flush.
func (b *WriteBuffer) snapshotIfDirty() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.dirty = false
	return out
}

// Handle is one open file: either a lazy reader or a staged write
// buffer.
type Handle struct {
	id    uint64
	inode uint64
	path  string

	reader *fileReader  // read handles
	buf    *WriteBuffer // write handles

	mu    sync.Mutex
	stale bool
}

// Writable reports whether the handle stages writes.
func (h *Handle) Writable() bool { return h.buf != nil }

func (h *Handle) checkUsable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stale {
		return fmt.Errorf("%w: file was removed while open", ErrInvalidState)
	}
	return nil
}

func (h *Handle) markStale() {
	h.mu.Lock()
	h.stale = true
	h.mu.Unlock()
}

// ReadAt reads through the handle.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.checkUsable(); err != nil {
		return 0, err
	}
	if h.buf != nil {
		return h.buf.ReadAt(p, off)
	}
	return h.reader.ReadAt(p, off)
}

// WriteAt stages a write. It fails on read-only handles.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.checkUsable(); err != nil {
		return 0, err
	}
	if h.buf == nil {
		return 0, fmt.Errorf("%w: handle is read-only", ErrInvalidState)
	}
	return h.buf.WriteAt(p, off)
}

// Truncate resizes the staged content of a write handle.
func (h *Handle) Truncate(size int64) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	if h.buf == nil {
		return fmt.Errorf("%w: handle is read-only", ErrInvalidState)
	}
	return h.buf.Truncate(size)
}

// Size returns the current cleartext size seen through the handle.
func (h *Handle) Size() int64 {
	if h.buf != nil {
		return h.buf.Len()
	}
	return h.reader.Size()
}

// HandleTable tracks open handles, bounded by a capacity.
type HandleTable struct {
	vault *Vault

	mu       sync.Mutex
	handles  map[uint64]*Handle
	nextID   uint64
	capacity int
}

// NewHandleTable creates a handle table for an unlocked vault. A
// capacity of zero or less selects DefaultMaxHandles.
func NewHandleTable(vault *Vault, capacity int) *HandleTable {
	if capacity <= 0 {
		capacity = DefaultMaxHandles
	}
	return &HandleTable{
		vault:    vault,
		handles:  make(map[uint64]*Handle),
		nextID:   1,
		capacity: capacity,
	}
}

// Open opens the file at a cleartext path. Write handles load the
// existing content into a staging buffer so partial writes
// read-modify-write correctly; read handles decrypt lazily per chunk.
// It fails with ErrResourceExhausted at capacity.
func (t *HandleTable) Open(cleartextPath string, inode uint64, writable bool) (*Handle, error) {
	t.mu.Lock()
	if len(t.handles) >= t.capacity {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %d handles open", ErrResourceExhausted, t.capacity)
	}
	t.mu.Unlock()

	h := &Handle{inode: inode, path: cleartextPath}
	if writable {
		existing, err := t.vault.ReadFile(cleartextPath)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		h.buf = NewWriteBuffer(existing)
	} else {
		reader, err := t.vault.openReader(cleartextPath)
		if err != nil {
			return nil, err
		}
		h.reader = reader
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.handles) >= t.capacity {
		if h.reader != nil {
			h.reader.Close()
		}
		return nil, fmt.Errorf("%w: %d handles open", ErrResourceExhausted, t.capacity)
	}
	h.id = t.nextID
	t.nextID++
	t.handles[h.id] = h
	return h, nil
}

// Get returns an open handle by ID.
func (t *HandleTable) Get(id uint64) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrNotFound, id)
	}
	return h, nil
}

// Flush writes a handle's staged content back to the vault. It is
// idempotent: a second flush with no intervening writes is a no-op.
// Flushing a read handle is always a no-op.
func (t *HandleTable) Flush(id uint64) error {
	h, err := t.Get(id)
	if err != nil {
		return err
	}
	if err := h.checkUsable(); err != nil {
		return err
	}
	if h.buf == nil {
		return nil
	}
	data := h.buf.snapshotIfDirty()
	if data == nil {
		return nil
	}
	if err := t.vault.WriteFile(h.path, data); err != nil {
		// Leave the buffer dirty so a retry rewrites.
		h.buf.markDirty()
		return err
	}
	return nil
}

// Release flushes (for write handles) and closes a handle. Releasing a
// stale handle discards its staged content.
func (t *HandleTable) Release(id uint64) error {
	t.mu.Lock()
	h, ok := t.handles[id]
	delete(t.handles, id)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrNotFound, id)
	}

	if h.reader != nil {
		return h.reader.Close()
	}
	if h.checkUsable() != nil {
		return nil
	}
	if data := h.buf.snapshotIfDirty(); data != nil {
		return t.vault.WriteFile(h.path, data)
	}
	return nil
}

// stagedSize returns the staged content size of a live write handle on
// the path with unflushed writes, if one exists. Between a write and
// its flush the staged buffer, not the on-disk file, holds the current
// size.
func (t *HandleTable) stagedSize(cleartextPath string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handles {
		if h.buf == nil || h.path != cleartextPath {
			continue
		}
		if h.checkUsable() != nil || !h.buf.Dirty() {
			continue
		}
		return h.buf.Len(), true
	}
	return 0, false
}

// ReleaseAll closes every open handle, flushing dirty write buffers
// first. Stale handles discard their staged content. All handles are
// processed; the first error encountered is returned.
func (t *HandleTable) ReleaseAll() error {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[uint64]*Handle)
	t.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		var err error
		switch {
		case h.reader != nil:
			err = h.reader.Close()
		case h.checkUsable() != nil:
			// staged content of an unlinked file is dropped
		default:
			if data := h.buf.snapshotIfDirty(); data != nil {
				err = t.vault.WriteFile(h.path, data)
			}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InvalidatePath marks every open handle on a path stale. Called on
// unlink: the chosen policy is that operations on handles over removed
// files fail with ErrInvalidState instead of operating on a ghost.
func (t *HandleTable) InvalidatePath(cleartextPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handles {
		if h.path == cleartextPath {
			h.markStale()
		}
	}
}

// UpdatePath repoints open handles after a rename.
func (t *HandleTable) UpdatePath(oldPath, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handles {
		if h.path == oldPath {
			h.path = newPath
		}
	}
}

// Len returns the number of open handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
