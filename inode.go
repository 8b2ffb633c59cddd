package vaultfs

import (
	"fmt"
	"strings"
	"sync"
)

// RootInode is the fixed inode number of the vault root. It is always
// present and never evicted.
const RootInode uint64 = 1

// inodeEntry tracks one live inode: its current cleartext path and how
// many kernel-style lookups reference it.
type inodeEntry struct {
	path    string
	nlookup uint64
	// unlinked marks an inode whose path was removed while references
	// remain; the number stays reserved until the last forget.
	unlinked bool
}

// InodeTable maintains a bijection between cleartext paths and inode
// numbers for the adapter surface. Numbers are allocated sequentially
// and never reused while any reference remains, matching the
// asynchronous-forget discipline of mount protocols: removing a path
// keeps the inode alive until the final Forget arrives.
type InodeTable struct {
	mu      sync.RWMutex
	byID    map[uint64]*inodeEntry
	byPath  map[string]uint64
	nextID  uint64
}

// NewInodeTable creates a table with the root preregistered at
// RootInode. The root is pinned: Forget never evicts it.
func NewInodeTable() *InodeTable {
	t := &InodeTable{
		byID:   make(map[uint64]*inodeEntry),
		byPath: make(map[string]uint64),
		nextID: RootInode + 1,
	}
	t.byID[RootInode] = &inodeEntry{path: "/", nlookup: 1}
	t.byPath["/"] = RootInode
	return t
}

// Lookup returns the inode for a path, allocating one if needed, and
// increments its lookup count.
func (t *InodeTable) Lookup(path string) uint64 {
	path = normalizePath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byPath[path]; ok {
		t.byID[id].nlookup++
		return id
	}
	id := t.nextID
	t.nextID++
	t.byID[id] = &inodeEntry{path: path, nlookup: 1}
	t.byPath[path] = id
	return id
}

// Path returns the cleartext path of an inode. It fails with
// ErrInvalidState for unlinked inodes and ErrNotFound for unknown ones.
func (t *InodeTable) Path(id uint64) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: inode %d", ErrNotFound, id)
	}
	if e.unlinked {
		return "", fmt.Errorf("%w: inode %d was unlinked", ErrInvalidState, id)
	}
	return e.path, nil
}

// Forget drops n lookup references from an inode, evicting it when the
// count reaches zero. The root inode is never evicted.
func (t *InodeTable) Forget(id uint64, n uint64) {
	if id == RootInode {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		return
	}
	if n >= e.nlookup {
		e.nlookup = 0
	} else {
		e.nlookup -= n
	}
	if e.nlookup == 0 {
		delete(t.byID, id)
		if !e.unlinked && t.byPath[e.path] == id {
			delete(t.byPath, e.path)
		}
	}
}

// InvalidatePath marks the inode at a path (if any) as unlinked: the
// path mapping is released immediately so the name can be reused, but
// the inode number stays reserved until its references are forgotten.
func (t *InodeTable) InvalidatePath(path string) {
	path = normalizePath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byPath[path]
	if !ok || id == RootInode {
		return
	}
	t.byID[id].unlinked = true
	delete(t.byPath, path)
}

// UpdatePath moves an inode (and every inode below it, for directories)
// from oldPath to newPath, keeping inode numbers stable across renames.
func (t *InodeTable) UpdatePath(oldPath, newPath string) {
	oldPath = normalizePath(oldPath)
	newPath = normalizePath(newPath)
	if oldPath == newPath || oldPath == "/" {
		return
	}
	prefix := oldPath + "/"

	t.mu.Lock()
	defer t.mu.Unlock()

	for p, id := range t.byPath {
		var moved string
		switch {
		case p == oldPath:
			moved = newPath
		case strings.HasPrefix(p, prefix):
			moved = newPath + p[len(oldPath):]
		default:
			continue
		}
		delete(t.byPath, p)
		t.byPath[moved] = id
		t.byID[id].path = moved
	}
}

// Len returns the number of live inodes, root included.
func (t *InodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	if len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
