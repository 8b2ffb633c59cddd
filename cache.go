package vaultfs

import (
	"strings"
	"sync"
	"time"
)

// Cache TTL defaults. Positive entries are short-lived because external
// modification of the backing store is invisible to this process;
// negative entries are shorter still so newly created files appear
// promptly.
const (
	DefaultAttrTTL         = 1 * time.Second
	DefaultNegativeTTL     = 500 * time.Millisecond
	cacheCleanupThreshold  = 1024
)

// ttlEntry is one cached value with its expiry deadline. A negative
// entry records a confirmed absence.
type ttlEntry[V any] struct {
	value    V
	negative bool
	expires  time.Time
}

// ttlCache is a small TTL cache keyed by string, supporting negative
// entries and predicate invalidation. Expired entries are dropped lazily
// on access and swept wholesale once the map grows past the cleanup
// threshold.
type ttlCache[V any] struct {
	mu          sync.Mutex
	entries     map[string]ttlEntry[V]
	ttl         time.Duration
	negativeTTL time.Duration
	now         func() time.Time // swappable for tests
}

func newTTLCache[V any](ttl, negativeTTL time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		entries:     make(map[string]ttlEntry[V]),
		ttl:         ttl,
		negativeTTL: negativeTTL,
		now:         time.Now,
	}
}

// get returns the cached value for key. The second result reports a
// cache hit; the third reports a negative hit (key known absent).
func (c *ttlCache[V]) get(key string) (V, bool, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, false, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return zero, false, false
	}
	if e.negative {
		return zero, true, true
	}
	return e.value, true, false
}

// put stores a positive entry.
func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanup()
	c.entries[key] = ttlEntry[V]{value: value, expires: c.now().Add(c.ttl)}
}

// putNegative records that key is known not to exist.
func (c *ttlCache[V]) putNegative(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanup()
	c.entries[key] = ttlEntry[V]{negative: true, expires: c.now().Add(c.negativeTTL)}
}

// invalidate removes a single key.
func (c *ttlCache[V]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// invalidateFunc removes every key the predicate matches.
func (c *ttlCache[V]) invalidateFunc(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
}

// invalidateAll empties the cache.
func (c *ttlCache[V]) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]ttlEntry[V])
}

// maybeCleanup sweeps expired entries once the map is large. Called with
// the lock held.
func (c *ttlCache[V]) maybeCleanup() {
	if len(c.entries) < cacheCleanupThreshold {
		return
	}
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// len reports the number of entries, expired ones included.
func (c *ttlCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// AttrCache caches entry attributes by cleartext path, including
// negative results for paths recently confirmed absent.
type AttrCache struct {
	cache *ttlCache[*Attr]
}

// NewAttrCache creates an attribute cache with the given TTLs.
func NewAttrCache(ttl, negativeTTL time.Duration) *AttrCache {
	return &AttrCache{cache: newTTLCache[*Attr](ttl, negativeTTL)}
}

// Get returns a cached attribute. A (nil, true) result is a negative
// hit: the path was recently confirmed absent.
func (c *AttrCache) Get(path string) (*Attr, bool) {
	attr, hit, negative := c.cache.get(path)
	if !hit {
		return nil, false
	}
	if negative {
		return nil, true
	}
	return attr, true
}

// Put caches the attributes for a path.
func (c *AttrCache) Put(path string, attr *Attr) { c.cache.put(path, attr) }

// PutNegative records that a path does not exist.
func (c *AttrCache) PutNegative(path string) { c.cache.putNegative(path) }

// Invalidate drops the entry for one path.
func (c *AttrCache) Invalidate(path string) { c.cache.invalidate(path) }

// InvalidateTree drops the entry for a path and everything below it,
// for directory renames and removals.
func (c *AttrCache) InvalidateTree(path string) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	c.cache.invalidateFunc(func(key string) bool {
		return key == path || strings.HasPrefix(key, prefix)
	})
}

// dirSnapshot is a stable-order copy of one directory listing taken at a
// point in time. Pagination cursors index into the snapshot, so a scan
// in progress is unaffected by cache churn.
type dirSnapshot struct {
	entries []DirEntry
}

// DirCache caches directory listings by cleartext path and serves
// offset-cursor pagination over stable snapshots.
type DirCache struct {
	cache *ttlCache[*dirSnapshot]
}

// NewDirCache creates a directory listing cache with the given TTL.
func NewDirCache(ttl time.Duration) *DirCache {
	return &DirCache{cache: newTTLCache[*dirSnapshot](ttl, ttl)}
}

// Put snapshots a listing. The caller must not modify entries afterward.
func (c *DirCache) Put(path string, entries []DirEntry) {
	c.cache.put(path, &dirSnapshot{entries: entries})
}

// Page returns the slice of a cached listing starting at the cursor,
// at most limit entries (limit <= 0 means the rest), along with the next
// cursor and whether the listing was cached at all. A scan that walks
// cursors from zero sees each entry exactly once as long as the snapshot
// stays cached.
func (c *DirCache) Page(path string, cursor int, limit int) (entries []DirEntry, next int, ok bool) {
	snap, hit, _ := c.cache.get(path)
	if !hit || snap == nil {
		return nil, 0, false
	}
	if cursor < 0 || cursor > len(snap.entries) {
		return nil, 0, false
	}
	rest := snap.entries[cursor:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	return rest, cursor + len(rest), true
}

// Invalidate drops the listing for one directory.
func (c *DirCache) Invalidate(path string) { c.cache.invalidate(path) }

// InvalidateTree drops the listings of a directory and everything below
// it.
func (c *DirCache) InvalidateTree(path string) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	c.cache.invalidateFunc(func(key string) bool {
		return key == path || strings.HasPrefix(key, prefix)
	})
}

// InvalidateAll drops every cached listing.
func (c *DirCache) InvalidateAll() { c.cache.invalidateAll() }
