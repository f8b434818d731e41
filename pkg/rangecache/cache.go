// Package rangecache implements a bounded associative container with two
// indices over the same keys: an ordered index supporting range scans
// (github.com/google/btree) and a recency list supporting LRU eviction
// (container/list, the same doubly-linked-list idiom the teacher pack's
// Fuchsia LRUCache uses for its single hashed index). Splitting the two
// concerns into separate indices is what lets the DNS cache scan every
// entry of a (name, kind, class) prefix in one pass while still evicting
// in LRU order.
package rangecache

import (
	"container/list"

	"github.com/google/btree"
)

const btreeDegree = 32

// Compare orders two keys: negative if a < b, zero if equal, positive if
// a > b.
type Compare[K any] func(a, b K) int

// Cache is a fixed-capacity Key -> Value store with ordered range scans
// and LRU eviction. Capacity is fixed at construction and must be > 0.
// Cache is not safe for concurrent use; callers (pkg/cache) guard it with
// their own lock.
type Cache[K any, V any] struct {
	cmp      Compare[K]
	tree     *btree.BTreeG[entry[K, V]]
	recency  *list.List
	elems    map[string]*list.Element
	keyOf    func(K) string
	capacity int
}

type entry[K any, V any] struct {
	key   K
	value V
}

// New creates a range-cache with the given capacity and key ordering.
// keyOf must produce a stable, unique string encoding of a key — it backs
// the recency index's lookup map, since container/list elements are keyed
// by an opaque handle, not by K's own equality.
func New[K any, V any](capacity int, cmp Compare[K], keyOf func(K) string) *Cache[K, V] {
	if capacity <= 0 {
		panic("rangecache: capacity must be > 0")
	}
	less := func(a, b entry[K, V]) bool { return cmp(a.key, b.key) < 0 }
	return &Cache[K, V]{
		cmp:      cmp,
		tree:     btree.NewG(btreeDegree, less),
		recency:  list.New(),
		elems:    make(map[string]*list.Element, capacity),
		keyOf:    keyOf,
		capacity: capacity,
	}
}

// Len returns the number of entries currently stored.
func (c *Cache[K, V]) Len() int {
	return c.tree.Len()
}

// Insert stores v under k, evicting the least-recently-used entry first if
// the cache is full and k is not already present. Promotes k to
// most-recently-used. Returns the prior value and true if k was already
// present.
func (c *Cache[K, V]) Insert(k K, v V) (prior V, hadPrior bool) {
	ks := c.keyOf(k)
	if _, exists := c.elems[ks]; !exists && c.tree.Len() >= c.capacity {
		c.evictOldest()
	}

	if old, ok := c.tree.ReplaceOrInsert(entry[K, V]{key: k, value: v}); ok {
		prior, hadPrior = old.value, true
	}
	c.touch(ks, k)
	return prior, hadPrior
}

// Range iterates every (k, v) whose key lies strictly between lo and hi
// (both bounds exclusive), in key order. If touch is true, each visited
// key is promoted to most-recently-used before visit is called. visit
// must not mutate the cache.
func (c *Cache[K, V]) Range(lo, hi K, touch bool, visit func(k K, v V)) {
	loE := entry[K, V]{key: lo}
	hiE := entry[K, V]{key: hi}
	c.tree.AscendRange(loE, hiE, func(e entry[K, V]) bool {
		if c.cmp(e.key, lo) == 0 || c.cmp(e.key, hi) == 0 {
			return true
		}
		if touch {
			c.touch(c.keyOf(e.key), e.key)
		}
		visit(e.key, e.value)
		return true
	})
}

// RemoveRange removes every entry whose key lies strictly between lo and
// hi (both bounds exclusive) from both indices.
func (c *Cache[K, V]) RemoveRange(lo, hi K) {
	loE := entry[K, V]{key: lo}
	hiE := entry[K, V]{key: hi}
	var victims []K
	c.tree.AscendRange(loE, hiE, func(e entry[K, V]) bool {
		if c.cmp(e.key, lo) == 0 || c.cmp(e.key, hi) == 0 {
			return true
		}
		victims = append(victims, e.key)
		return true
	})
	for _, k := range victims {
		c.remove(k)
	}
}

// touch promotes key to most-recently-used, inserting a new recency entry
// if this is the first time key has been seen.
func (c *Cache[K, V]) touch(ks string, k K) {
	if el, ok := c.elems[ks]; ok {
		c.recency.MoveToFront(el)
		return
	}
	c.elems[ks] = c.recency.PushFront(k)
}

func (c *Cache[K, V]) evictOldest() {
	back := c.recency.Back()
	if back == nil {
		return
	}
	c.remove(back.Value.(K))
}

func (c *Cache[K, V]) remove(k K) {
	ks := c.keyOf(k)
	if el, ok := c.elems[ks]; ok {
		c.recency.Remove(el)
		delete(c.elems, ks)
	}
	c.tree.Delete(entry[K, V]{key: k})
}
