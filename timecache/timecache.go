// Package timecache provides a bounded time-window cache: a mapping from
// an identifier to a timestamped record, supporting insert, prune-by-age,
// and "most recent (optionally filtered)" queries.
//
// It backs both the global page-load snapshot and the per-surface visit
// history used by transition correlation. The cache is not safe for
// concurrent use; each owning goroutine serializes its own mutations.
package timecache

// Entry is one timestamped record.
type Entry[K comparable, V any] struct {
	Key   K
	At    int64 // unix milliseconds
	Value V
}

// Cache maps keys to timestamped values, ordered by timestamp.
type Cache[K comparable, V any] struct {
	entries    []Entry[K, V]
	maxEntries int
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	maxEntries int
}

// WithMaxEntries bounds the cache size. When an insert would exceed the
// bound, the oldest entry is evicted. Zero or negative means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// New creates an empty cache.
func New[K comparable, V any](opts ...Option) *Cache[K, V] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{maxEntries: o.maxEntries}
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int { return len(c.entries) }

// Put inserts or replaces the entry for key, keeping the cache ordered
// by timestamp. Replacing an existing key removes its old entry first.
func (c *Cache[K, V]) Put(key K, at int64, value V) {
	c.Delete(key)

	// Find insertion point from the tail: inserts are mostly in time order.
	i := len(c.entries)
	for i > 0 && c.entries[i-1].At > at {
		i--
	}
	c.entries = append(c.entries, Entry[K, V]{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = Entry[K, V]{Key: key, At: at, Value: value}

	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.entries = append(c.entries[:0], c.entries[1:]...)
	}
}

// Delete removes the entry for key, if present.
func (c *Cache[K, V]) Delete(key K) {
	for i, e := range c.entries {
		if e.Key == key {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Get returns the entry for key.
func (c *Cache[K, V]) Get(key K) (Entry[K, V], bool) {
	for _, e := range c.entries {
		if e.Key == key {
			return e, true
		}
	}
	var zero Entry[K, V]
	return zero, false
}

// PruneOlderThan drops entries with At < cutoff. The most recent entry
// overall, and the most recent entry matching each retain predicate, are
// always kept so that a "most recent" answer exists even under sparse
// traffic.
func (c *Cache[K, V]) PruneOlderThan(cutoff int64, retain ...func(Entry[K, V]) bool) {
	if len(c.entries) == 0 {
		return
	}

	keep := make(map[int]bool, 1+len(retain))
	keep[len(c.entries)-1] = true // most recent overall
	for _, pred := range retain {
		for i := len(c.entries) - 1; i >= 0; i-- {
			if pred(c.entries[i]) {
				keep[i] = true
				break
			}
		}
	}

	out := c.entries[:0]
	for i, e := range c.entries {
		if e.At >= cutoff || keep[i] {
			out = append(out, e)
		}
	}
	c.entries = out
}

// Recent returns a copy of all entries in ascending time order.
func (c *Cache[K, V]) Recent() []Entry[K, V] {
	out := make([]Entry[K, V], len(c.entries))
	copy(out, c.entries)
	return out
}

// Latest returns the most recent entry matching filter (nil matches all).
func (c *Cache[K, V]) Latest(filter func(Entry[K, V]) bool) (Entry[K, V], bool) {
	return c.LatestAtOrBefore(int64(1)<<62, filter)
}

// LatestAtOrBefore returns the most recent entry with At <= at that
// matches filter (nil matches all).
func (c *Cache[K, V]) LatestAtOrBefore(at int64, filter func(Entry[K, V]) bool) (Entry[K, V], bool) {
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if e.At > at {
			continue
		}
		if filter == nil || filter(e) {
			return e, true
		}
	}
	var zero Entry[K, V]
	return zero, false
}
