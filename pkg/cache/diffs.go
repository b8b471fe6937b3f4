// Package cache holds the per-step diff cache shared by the history engines.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/Sumatoshi-tech/lineage/pkg/vcs"
)

// DefaultMaxEntries is the default number of commit steps kept.
const DefaultMaxEntries = 512

// StepKey identifies the diff between two revisions.
type StepKey struct {
	Older string
	Newer string
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// HitRate returns hits / (hits + misses), or 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// DiffCache is an LRU of file diffs keyed by step. The commit streamer and the
// provenance walk both diff each new commit against its parent, so the second
// reader is served from here.
type DiffCache struct {
	mu         sync.Mutex
	entries    map[StepKey]*entry
	head       *entry // Most recently used.
	tail       *entry // Least recently used.
	maxEntries int

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   StepKey
	diffs []vcs.FileDiff
	prev  *entry
	next  *entry
}

// NewDiffCache creates a cache holding at most maxEntries steps.
func NewDiffCache(maxEntries int) *DiffCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &DiffCache{
		entries:    make(map[StepKey]*entry),
		maxEntries: maxEntries,
	}
}

// Get returns the cached diffs for key. The returned slice must not be modified.
func (c *DiffCache) Get(key StepKey) ([]vcs.FileDiff, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)

		return nil, false
	}

	c.hits.Add(1)
	c.moveToFront(e)

	return e.diffs, true
}

// Put stores diffs for key, evicting the least recently used step when full.
func (c *DiffCache) Put(key StepKey, diffs []vcs.FileDiff) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.diffs = diffs
		c.moveToFront(e)

		return
	}

	for len(c.entries) >= c.maxEntries && c.tail != nil {
		c.removeEntry(c.tail)
	}

	e := &entry{key: key, diffs: diffs}
	c.entries[key] = e
	c.addToFront(e)
}

// Stats returns the current counters.
func (c *DiffCache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()

	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: n}
}

// Clear drops every entry and resets the counters.
func (c *DiffCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[StepKey]*entry)
	c.head = nil
	c.tail = nil
	c.hits.Store(0)
	c.misses.Store(0)
}

func (c *DiffCache) moveToFront(e *entry) {
	if c.head == e {
		return
	}

	c.unlink(e)
	c.addToFront(e)
}

func (c *DiffCache) addToFront(e *entry) {
	e.prev = nil
	e.next = c.head

	if c.head != nil {
		c.head.prev = e
	}

	c.head = e

	if c.tail == nil {
		c.tail = e
	}
}

func (c *DiffCache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}

	e.prev = nil
	e.next = nil
}

func (c *DiffCache) removeEntry(e *entry) {
	c.unlink(e)
	delete(c.entries, e.key)
}
