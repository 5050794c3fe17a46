// Package memory provides the in-memory cache of decoded images.
//
// The cache is a byte-budgeted LRU keyed by request key. Entries can be
// pinned with Open; pinned entries are never evicted. Values leaving the
// cache are un-cached after the cache lock is released, which may return
// their bitmap to a pool when no consumer is displaying them.
package memory

import (
	"container/list"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/meigma/sketch/cache"
)

// DefaultMaxBytes is the budget used when none is configured.
const DefaultMaxBytes int64 = 64 << 20

// Default trim fractions, as a share of the current size.
const (
	DefaultTrimLow      = 0.25
	DefaultTrimModerate = 0.5
	DefaultTrimCritical = 1.0
)

// ErrInvalidTrimFraction is returned when a trim fraction is outside [0, 1].
var ErrInvalidTrimFraction = errors.New("memory: trim fraction must be within [0, 1]")

// Interface compliance.
var (
	_ cache.Trimmer = (*Cache)(nil)
	_ cache.Sized   = (*Cache)(nil)
)

// Cache is an LRU of decoded images bounded by total byte size.
// It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	trim   [3]float64
	logger *slog.Logger
}

type node struct {
	key   string
	value *Value
	pins  int

	// detached is set once the node left the index while still pinned;
	// the value is un-cached when the last pin closes.
	detached bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for eviction diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTrimFractions sets the share of the current size released by Trim at
// each level.
func WithTrimFractions(low, moderate, critical float64) Option {
	return func(c *Cache) {
		c.trim = [3]float64{low, moderate, critical}
	}
}

// New creates a memory cache holding at most maxBytes.
// A non-positive maxBytes selects DefaultMaxBytes.
func New(maxBytes int64, opts ...Option) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	c := &Cache{
		maxBytes: maxBytes,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		trim:     [3]float64{DefaultTrimLow, DefaultTrimModerate, DefaultTrimCritical},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	for _, f := range c.trim {
		if f < 0 || f > 1 {
			return nil, ErrInvalidTrimFraction
		}
	}
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Put stores v under key and reports whether it was accepted.
//
// Put rejects values larger than the whole budget, and values that would
// only fit by evicting pinned entries. Otherwise least recently used entries
// are evicted until the cache is back within budget.
func (c *Cache) Put(key string, v *Value) bool {
	if v == nil {
		return false
	}
	c.mu.Lock()
	if v.Size() > c.maxBytes {
		c.mu.Unlock()
		c.log().Debug("memory cache rejected oversized value", "key", key, "size", v.Size(), "max", c.maxBytes)
		return false
	}

	var replaced *list.Element
	if elem, ok := c.entries[key]; ok {
		n := elem.Value.(*node) //nolint:errcheck // type is guaranteed by Put
		if n.value == v {
			c.order.MoveToFront(elem)
			c.mu.Unlock()
			return true
		}
		replaced = elem
	}

	// Everything that could be freed without touching pinned entries.
	need := c.size + v.Size() - c.maxBytes
	if replaced != nil {
		n := replaced.Value.(*node) //nolint:errcheck // type is guaranteed by Put
		need -= n.value.Size()
	}
	if need > 0 && c.evictableLocked(replaced) < need {
		c.mu.Unlock()
		c.log().Debug("memory cache rejected value, pinned entries exceed budget", "key", key, "size", v.Size())
		return false
	}

	var released []*Value
	if replaced != nil {
		if r := c.detachLocked(replaced); r != nil {
			released = append(released, r)
		}
	}
	v.setCached(true)
	c.entries[key] = c.order.PushFront(&node{key: key, value: v})
	c.size += v.Size()
	released = append(released, c.evictLocked(c.maxBytes)...)
	c.mu.Unlock()

	c.uncache(released)
	return true
}

// Get returns the value stored under key and marks it most recently used.
//
// The returned value is not pinned; use Open to guarantee it stays cached
// while reading, or Retain it.
func (c *Cache) Get(key string) (*Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*node).value, true //nolint:errcheck // type is guaranteed by Put
}

// Open returns a handle pinning the entry stored under key.
// The entry is not evicted until the handle is closed.
func (c *Cache) Open(key string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	n := elem.Value.(*node) //nolint:errcheck // type is guaranteed by Put
	n.pins++
	return &Handle{c: c, n: n}, true
}

// Remove deletes the entry stored under key and returns its value.
// A pinned value stays cached until its last handle closes.
func (c *Cache) Remove(key string) (*Value, bool) {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	n := elem.Value.(*node) //nolint:errcheck // type is guaranteed by Put
	released := c.detachLocked(elem)
	c.mu.Unlock()

	if released != nil {
		released.setCached(false)
	}
	return n.value, true
}

// Trim evicts unpinned entries in response to memory pressure.
// Each level releases its configured fraction of the current size.
func (c *Cache) Trim(level cache.TrimLevel) {
	idx := int(level)
	if idx >= len(c.trim) {
		idx = len(c.trim) - 1
	}
	c.mu.Lock()
	target := c.size - int64(float64(c.size)*c.trim[idx])
	before := c.size
	released := c.evictLocked(target)
	after := c.size
	c.mu.Unlock()

	c.uncache(released)
	c.log().Debug("memory cache trimmed", "level", level.String(), "before", before, "after", after)
}

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Size returns the bytes held by cached values.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the byte budget.
func (c *Cache) MaxSize() int64 {
	return c.maxBytes
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes every entry. Pinned values stay cached until their handles close.
func (c *Cache) Clear() {
	c.mu.Lock()
	var released []*Value
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if v := c.detachLocked(elem); v != nil {
			released = append(released, v)
		}
		elem = next
	}
	c.mu.Unlock()
	c.uncache(released)
}

// evictLocked removes unpinned entries, oldest first, until size <= target.
// Caller must hold c.mu and pass the result to uncache after unlocking.
func (c *Cache) evictLocked(target int64) []*Value {
	var released []*Value
	for elem := c.order.Back(); elem != nil && c.size > target; {
		prev := elem.Prev()
		n := elem.Value.(*node) //nolint:errcheck // type is guaranteed by Put
		if n.pins == 0 {
			c.log().Debug("memory cache evicted", "key", n.key, "size", n.value.Size())
			if v := c.detachLocked(elem); v != nil {
				released = append(released, v)
			}
		}
		elem = prev
	}
	return released
}

// evictableLocked returns the bytes held by unpinned entries other than skip.
func (c *Cache) evictableLocked(skip *list.Element) int64 {
	var total int64
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		if elem == skip {
			continue
		}
		n := elem.Value.(*node) //nolint:errcheck // type is guaranteed by Put
		if n.pins == 0 {
			total += n.value.Size()
		}
	}
	return total
}

// detachLocked removes elem from the index. It returns the value to un-cache
// now, or nil when the node is still pinned.
func (c *Cache) detachLocked(elem *list.Element) *Value {
	n := elem.Value.(*node) //nolint:errcheck // type is guaranteed by Put
	c.order.Remove(elem)
	delete(c.entries, n.key)
	c.size -= n.value.Size()
	if n.pins > 0 {
		n.detached = true
		return nil
	}
	return n.value
}

// holdsLocked reports whether v was re-inserted after its node was detached.
func (c *Cache) holdsLocked(v *Value) bool {
	for _, elem := range c.entries {
		if elem.Value.(*node).value == v { //nolint:errcheck // type is guaranteed by Put
			return true
		}
	}
	return false
}

func (c *Cache) uncache(values []*Value) {
	for _, v := range values {
		v.setCached(false)
	}
}

// Handle pins a cache entry. Close releases the pin.
type Handle struct {
	c    *Cache
	n    *node
	once sync.Once
}

// Value returns the pinned value.
func (h *Handle) Value() *Value {
	return h.n.value
}

// Key returns the key the handle was opened with.
func (h *Handle) Key() string {
	return h.n.key
}

// Close releases the pin. It is safe to call more than once.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.c.mu.Lock()
		h.n.pins--
		release := h.n.pins == 0 && h.n.detached && !h.c.holdsLocked(h.n.value)
		h.c.mu.Unlock()
		if release {
			h.n.value.setCached(false)
		}
	})
	return nil
}
