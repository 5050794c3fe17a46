// Package pool recycles decoded pixel buffers so repeated decodes of
// same-shaped images do not allocate.
//
// Buffers are grouped into buckets by exact (width, height, format). A single
// least-recently-returned order spans all buckets and is used to stay within
// the pool's byte budget.
package pool

import (
	"log/slog"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/meigma/sketch/cache"
	"github.com/meigma/sketch/raster"
)

// DefaultMaxBytes is the pool budget used when none is configured.
const DefaultMaxBytes int64 = 32 << 20

// bucketKey identifies buffers that can be used interchangeably.
type bucketKey struct {
	width  int
	height int
	format raster.Format
}

func keyOf(b *raster.Bitmap) bucketKey {
	return bucketKey{width: b.Width, height: b.Height, format: b.Format}
}

// Stats reports pool activity counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Puts      uint64
	Rejected  uint64
	Evictions uint64
}

// Pool is a byte-budgeted, bucketed free-list of bitmaps.
// The pool is safe for concurrent use.
type Pool struct {
	mu           sync.Mutex
	maxBytes     int64
	maxPerBucket int
	size         int64
	buckets      map[bucketKey][]*raster.Bitmap
	order        *simplelru.LRU[*raster.Bitmap, bucketKey] // oldest = least recently returned
	stats        Stats
	logger       *slog.Logger
}

// Interface compliance.
var (
	_ raster.Allocator = (*Pool)(nil)
	_ cache.Trimmer    = (*Pool)(nil)
	_ cache.Sized      = (*Pool)(nil)
)

// Option configures a Pool.
type Option func(*Pool)

// WithMaxPerBucket limits how many buffers a single bucket retains.
// Values <= 0 disable the limit.
func WithMaxPerBucket(n int) Option {
	return func(p *Pool) {
		p.maxPerBucket = n
	}
}

// WithLogger sets the logger for pool operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a pool that retains at most maxBytes of pixel data.
// A maxBytes <= 0 uses DefaultMaxBytes.
func New(maxBytes int64, opts ...Option) *Pool {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	p := &Pool{
		maxBytes: maxBytes,
		buckets:  make(map[bucketKey][]*raster.Bitmap),
	}
	for _, opt := range opts {
		opt(p)
	}
	// Capacity is enforced in bytes below, so the entry-count limit is unbounded.
	order, err := simplelru.NewLRU[*raster.Bitmap, bucketKey](math.MaxInt32, nil)
	if err != nil {
		panic(err)
	}
	p.order = order
	return p
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Get returns a zeroed buffer matching the exact shape, or nil if none is pooled.
func (p *Pool) Get(width, height int, format raster.Format) *raster.Bitmap {
	key := bucketKey{width: width, height: height, format: format}

	p.mu.Lock()
	bucket := p.buckets[key]
	if len(bucket) == 0 {
		p.stats.Misses++
		p.mu.Unlock()
		return nil
	}
	b := bucket[len(bucket)-1]
	p.setBucketLocked(key, bucket[:len(bucket)-1])
	p.order.Remove(b)
	p.size -= b.ByteCount()
	p.stats.Hits++
	p.mu.Unlock()

	b.Clear()
	return b
}

// Put offers b for reuse and reports whether it was retained.
//
// Buffers larger than the whole budget, duplicates, and buffers for a full
// bucket are dropped. Accepting a buffer evicts the least recently returned
// buffers across all buckets until the pool is within budget.
func (p *Pool) Put(b *raster.Bitmap) bool {
	if b == nil || len(b.Pix) == 0 {
		return false
	}
	n := b.ByteCount()
	key := keyOf(b)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n > p.maxBytes || p.order.Contains(b) {
		p.stats.Rejected++
		return false
	}
	bucket := p.buckets[key]
	if p.maxPerBucket > 0 && len(bucket) >= p.maxPerBucket {
		p.stats.Rejected++
		return false
	}

	p.buckets[key] = append(bucket, b)
	p.order.Add(b, key)
	p.size += n
	p.stats.Puts++
	p.evictLocked(p.maxBytes)
	return true
}

// Size returns the total bytes currently pooled.
func (p *Pool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// MaxSize returns the pool's byte budget.
func (p *Pool) MaxSize() int64 {
	return p.maxBytes
}

// Len returns the number of pooled buffers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Trim releases pooled buffers in response to memory pressure.
// TrimLow halves the pool, higher levels empty it.
func (p *Pool) Trim(level cache.TrimLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := int64(0)
	if level == cache.TrimLow {
		target = p.size / 2
	}
	before := p.size
	p.evictLocked(target)
	p.log().Debug("pool trimmed", "level", level, "before", before, "after", p.size)
}

// Clear drops every pooled buffer.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked(0)
}

// evictLocked drops least recently returned buffers until size <= target.
// Caller must hold p.mu.
func (p *Pool) evictLocked(target int64) {
	for p.size > target {
		b, key, ok := p.order.RemoveOldest()
		if !ok {
			break
		}
		p.removeFromBucketLocked(key, b)
		p.size -= b.ByteCount()
		p.stats.Evictions++
	}
}

// removeFromBucketLocked removes b from its bucket.
// Caller must hold p.mu.
func (p *Pool) removeFromBucketLocked(key bucketKey, b *raster.Bitmap) {
	bucket := p.buckets[key]
	for i, candidate := range bucket {
		if candidate == b {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	p.setBucketLocked(key, bucket)
}

// setBucketLocked stores bucket under key, deleting empty buckets.
// Caller must hold p.mu.
func (p *Pool) setBucketLocked(key bucketKey, bucket []*raster.Bitmap) {
	if len(bucket) == 0 {
		delete(p.buckets, key)
		return
	}
	p.buckets[key] = bucket
}
