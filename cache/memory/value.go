package memory

import (
	"sync"

	"github.com/meigma/sketch/internal/loadtype"
	"github.com/meigma/sketch/raster"
)

// RecycleFunc receives a bitmap once nothing references it any more.
// It is typically (*pool.Pool).Put.
type RecycleFunc func(*raster.Bitmap) bool

// Value is a decoded image held by the memory cache.
//
// A Value carries two independent claims on its bitmap: membership in a
// cache, and a display reference count maintained with Retain and Release.
// The bitmap is handed to the recycle func exactly once, and only after the
// value has left the cache and the display count has dropped to zero.
type Value struct {
	bitmap  *raster.Bitmap
	meta    loadtype.Metadata
	size    int64
	recycle RecycleFunc

	mu          sync.Mutex
	cached      bool
	displayRefs int
	recycled    bool
}

// NewValue wraps bm. recycle may be nil.
func NewValue(bm *raster.Bitmap, meta loadtype.Metadata, recycle RecycleFunc) *Value {
	return &Value{
		bitmap:  bm,
		meta:    meta,
		size:    bm.ByteCount(),
		recycle: recycle,
	}
}

// Bitmap returns the decoded pixels. Callers must hold a display reference
// or an open Handle while reading them.
func (v *Value) Bitmap() *raster.Bitmap {
	return v.bitmap
}

// Metadata returns the immutable image metadata.
func (v *Value) Metadata() loadtype.Metadata {
	return v.meta
}

// Size returns the bitmap size in bytes.
func (v *Value) Size() int64 {
	return v.size
}

// Retain records that a consumer started displaying the value.
func (v *Value) Retain() {
	v.mu.Lock()
	v.displayRefs++
	v.mu.Unlock()
}

// Release records that a consumer stopped displaying the value.
// Calls without a matching Retain are ignored.
func (v *Value) Release() {
	v.mu.Lock()
	if v.displayRefs == 0 {
		v.mu.Unlock()
		return
	}
	v.displayRefs--
	bm := v.takeRecyclableLocked()
	v.mu.Unlock()
	v.recycleBitmap(bm)
}

// Discard recycles the bitmap of a value nobody holds: not cached and not
// displayed. It reports whether the bitmap was recycled.
func (v *Value) Discard() bool {
	v.mu.Lock()
	bm := v.takeRecyclableLocked()
	v.mu.Unlock()
	v.recycleBitmap(bm)
	return bm != nil
}

// DisplayRefs returns the current display reference count.
func (v *Value) DisplayRefs() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.displayRefs
}

// Cached reports whether the value is currently a member of a cache.
func (v *Value) Cached() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cached
}

// Recycled reports whether the bitmap has been handed to the recycle func.
func (v *Value) Recycled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recycled
}

// setCached must not be called while holding the cache lock when cached is
// false, since it may invoke the recycle func.
func (v *Value) setCached(cached bool) {
	v.mu.Lock()
	v.cached = cached
	var bm *raster.Bitmap
	if !cached {
		bm = v.takeRecyclableLocked()
	}
	v.mu.Unlock()
	v.recycleBitmap(bm)
}

func (v *Value) takeRecyclableLocked() *raster.Bitmap {
	if v.cached || v.displayRefs > 0 || v.recycled {
		return nil
	}
	v.recycled = true
	return v.bitmap
}

func (v *Value) recycleBitmap(bm *raster.Bitmap) {
	if bm == nil || v.recycle == nil {
		return
	}
	v.recycle(bm)
}
