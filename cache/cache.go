// Package cache holds the vocabulary shared by sketch's cache tiers.
//
// The tiers themselves live in subpackages:
//
//   - memory: decoded images, byte-budgeted LRU with pinning handles
//   - disk: journaled byte blobs that survive restarts
//
// The pixel-buffer pool in package pool responds to the same trim levels.
package cache

// TrimLevel expresses how aggressively a cache should release memory.
type TrimLevel uint8

// Trim levels, from mild to complete.
const (
	TrimLow TrimLevel = iota
	TrimModerate
	TrimCritical
)

// String returns the string representation of the level.
func (l TrimLevel) String() string {
	switch l {
	case TrimLow:
		return "low"
	case TrimModerate:
		return "moderate"
	case TrimCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseTrimLevel parses the output of TrimLevel.String.
func ParseTrimLevel(s string) (TrimLevel, bool) {
	switch s {
	case "low":
		return TrimLow, true
	case "moderate":
		return TrimModerate, true
	case "critical":
		return TrimCritical, true
	default:
		return 0, false
	}
}

// Trimmer releases memory on request.
//
// Implementations must be safe for concurrent use.
type Trimmer interface {
	Trim(level TrimLevel)
}

// Sized reports a byte budget and current usage.
type Sized interface {
	// Size returns the bytes currently held.
	Size() int64

	// MaxSize returns the configured budget.
	MaxSize() int64
}
