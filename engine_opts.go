package sketch

import (
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/sketch/component"
)

// Option configures an Engine.
type Option func(*Engine) error

// Default limits applied by New.
const (
	DefaultMemoryCacheSize   int64 = 64 << 20  // 64 MB
	DefaultPoolSize          int64 = 32 << 20  // 32 MB
	DefaultDownloadCacheSize int64 = 250 << 20 // 250 MB
	DefaultResultCacheSize   int64 = 100 << 20 // 100 MB
	DefaultProgressInterval        = 100 * time.Millisecond
	DefaultIOConcurrency           = 8
	DefaultPreloadConcurrency      = 4
	DefaultMaxFetchBytes     int64 = 64 << 20 // 64 MB
)

// --- Component Options ---

// WithRegistry adds components to the engine. They take precedence over the
// built-in file, HTTP and image components, and their interceptors run
// outermost.
func WithRegistry(reg *component.Registry) Option {
	return func(e *Engine) error {
		e.userRegistry = reg
		return nil
	}
}

// WithoutDefaultComponents drops the built-in fetchers and decoders so only
// the components from WithRegistry are used.
func WithoutDefaultComponents() Option {
	return func(e *Engine) error {
		e.noDefaults = true
		return nil
	}
}

// --- Memory Options ---

// WithMemoryCacheMaxBytes sets the memory cache budget.
func WithMemoryCacheMaxBytes(n int64) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("memory cache size must be positive")
		}
		e.memoryMaxBytes = n
		return nil
	}
}

// WithPoolMaxBytes sets the bitmap pool budget.
func WithPoolMaxBytes(n int64) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("pool size must be positive")
		}
		e.poolMaxBytes = n
		return nil
	}
}

// WithTrimFractions sets the share of the memory cache freed by Trim at each
// level. Each fraction must be in [0, 1].
func WithTrimFractions(low, moderate, critical float64) Option {
	return func(e *Engine) error {
		for _, f := range []float64{low, moderate, critical} {
			if f < 0 || f > 1 {
				return errors.New("trim fractions must be within [0, 1]")
			}
		}
		e.trimFractions = &[3]float64{low, moderate, critical}
		return nil
	}
}

// --- Disk Options ---

// WithCacheDir enables both disk tiers with default sizes in subdirectories
// of dir.
//
// This creates:
//   - dir/download/ - raw fetched bytes (250 MB)
//   - dir/result/   - transformed bitmaps (100 MB)
func WithCacheDir(dir string) Option {
	return func(e *Engine) error {
		if dir == "" {
			return errors.New("cache dir must not be empty")
		}
		e.downloadDir = filepath.Join(dir, "download")
		e.downloadMaxBytes = DefaultDownloadCacheSize
		e.resultDir = filepath.Join(dir, "result")
		e.resultMaxBytes = DefaultResultCacheSize
		return nil
	}
}

// WithDownloadCache enables the download tier in dir with a byte budget.
// A maxBytes of zero means unlimited.
func WithDownloadCache(dir string, maxBytes int64) Option {
	return func(e *Engine) error {
		if dir == "" {
			return errors.New("download cache dir must not be empty")
		}
		if maxBytes < 0 {
			return errors.New("download cache size must be non-negative")
		}
		e.downloadDir = dir
		e.downloadMaxBytes = maxBytes
		return nil
	}
}

// WithResultCache enables the result tier in dir with a byte budget.
// A maxBytes of zero means unlimited.
func WithResultCache(dir string, maxBytes int64) Option {
	return func(e *Engine) error {
		if dir == "" {
			return errors.New("result cache dir must not be empty")
		}
		if maxBytes < 0 {
			return errors.New("result cache size must be non-negative")
		}
		e.resultDir = dir
		e.resultMaxBytes = maxBytes
		return nil
	}
}

// WithDiskCompression stores disk entries zstd-compressed at level.
func WithDiskCompression(level zstd.EncoderLevel) Option {
	return func(e *Engine) error {
		if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
			return errors.New("invalid zstd level")
		}
		e.compression = level
		return nil
	}
}

// --- Scheduling Options ---

// WithDecodeConcurrency bounds concurrent decodes and transformations.
// The default is GOMAXPROCS.
func WithDecodeConcurrency(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("decode concurrency must be positive")
		}
		e.decodeConcurrency = n
		return nil
	}
}

// WithIOConcurrency bounds concurrent fetches and disk reads.
func WithIOConcurrency(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("io concurrency must be positive")
		}
		e.ioConcurrency = n
		return nil
	}
}

// WithPreloadConcurrency bounds the loads Preload runs at once.
func WithPreloadConcurrency(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("preload concurrency must be positive")
		}
		e.preloadConcurrency = n
		return nil
	}
}

// WithProgressInterval sets the minimum time between progress events of one
// load. Zero delivers every event.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return errors.New("progress interval must be non-negative")
		}
		e.progressInterval = d
		return nil
	}
}

// WithMaxFetchBytes bounds how much of a fetched body is buffered in memory
// when the download tier is not used.
func WithMaxFetchBytes(n int64) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("max fetch bytes must be positive")
		}
		e.maxFetchBytes = n
		return nil
	}
}

// --- Observability Options ---

// WithLogger sets the logger for the engine and its caches.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}
