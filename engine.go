package sketch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oxtoacart/bpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/sketch/cache"
	"github.com/meigma/sketch/cache/disk"
	"github.com/meigma/sketch/cache/memory"
	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/decode/stdimage"
	"github.com/meigma/sketch/fetch/file"
	sketchhttp "github.com/meigma/sketch/fetch/http"
	"github.com/meigma/sketch/pool"
	"github.com/meigma/sketch/raster"
)

const (
	copyBufferSize = 32 << 10

	downloadAppVersion = "download-1"
	resultAppVersion   = "result-1"
)

// Engine loads images through the component pipeline and the cache tiers.
//
// Concurrent submits with the same memory key share one load. The engine is
// safe for concurrent use.
type Engine struct {
	// configuration, set by options
	userRegistry       *component.Registry
	noDefaults         bool
	memoryMaxBytes     int64
	poolMaxBytes       int64
	trimFractions      *[3]float64
	downloadDir        string
	downloadMaxBytes   int64
	resultDir          string
	resultMaxBytes     int64
	compression        zstd.EncoderLevel
	decodeConcurrency  int
	ioConcurrency      int
	preloadConcurrency int
	progressInterval   time.Duration
	maxFetchBytes      int64
	logger             *slog.Logger

	registry           *component.Registry
	decodeInterceptors []component.DecodeInterceptor
	memory             *memory.Cache
	pool               *pool.Pool
	download           *disk.Cache
	result             *disk.Cache
	cpu                *semaphore.Weighted
	io                 *semaphore.Weighted
	downloads          singleflight.Group
	buffers            *bpool.BytePool

	// watchers maps a download key to the flights waiting on it.
	watchMu  sync.Mutex
	watchers map[string]map[*flight]struct{}

	wg      sync.WaitGroup
	mu      sync.Mutex
	flights map[string]*flight
	closed  bool
}

// flight is one shared load. handles is guarded by Engine.mu.
type flight struct {
	key      string
	req      Request
	ctx      context.Context
	cancel   context.CancelFunc
	handles  map[*Handle]struct{}
	progress *throttle
	started  time.Time
}

// New creates an Engine.
//
// Without WithRegistry the engine loads file paths, file:// and http(s) URLs
// and decodes the standard image formats. Disk tiers are only enabled by
// WithCacheDir, WithDownloadCache or WithResultCache.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		memoryMaxBytes:     DefaultMemoryCacheSize,
		poolMaxBytes:       DefaultPoolSize,
		decodeConcurrency:  runtime.GOMAXPROCS(0),
		ioConcurrency:      DefaultIOConcurrency,
		preloadConcurrency: DefaultPreloadConcurrency,
		progressInterval:   DefaultProgressInterval,
		maxFetchBytes:      DefaultMaxFetchBytes,
		flights:            make(map[string]*flight),
		watchers:           make(map[string]map[*flight]struct{}),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	log := e.log()

	e.pool = pool.New(e.poolMaxBytes, pool.WithLogger(log))
	memOpts := []memory.Option{memory.WithLogger(log)}
	if e.trimFractions != nil {
		memOpts = append(memOpts, memory.WithTrimFractions(e.trimFractions[0], e.trimFractions[1], e.trimFractions[2]))
	}
	mem, err := memory.New(e.memoryMaxBytes, memOpts...)
	if err != nil {
		return nil, err
	}
	e.memory = mem

	if e.downloadDir != "" {
		e.download, err = disk.Open(e.downloadDir, e.diskOptions(e.downloadMaxBytes, downloadAppVersion)...)
		if err != nil {
			return nil, fmt.Errorf("open download cache: %w", err)
		}
	}
	if e.resultDir != "" {
		e.result, err = disk.Open(e.resultDir, e.diskOptions(e.resultMaxBytes, resultAppVersion)...)
		if err != nil {
			if e.download != nil {
				_ = e.download.Close()
			}
			return nil, fmt.Errorf("open result cache: %w", err)
		}
	}

	base := &component.Registry{}
	if !e.noDefaults {
		base = DefaultRegistry()
	}
	e.registry = component.Merge(base, e.userRegistry)
	e.decodeInterceptors = append(e.registry.DecodeInterceptors(),
		e.resultCacheInterceptor(),
		e.transformInterceptor(),
	)

	e.cpu = semaphore.NewWeighted(int64(e.decodeConcurrency))
	e.io = semaphore.NewWeighted(int64(e.ioConcurrency))
	e.buffers = bpool.NewBytePool(e.ioConcurrency, copyBufferSize)
	return e, nil
}

// DefaultRegistry returns the built-in components: the file and HTTP
// fetchers and the standard image decoder.
func DefaultRegistry() *component.Registry {
	return component.NewBuilder().
		AddFetcher(file.New()).
		AddFetcher(sketchhttp.New()).
		AddDecoder(stdimage.New()).
		Build()
}

func (e *Engine) diskOptions(maxBytes int64, appVersion string) []disk.Option {
	opts := []disk.Option{
		disk.WithMaxBytes(maxBytes),
		disk.WithAppVersion(appVersion),
		disk.WithLogger(e.log()),
	}
	if e.compression != 0 {
		opts = append(opts, disk.WithCompression(e.compression))
	}
	return opts
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Registry returns the effective component registry.
func (e *Engine) Registry() *component.Registry {
	return e.registry
}

// Memory returns the memory cache.
func (e *Engine) Memory() *memory.Cache {
	return e.memory
}

// Pool returns the bitmap pool.
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// DownloadCache returns the download tier, or nil when disabled.
func (e *Engine) DownloadCache() *disk.Cache {
	return e.download
}

// ResultCache returns the result tier, or nil when disabled.
func (e *Engine) ResultCache() *disk.Cache {
	return e.result
}

// InFlight returns the number of loads currently running.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.flights)
}

// Submit starts loading req and returns immediately.
//
// A memory cache hit completes the handle before Submit returns. Otherwise
// the handle joins the load already running for the same key, or starts
// one. Canceling ctx cancels the handle.
func (e *Engine) Submit(ctx context.Context, req Request, listeners ...Listener) *Handle {
	h := newHandle(e, req, listeners)
	h.start()

	if ctx.Err() != nil {
		h.finish(StateCanceled, nil, ErrCanceled)
		return h
	}
	if req.MemoryPolicy().Read {
		if v, ok := e.memoryHit(h.key); ok {
			e.deliverHit(h, v)
			return h
		}
	}
	if req.Depth() == DepthMemory {
		h.fail(&LoadError{Stage: StageFetch, URI: req.URI(), Err: ErrDepth})
		return h
	}

	v, err := e.attach(h)
	switch {
	case err != nil:
		h.fail(err)
		return h
	case v != nil:
		e.deliverHit(h, v)
		return h
	}
	h.setStop(context.AfterFunc(ctx, h.Cancel))
	return h
}

// Execute loads req and waits for the result. The caller must Release the
// result.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	h := e.Submit(ctx, req)
	<-h.Done()
	return h.Result()
}

// Preload loads reqs into the caches, running at most the preload
// concurrency at once. Results are released immediately. The returned error
// joins every failure.
func (e *Engine) Preload(ctx context.Context, reqs ...Request) error {
	var g errgroup.Group
	g.SetLimit(e.preloadConcurrency)

	errs := make([]error, len(reqs))
	for i, req := range reqs {
		g.Go(func() error {
			res, err := e.Execute(ctx, req)
			if err != nil {
				errs[i] = err
				return nil
			}
			res.Release()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines record errors in errs
	return errors.Join(errs...)
}

// Trim releases memory held by the memory cache and the bitmap pool.
func (e *Engine) Trim(level cache.TrimLevel) {
	for _, t := range []cache.Trimmer{e.memory, e.pool} {
		t.Trim(level)
	}
	e.log().Debug("trimmed caches",
		slog.String("level", level.String()),
		slog.Int64("memory_bytes", e.memory.Size()),
		slog.Int64("pool_bytes", e.pool.Size()),
	)
}

// Close cancels every running load, waits for them and closes the disk
// caches. Handles still waiting finish with ErrCanceled.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, f := range e.flights {
		f.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	var errs []error
	for _, c := range []*disk.Cache{e.download, e.result} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	e.memory.Clear()
	e.pool.Clear()
	return errors.Join(errs...)
}

// memoryHit returns the cached value for key with a display reference the
// caller must release.
func (e *Engine) memoryHit(key string) (*memory.Value, bool) {
	mh, ok := e.memory.Open(key)
	if !ok {
		return nil, false
	}
	v := mh.Value()
	v.Retain()
	_ = mh.Close()
	return v, true
}

// deliverHit completes h with a value obtained from memoryHit.
func (e *Engine) deliverHit(h *Handle, v *memory.Value) {
	h.succeed(v, FromMemoryCache)
	v.Release()
}

// attach adds h to the flight for its key, starting one when none runs. A
// retained value is returned instead when a flight for the key finished
// since the memory lookup in Submit.
func (e *Engine) attach(h *Handle) (*memory.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	f, ok := e.flights[h.key]
	if !ok {
		if h.req.MemoryPolicy().Read {
			if v, ok := e.memoryHit(h.key); ok {
				return v, nil
			}
		}
		f = e.startFlightLocked(h.key, h.req)
	}
	f.handles[h] = struct{}{}
	h.setFlight(f)
	return nil, nil
}

func (e *Engine) startFlightLocked(key string, req Request) *flight {
	ctx, cancel := context.WithCancel(context.Background())
	f := &flight{
		key:     key,
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[*Handle]struct{}),
		started: time.Now(),
	}
	f.progress = newThrottle(e.progressInterval, func(p Progress) {
		for _, h := range e.handlesOf(f) {
			h.progress(p)
		}
	})
	e.flights[key] = f
	e.wg.Add(1)
	go e.run(f)
	e.log().Debug("load started", slog.String("key", key))
	return f
}

// detach removes h from its flight and cancels the flight when h was the
// last handle waiting on it.
func (e *Engine) detach(h *Handle) {
	f := h.currentFlight()
	if f == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(f.handles, h)
	if len(f.handles) == 0 && e.flights[f.key] == f {
		delete(e.flights, f.key)
		f.cancel()
		e.log().Debug("load canceled", slog.String("key", f.key))
	}
}

func (e *Engine) handlesOf(f *flight) []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	handles := make([]*Handle, 0, len(f.handles))
	for h := range f.handles {
		handles = append(handles, h)
	}
	return handles
}

func (e *Engine) run(f *flight) {
	defer e.wg.Done()
	defer f.cancel()

	res, err := e.load(f)
	e.complete(f, res, err)
}

// complete publishes the outcome of f. A successful result enters the
// memory cache before the flight leaves the table, so later submits hit.
func (e *Engine) complete(f *flight, res *DecodeResult, err error) {
	log := e.log().With(slog.String("key", f.key))
	f.progress.stop()

	if err == nil && f.ctx.Err() != nil {
		e.recycle(res.Bitmap)
		err = ErrCanceled
	}

	var value *memory.Value
	if err == nil {
		value = memory.NewValue(res.Bitmap, res.Metadata(), e.recycle)
		// Held until every handle has taken its own reference, so an
		// eviction in between cannot recycle the bitmap.
		value.Retain()
		if f.req.MemoryPolicy().Write && !e.memory.Put(f.key, value) {
			log.Debug("result not cached in memory", slog.Int64("bytes", value.Size()))
		}
	}

	e.mu.Lock()
	if e.flights[f.key] == f {
		delete(e.flights, f.key)
	}
	handles := make([]*Handle, 0, len(f.handles))
	for h := range f.handles {
		handles = append(handles, h)
	}
	clear(f.handles)
	e.mu.Unlock()

	for _, h := range handles {
		if err != nil {
			h.fail(err)
			continue
		}
		h.succeed(value, res.From)
	}
	if value != nil {
		value.Release()
	}

	elapsed := time.Since(f.started)
	switch {
	case err == nil:
		log.Debug("load finished",
			slog.String("from", res.From.String()),
			slog.Int("handles", len(handles)),
			slog.Duration("elapsed", elapsed),
		)
	case errors.Is(err, context.Canceled):
		log.Debug("load canceled", slog.Duration("elapsed", elapsed))
	default:
		log.Warn("load failed", slog.Any("error", err), slog.Duration("elapsed", elapsed))
	}
}

func (e *Engine) recycle(bm *raster.Bitmap) bool {
	return e.pool.Put(bm)
}
