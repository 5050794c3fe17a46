package sketch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sketch/cache"
	"github.com/meigma/sketch/internal/testutil"
	"github.com/meigma/sketch/raster"
)

func newTestEngine(t *testing.T, f *testutil.Fetcher, d *testutil.Decoder, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithoutDefaultComponents(),
		WithRegistry(testutil.Registry(f, d)),
		WithProgressInterval(0),
	}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// recorder collects listener callbacks in order.
type recorder struct {
	mu       sync.Mutex
	events   []string
	progress []Progress
	result   *Result
	err      error
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) OnStart(*Handle) { r.add("start") }

func (r *recorder) OnProgress(_ *Handle, p Progress) {
	r.mu.Lock()
	r.events = append(r.events, "progress")
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *recorder) OnSuccess(_ *Handle, res *Result) {
	r.mu.Lock()
	r.events = append(r.events, "success")
	r.result = res
	r.mu.Unlock()
}

func (r *recorder) OnError(_ *Handle, err error) {
	r.mu.Lock()
	r.events = append(r.events, "error")
	r.err = err
	r.mu.Unlock()
}

func (r *recorder) OnCancel(*Handle) { r.add("cancel") }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) terminals() int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev == "success" || ev == "error" || ev == "cancel" {
			n++
		}
	}
	return n
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("handle %s did not finish", h.ID())
	}
}

func waitStarted(t *testing.T, f *testutil.Fetcher) string {
	t.Helper()
	select {
	case uri := <-f.Started():
		return uri
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not start")
		return ""
	}
}

func TestSubmitSharesOneLoadPerKey(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8)).Block()
	d := testutil.NewDecoder()
	e := newTestEngine(t, f, d)

	const n = 8
	req := NewRequest("img://A")
	handles := make([]*Handle, n)
	recorders := make([]*recorder, n)
	for i := range n {
		recorders[i] = &recorder{}
		handles[i] = e.Submit(context.Background(), req, recorders[i])
	}
	waitStarted(t, f)
	assert.Equal(t, 1, e.InFlight())
	f.Release()

	var first *raster.Bitmap
	for i, h := range handles {
		waitDone(t, h)
		res, err := h.Result()
		require.NoError(t, err)
		assert.Equal(t, StateSuccess, h.State())
		assert.Equal(t, []string{"start", "success"}, recorders[i].snapshot())
		if first == nil {
			first = res.Bitmap()
		}
		assert.Same(t, first, res.Bitmap())
		res.Release()
	}
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 1, d.Calls())
	assert.Equal(t, 0, e.InFlight())
}

func TestSecondSubmitIsServedFromMemory(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8))
	d := testutil.NewDecoder()
	e := newTestEngine(t, f, d)

	res, err := e.Execute(context.Background(), NewRequest("img://A"))
	require.NoError(t, err)
	assert.Equal(t, FromLocal, res.From())
	res.Release()
	assert.Equal(t, 1, e.Memory().Len())

	rec := &recorder{}
	h := e.Submit(context.Background(), NewRequest("img://A"), rec)
	assert.Equal(t, StateSuccess, h.State(), "memory hits complete synchronously")
	select {
	case <-h.Done():
	default:
		t.Fatal("memory hit handle must be done on return")
	}
	hit, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, FromMemoryCache, hit.From())
	assert.Equal(t, FromLocal, hit.Metadata().From)
	assert.Equal(t, []string{"start", "success"}, rec.snapshot())
	hit.Release()

	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 1, d.Calls())
}

func TestDistinctOptionsAreDistinctLoads(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8))
	d := testutil.NewDecoder()
	e := newTestEngine(t, f, d)

	small, err := e.Execute(context.Background(), NewRequest("img://A",
		WithSize(4, 4), WithPrecision(PrecisionExactly)))
	require.NoError(t, err)
	defer small.Release()
	full, err := e.Execute(context.Background(), NewRequest("img://A"))
	require.NoError(t, err)
	defer full.Release()

	assert.Equal(t, 4, small.Bitmap().Width)
	assert.Equal(t, []string{"resize(4x4)"}, small.Metadata().Transformations)
	assert.Equal(t, 8, small.Metadata().Info.Width)
	assert.Equal(t, 8, full.Bitmap().Width)
	assert.Equal(t, 2, d.Calls())
	assert.Equal(t, 2, e.Memory().Len())
}

func TestCancelLastHandleCancelsLoad(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8)).Block()
	d := testutil.NewDecoder()
	e := newTestEngine(t, f, d)

	rec := &recorder{}
	h := e.Submit(context.Background(), NewRequest("img://A"), rec)
	waitStarted(t, f)

	h.Cancel()
	waitDone(t, h)
	assert.Equal(t, StateCanceled, h.State())
	assert.Equal(t, 0, e.InFlight())
	_, err := h.Result()
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)

	h.Cancel()
	assert.Equal(t, []string{"start", "cancel"}, rec.snapshot())
	f.Release()
	assert.Equal(t, 0, d.Calls())
	assert.Equal(t, 0, e.Memory().Len())
}

func TestCancelOneHandleKeepsSharedLoad(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8)).Block()
	d := testutil.NewDecoder()
	e := newTestEngine(t, f, d)

	req := NewRequest("img://A")
	first := e.Submit(context.Background(), req)
	second := e.Submit(context.Background(), req)
	waitStarted(t, f)

	first.Cancel()
	assert.Equal(t, StateCanceled, first.State())
	assert.Equal(t, 1, e.InFlight())

	f.Release()
	waitDone(t, second)
	res, err := second.Result()
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 1, d.Calls())
}

func TestContextCancelCancelsHandle(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8)).Block()
	e := newTestEngine(t, f, testutil.NewDecoder())

	ctx, cancel := context.WithCancel(context.Background())
	h := e.Submit(ctx, NewRequest("img://A"))
	waitStarted(t, f)
	cancel()

	waitDone(t, h)
	assert.Equal(t, StateCanceled, h.State())
	f.Release()

	done, stop := context.WithCancel(context.Background())
	stop()
	_, err := e.Execute(done, NewRequest("img://A"))
	assert.ErrorIs(t, err, ErrCanceled)
}

type failingTransformation struct{}

func (failingTransformation) Key() string { return "fail" }

func (failingTransformation) Transform(context.Context, *raster.Bitmap, raster.Allocator) (*raster.Bitmap, error) {
	return nil, errors.New("transform boom")
}

func TestStageErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name    string
		setup   func(f *testutil.Fetcher, d *testutil.Decoder)
		req     Request
		stage   error
		wrapped error
	}{
		{
			name:    "fetch",
			setup:   func(f *testutil.Fetcher, _ *testutil.Decoder) { f.Fail(boom) },
			req:     NewRequest("img://A"),
			stage:   ErrFetch,
			wrapped: boom,
		},
		{
			name:    "no fetcher",
			req:     NewRequest("other://A"),
			stage:   ErrFetch,
			wrapped: ErrNoComponent,
		},
		{
			name:    "decode",
			setup:   func(_ *testutil.Fetcher, d *testutil.Decoder) { d.Fail(boom) },
			req:     NewRequest("img://A"),
			stage:   ErrDecode,
			wrapped: boom,
		},
		{
			name:  "transform",
			req:   NewRequest("img://A", WithTransformations(failingTransformation{})),
			stage: ErrTransform,
		},
		{
			name:    "memory depth",
			req:     NewRequest("img://A", WithDepth(DepthMemory)),
			stage:   ErrFetch,
			wrapped: ErrDepth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(4, 4))
			d := testutil.NewDecoder()
			if tt.setup != nil {
				tt.setup(f, d)
			}
			e := newTestEngine(t, f, d)

			rec := &recorder{}
			h := e.Submit(context.Background(), tt.req, rec)
			waitDone(t, h)
			_, err := h.Result()
			require.Error(t, err)
			assert.Equal(t, StateError, h.State())
			assert.ErrorIs(t, err, tt.stage)
			if tt.wrapped != nil {
				assert.ErrorIs(t, err, tt.wrapped)
			}
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.req.URI(), le.URI)
			assert.Equal(t, []string{"start", "error"}, rec.snapshot())
			assert.Equal(t, 0, e.Memory().Len(), "failures are never cached")
		})
	}
}

func TestProgressEventsAreOrderedAndMonotonic(t *testing.T) {
	t.Parallel()

	data := testutil.EncodePNG(16, 16)
	f := testutil.NewFetcher("img://").Set("img://A", data)
	f.Stream = true
	f.ChunkSize = 16
	e := newTestEngine(t, f, testutil.NewDecoder())

	rec := &recorder{}
	h := e.Submit(context.Background(), NewRequest("img://A"), rec)
	waitDone(t, h)

	events := rec.snapshot()
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "start", events[0])
	assert.Equal(t, "success", events[len(events)-1])
	assert.Equal(t, 1, rec.terminals())
	for _, ev := range events[1 : len(events)-1] {
		assert.Equal(t, "progress", ev)
	}

	var last int64 = -1
	for _, p := range rec.progress {
		assert.GreaterOrEqual(t, p.CompletedBytes, last)
		assert.Equal(t, int64(len(data)), p.TotalBytes)
		last = p.CompletedBytes
	}
	assert.Equal(t, int64(len(data)), last)
	rec.result.Release()
}

func TestMemoryPolicyDisabled(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(4, 4))
	d := testutil.NewDecoder()
	e := newTestEngine(t, f, d)

	req := NewRequest("img://A", WithMemoryPolicy(CacheDisabled))
	for range 2 {
		res, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
		res.Release()
	}
	assert.Equal(t, 2, d.Calls())
	assert.Equal(t, 0, e.Memory().Len())
	assert.Equal(t, 1, e.Pool().Len(), "released uncached bitmaps are recycled")
}

func TestDepthLocalRefusesNetwork(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(4, 4))
	f.Network = true
	e := newTestEngine(t, f, testutil.NewDecoder())

	_, err := e.Execute(context.Background(), NewRequest("img://A", WithDepth(DepthLocal)))
	require.ErrorIs(t, err, ErrDepth)
	assert.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, 0, f.Calls())
}

func TestDownloadCacheSurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8))
	f.Network = true
	f.Stream = true
	d := testutil.NewDecoder()

	e1, err := New(WithoutDefaultComponents(), WithRegistry(testutil.Registry(f, d)), WithCacheDir(dir))
	require.NoError(t, err)
	res, err := e1.Execute(context.Background(), NewRequest("img://A"))
	require.NoError(t, err)
	assert.Equal(t, FromNetwork, res.From())
	res.Release()
	require.NoError(t, e1.Close())

	e2, err := New(WithoutDefaultComponents(), WithRegistry(testutil.Registry(f, d)), WithCacheDir(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	res, err = e2.Execute(context.Background(), NewRequest("img://A", WithDepth(DepthLocal)))
	require.NoError(t, err)
	assert.Equal(t, FromDownloadCache, res.From())
	assert.Equal(t, "image/png", res.Metadata().Info.MimeType)
	res.Release()
	assert.Equal(t, 1, f.Calls())
}

func TestResultCacheSurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8))
	d := testutil.NewDecoder()
	req := NewRequest("img://A", WithSize(4, 4), WithPrecision(PrecisionExactly))

	e1, err := New(WithoutDefaultComponents(), WithRegistry(testutil.Registry(f, d)), WithCacheDir(dir))
	require.NoError(t, err)
	res, err := e1.Execute(context.Background(), req)
	require.NoError(t, err)
	want := append([]byte(nil), res.Bitmap().Pix...)
	res.Release()
	require.NoError(t, e1.Close())

	e2, err := New(WithoutDefaultComponents(), WithRegistry(testutil.Registry(f, d)), WithCacheDir(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	res, err = e2.Execute(context.Background(), req)
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, FromResultCache, res.From())
	assert.Equal(t, want, res.Bitmap().Pix)
	assert.Equal(t, []string{"resize(4x4)"}, res.Metadata().Transformations)
	assert.Equal(t, 8, res.Metadata().Info.Width)
	assert.Equal(t, 1, d.Calls())
	assert.Equal(t, 1, f.Calls())
}

func TestDownloadSharedAcrossKeys(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8)).Block()
	f.Network = true
	f.Stream = true
	d := testutil.NewDecoder()
	e := newTestEngine(t, f, d, WithCacheDir(t.TempDir()))

	small := e.Submit(context.Background(), NewRequest("img://A", WithSize(2, 2), WithPrecision(PrecisionExactly)))
	large := e.Submit(context.Background(), NewRequest("img://A", WithSize(4, 4), WithPrecision(PrecisionExactly)))
	waitStarted(t, f)
	assert.Equal(t, 2, e.InFlight())
	time.Sleep(50 * time.Millisecond)
	f.Release()

	for _, h := range []*Handle{small, large} {
		waitDone(t, h)
		res, err := h.Result()
		require.NoError(t, err)
		res.Release()
	}
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 2, d.Calls())
}

func TestEvictionDuringDeliveryKeepsSharedBitmap(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(8, 8)).Block()
	e := newTestEngine(t, f, testutil.NewDecoder())

	var first atomic.Bool
	l := ListenerFuncs{
		Success: func(_ *Handle, r *Result) {
			if first.CompareAndSwap(false, true) {
				r.Release()
				e.Memory().Trim(cache.TrimCritical)
			}
		},
	}
	req := NewRequest("img://A")
	a := e.Submit(context.Background(), req, l)
	b := e.Submit(context.Background(), req, l)
	waitStarted(t, f)
	f.Release()
	waitDone(t, a)
	waitDone(t, b)
	require.True(t, first.Load())

	var live *Result
	for _, h := range []*Handle{a, b} {
		res, err := h.Result()
		require.NoError(t, err)
		if !res.released.Load() {
			live = res
		}
	}
	require.NotNil(t, live)
	assert.False(t, live.value.Recycled())
	assert.Equal(t, 0, e.Memory().Len())
	assert.Equal(t, 0, e.Pool().Len())

	live.Release()
	assert.True(t, live.value.Recycled())
	assert.Equal(t, 1, e.Pool().Len())
}

func TestDownloadProgressReachesEveryWaitingLoad(t *testing.T) {
	t.Parallel()

	data := testutil.EncodePNG(16, 16)
	f := testutil.NewFetcher("img://").Set("img://A", data).Block()
	f.Network = true
	f.Stream = true
	f.ChunkSize = 32
	e := newTestEngine(t, f, testutil.NewDecoder(), WithCacheDir(t.TempDir()))

	small, large := &recorder{}, &recorder{}
	hs := e.Submit(context.Background(), NewRequest("img://A", WithSize(2, 2), WithPrecision(PrecisionExactly)), small)
	hl := e.Submit(context.Background(), NewRequest("img://A", WithSize(4, 4), WithPrecision(PrecisionExactly)), large)
	waitStarted(t, f)
	time.Sleep(50 * time.Millisecond)
	f.Release()
	waitDone(t, hs)
	waitDone(t, hl)
	require.Equal(t, 1, f.Calls())

	for _, rec := range []*recorder{small, large} {
		rec.mu.Lock()
		progress := append([]Progress(nil), rec.progress...)
		rec.mu.Unlock()
		require.NotEmpty(t, progress)
		assert.Equal(t, int64(len(data)), progress[len(progress)-1].CompletedBytes)
		rec.result.Release()
	}
}

func TestDownloadLargerThanCacheIsStillLoaded(t *testing.T) {
	t.Parallel()

	data := testutil.EncodePNG(8, 8)
	tests := []struct {
		name          string
		unknownLength bool
		wantCalls     int
	}{
		{name: "known length is buffered", wantCalls: 1},
		{name: "unknown length is fetched again", unknownLength: true, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := testutil.NewFetcher("img://").Set("img://A", data)
			f.Network = true
			f.Stream = true
			f.UnknownLength = tt.unknownLength
			e := newTestEngine(t, f, testutil.NewDecoder(), WithDownloadCache(t.TempDir(), int64(len(data)/2)))

			res, err := e.Execute(context.Background(), NewRequest("img://A"))
			require.NoError(t, err)
			assert.Equal(t, FromNetwork, res.From())
			assert.Equal(t, 8, res.Bitmap().Width)
			res.Release()
			assert.Equal(t, tt.wantCalls, f.Calls())
			assert.Zero(t, e.download.Len())
		})
	}
}

func TestPreload(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").
		Set("img://A", testutil.EncodePNG(2, 2)).
		Set("img://B", testutil.EncodePNG(3, 3)).
		Set("img://C", testutil.EncodePNG(4, 4))
	e := newTestEngine(t, f, testutil.NewDecoder(), WithPreloadConcurrency(2))

	err := e.Preload(context.Background(),
		NewRequest("img://A"), NewRequest("img://B"), NewRequest("img://C"), NewRequest("img://missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrMissing)
	assert.Equal(t, 3, e.Memory().Len())
}

func TestTrimFansOut(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(4, 4))
	e := newTestEngine(t, f, testutil.NewDecoder())

	res, err := e.Execute(context.Background(), NewRequest("img://A"))
	require.NoError(t, err)
	res.Release()
	require.Equal(t, 1, e.Memory().Len())

	e.Memory().Trim(cache.TrimCritical)
	assert.Equal(t, 0, e.Memory().Len())
	assert.Equal(t, 1, e.Pool().Len(), "evicted bitmaps are recycled")

	e.Trim(cache.TrimModerate)
	assert.Equal(t, 0, e.Pool().Len())
	assert.Zero(t, e.Pool().Size())
}

func TestTiersReportBudgets(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://")
	e := newTestEngine(t, f, testutil.NewDecoder(),
		WithMemoryCacheMaxBytes(1<<20),
		WithPoolMaxBytes(1<<19),
		WithDownloadCache(t.TempDir(), 1<<18),
	)

	tiers := []struct {
		name string
		s    cache.Sized
		max  int64
	}{
		{"memory", e.Memory(), 1 << 20},
		{"pool", e.Pool(), 1 << 19},
		{"download", e.download, 1 << 18},
	}
	for _, tier := range tiers {
		assert.Equal(t, tier.max, tier.s.MaxSize(), tier.name)
		assert.Zero(t, tier.s.Size(), tier.name)
	}
}

func TestCloseCancelsRunningLoads(t *testing.T) {
	t.Parallel()

	f := testutil.NewFetcher("img://").Set("img://A", testutil.EncodePNG(4, 4)).Block()
	e, err := New(WithoutDefaultComponents(), WithRegistry(testutil.Registry(f, testutil.NewDecoder())))
	require.NoError(t, err)

	h := e.Submit(context.Background(), NewRequest("img://A"))
	waitStarted(t, f)
	require.NoError(t, e.Close())
	waitDone(t, h)
	assert.Equal(t, StateCanceled, h.State())

	_, err = e.Execute(context.Background(), NewRequest("img://A"))
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, e.Close())
}

func TestListenerMayCancelFromCallback(t *testing.T) {
	t.Parallel()

	data := testutil.EncodePNG(16, 16)
	f := testutil.NewFetcher("img://").Set("img://A", data)
	f.Stream = true
	f.ChunkSize = 8
	e := newTestEngine(t, f, testutil.NewDecoder())

	var mu sync.Mutex
	var events []string
	h := e.Submit(context.Background(), NewRequest("img://A"), ListenerFuncs{
		Progress: func(h *Handle, _ Progress) {
			mu.Lock()
			events = append(events, "progress")
			mu.Unlock()
			h.Cancel()
		},
		Cancel: func(*Handle) {
			mu.Lock()
			events = append(events, "cancel")
			mu.Unlock()
		},
	})
	waitDone(t, h)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateCanceled, h.State())
	require.NotEmpty(t, events)
	assert.Equal(t, "cancel", events[len(events)-1])
	assert.Equal(t, 1, countOf(events, "cancel"))
}

func countOf(events []string, ev string) int {
	n := 0
	for _, e := range events {
		if e == ev {
			n++
		}
	}
	return n
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opt  Option
	}{
		{"memory size", WithMemoryCacheMaxBytes(0)},
		{"pool size", WithPoolMaxBytes(-1)},
		{"trim fraction", WithTrimFractions(0.1, 2, 1)},
		{"decode concurrency", WithDecodeConcurrency(0)},
		{"io concurrency", WithIOConcurrency(-1)},
		{"progress interval", WithProgressInterval(-time.Second)},
		{"cache dir", WithCacheDir("")},
		{"download size", WithDownloadCache(t.TempDir(), -1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, ok := e.Registry().ResolveFetcher(NewRequest("https://example.com/a.png"))
	assert.True(t, ok)
	_, ok = e.Registry().ResolveFetcher(NewRequest("/tmp/a.png"))
	assert.True(t, ok)
	_, ok = e.Registry().ResolveFetcher(NewRequest("img://A"))
	assert.False(t, ok)
	assert.Nil(t, e.DownloadCache())
	assert.Nil(t, e.ResultCache())
}
