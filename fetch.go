package sketch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/meigma/sketch/cache/disk"
	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/internal/sizing"
)

const (
	// mimeKeySuffix names the download cache entry holding a body's mime type.
	mimeKeySuffix = "#mime"
	maxMimeBytes  = 256
)

var (
	errBodyTooLarge = errors.New("fetched body exceeds limit")
	errNotCached    = errors.New("download not kept by cache")
)

// download is the shared outcome of storing one remote body.
type download struct {
	mime   string
	length int64
	// data holds the body when it could not be stored in the cache.
	data []byte
}

// fetch resolves a fetcher for req and returns data a decoder can open more
// than once. Remote bodies go through the download tier when it is enabled.
func (e *Engine) fetch(ctx context.Context, f *flight, req Request) (*FetchResult, error) {
	uri := req.URI()
	factory, ok := e.registry.ResolveFetcher(req)
	if !ok {
		return nil, &LoadError{Stage: StageFetch, URI: uri, Err: ErrNoComponent}
	}

	remote := component.IsRemote(factory)
	cached := remote && e.download != nil
	if cached && req.DownloadPolicy().Read {
		if fetched, ok := e.readDownload(req.DownloadKey()); ok {
			return fetched, nil
		}
	}
	if remote && req.Depth() >= DepthLocal {
		return nil, &LoadError{Stage: StageFetch, URI: uri, Err: ErrDepth}
	}
	if cached && req.DownloadPolicy().Write {
		return e.sharedDownload(ctx, f, req, factory)
	}
	return e.fetchDirect(ctx, f, req, factory)
}

// fetchDirect runs the fetcher without the download tier. One-shot bodies
// are buffered so the decoder can reopen them.
func (e *Engine) fetchDirect(ctx context.Context, f *flight, req Request, factory component.FetcherFactory) (*FetchResult, error) {
	uri := req.URI()
	if err := e.io.Acquire(ctx, 1); err != nil {
		return nil, StageErr(StageFetch, uri, err)
	}
	defer e.io.Release(1)
	fetched, err := runFetcher(ctx, req, factory)
	if err != nil {
		return nil, err
	}
	stream, ok := fetched.Source.(*StreamSource)
	if !ok {
		return fetched, nil
	}

	rc, err := stream.Open()
	if err != nil {
		return nil, StageErr(StageFetch, uri, err)
	}
	defer rc.Close()
	data, err := e.readBody(ctx, f.progress.report, rc, fetched.ContentLength)
	if err != nil {
		return nil, StageErr(StageFetch, uri, err)
	}
	return &FetchResult{
		Source:        &BytesSource{Data: data, Origin: stream.From()},
		MimeType:      fetched.MimeType,
		ContentLength: int64(len(data)),
	}, nil
}

func runFetcher(ctx context.Context, req Request, factory component.FetcherFactory) (*FetchResult, error) {
	fetcher, err := factory.Create(req)
	if err != nil {
		return nil, StageErr(StageFetch, req.URI(), err)
	}
	fetched, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, StageErr(StageFetch, req.URI(), err)
	}
	if fetched == nil || fetched.Source == nil {
		return nil, &LoadError{Stage: StageFetch, URI: req.URI(), Err: errors.New("fetcher returned no data")}
	}
	return fetched, nil
}

// readDownload serves a body from the download tier. Read failures are
// logged and reported as a miss.
func (e *Engine) readDownload(key string) (*FetchResult, bool) {
	snap, err := e.download.Get(key)
	if err != nil {
		if !errors.Is(err, disk.ErrNotFound) {
			e.log().Warn("download cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	length := snap.Size()
	if e.compression != 0 {
		length = -1
	}
	return &FetchResult{
		Source:        &diskSource{cache: e.download, key: key, origin: FromDownloadCache, first: snap},
		MimeType:      e.readMime(key),
		ContentLength: length,
	}, true
}

func (e *Engine) readMime(key string) string {
	snap, err := e.download.Get(key + mimeKeySuffix)
	if err != nil {
		return ""
	}
	defer snap.Close()
	b, err := sizing.ReadAllWithLimit(snap, maxMimeBytes, errBodyTooLarge)
	if err != nil {
		return ""
	}
	return string(b)
}

// sharedDownload stores the remote body in the download tier. Loads of
// different memory keys with the same download key share one download, and
// every one of them receives its progress.
//
// The stored entry is pinned with a snapshot before the decoder runs. A body
// the tier could not keep is fetched again without it.
func (e *Engine) sharedDownload(ctx context.Context, f *flight, req Request, factory component.FetcherFactory) (*FetchResult, error) {
	key := req.DownloadKey()
	unwatch := e.watchDownload(key, f)
	defer unwatch()
	for {
		v, err, _ := e.downloads.Do(key, func() (any, error) {
			return e.downloadToCache(ctx, req, factory)
		})
		if err != nil {
			// The leading load was canceled; retry unless this one was too.
			if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			if errors.Is(err, errNotCached) {
				unwatch()
				e.log().Debug("download not kept by cache, fetching directly", slog.String("key", key))
				return e.fetchDirect(ctx, f, req, factory)
			}
			return nil, err
		}
		d := v.(*download) //nolint:forcetypeassert // Do only returns *download
		if d.data != nil {
			return &FetchResult{
				Source:        &BytesSource{Data: d.data, Origin: FromNetwork},
				MimeType:      d.mime,
				ContentLength: d.length,
			}, nil
		}
		snap, err := e.download.Get(key)
		if errors.Is(err, disk.ErrNotFound) {
			unwatch()
			e.log().Debug("download evicted before decode, fetching directly", slog.String("key", key))
			return e.fetchDirect(ctx, f, req, factory)
		}
		if err != nil {
			return nil, &LoadError{Stage: StageFetch, URI: req.URI(), Err: fmt.Errorf("%w: %w", ErrCacheIO, err)}
		}
		return &FetchResult{
			Source:        &diskSource{cache: e.download, key: key, origin: FromNetwork, first: snap},
			MimeType:      d.mime,
			ContentLength: d.length,
		}, nil
	}
}

func (e *Engine) downloadToCache(ctx context.Context, req Request, factory component.FetcherFactory) (*download, error) {
	uri := req.URI()
	key := req.DownloadKey()
	report := func(p Progress) { e.reportDownload(key, p) }
	if err := e.io.Acquire(ctx, 1); err != nil {
		return nil, StageErr(StageFetch, uri, err)
	}
	defer e.io.Release(1)

	fetched, err := runFetcher(ctx, req, factory)
	if err != nil {
		return nil, err
	}
	rc, err := fetched.Source.Open()
	if err != nil {
		return nil, StageErr(StageFetch, uri, err)
	}
	defer rc.Close()

	var ed *disk.Editor
	if limit := e.download.MaxSize(); limit > 0 && fetched.ContentLength > limit {
		err = fmt.Errorf("%d bytes: %w", fetched.ContentLength, disk.ErrTooLarge)
	} else {
		ed, err = e.download.Edit(key)
	}
	if err != nil {
		e.log().Debug("download cache unavailable, buffering in memory",
			slog.String("key", key), slog.Any("error", err))
		data, err := e.readBody(ctx, report, rc, fetched.ContentLength)
		if err != nil {
			return nil, StageErr(StageFetch, uri, err)
		}
		return &download{mime: fetched.MimeType, length: int64(len(data)), data: data}, nil
	}

	n, err := e.copyBody(ctx, report, ed, rc, fetched.ContentLength)
	if err != nil {
		_ = ed.Abort()
		return nil, StageErr(StageFetch, uri, err)
	}
	if err := ed.Commit(); err != nil {
		if errors.Is(err, disk.ErrTooLarge) {
			return nil, errNotCached
		}
		return nil, &LoadError{Stage: StageFetch, URI: uri, Err: fmt.Errorf("%w: %w", ErrCacheIO, err)}
	}
	e.writeMime(key, fetched.MimeType)
	return &download{mime: fetched.MimeType, length: n}, nil
}

// watchDownload routes progress of the shared download stored under key to
// f until the returned func is called.
func (e *Engine) watchDownload(key string, f *flight) func() {
	e.watchMu.Lock()
	fl := e.watchers[key]
	if fl == nil {
		fl = make(map[*flight]struct{})
		e.watchers[key] = fl
	}
	fl[f] = struct{}{}
	e.watchMu.Unlock()

	return sync.OnceFunc(func() {
		e.watchMu.Lock()
		delete(fl, f)
		if len(fl) == 0 {
			delete(e.watchers, key)
		}
		e.watchMu.Unlock()
	})
}

func (e *Engine) reportDownload(key string, p Progress) {
	e.watchMu.Lock()
	throttles := make([]*throttle, 0, len(e.watchers[key]))
	for f := range e.watchers[key] {
		throttles = append(throttles, f.progress)
	}
	e.watchMu.Unlock()
	for _, t := range throttles {
		t.report(p)
	}
}

func (e *Engine) writeMime(key, mime string) {
	if mime == "" || len(mime) > maxMimeBytes {
		return
	}
	ed, err := e.download.Edit(key + mimeKeySuffix)
	if err != nil {
		return
	}
	if _, err := io.WriteString(ed, mime); err != nil {
		_ = ed.Abort()
		return
	}
	if err := ed.Commit(); err != nil {
		e.log().Warn("mime commit failed", slog.String("key", key), slog.Any("error", err))
	}
}

// readBody buffers a one-shot body in memory, bounded by maxFetchBytes.
func (e *Engine) readBody(ctx context.Context, report func(Progress), r io.Reader, total int64) ([]byte, error) {
	if total > e.maxFetchBytes {
		return nil, errBodyTooLarge
	}
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	w := &limitWriter{w: &buf, n: e.maxFetchBytes}
	if _, err := e.copyBody(ctx, report, w, r, total); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// copyBody copies r to w in pooled chunks, checking ctx before every read and
// reporting progress after every write.
func (e *Engine) copyBody(ctx context.Context, report func(Progress), w io.Writer, r io.Reader, total int64) (int64, error) {
	buf := e.buffers.Get()
	defer e.buffers.Put(buf)

	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		nr, rerr := r.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, werr
			}
			report(Progress{TotalBytes: total, CompletedBytes: n})
		}
		if errors.Is(rerr, io.EOF) {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

type limitWriter struct {
	w io.Writer
	n int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.n {
		return 0, errBodyTooLarge
	}
	l.n -= int64(len(p))
	return l.w.Write(p)
}

// diskSource reads a download cache entry. The first Open reuses the
// snapshot taken when the entry was found; later calls take new ones.
type diskSource struct {
	cache  *disk.Cache
	key    string
	origin DataFrom

	mu    sync.Mutex
	first *disk.Snapshot
}

func (s *diskSource) From() DataFrom { return s.origin }

func (s *diskSource) Open() (io.ReadCloser, error) {
	s.mu.Lock()
	snap := s.first
	s.first = nil
	s.mu.Unlock()
	if snap != nil {
		return snap, nil
	}
	return s.cache.Get(s.key)
}

// release closes an unopened first snapshot.
func (s *diskSource) release() {
	s.mu.Lock()
	snap := s.first
	s.first = nil
	s.mu.Unlock()
	if snap != nil {
		_ = snap.Close()
	}
}

// releaseSource frees resources held by sources the decoder did not use.
func releaseSource(src DataSource) {
	switch s := src.(type) {
	case *diskSource:
		s.release()
	case *StreamSource:
		_ = s.Discard()
	}
}
