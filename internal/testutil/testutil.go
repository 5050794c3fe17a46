// Package testutil provides counting fake components and image fixtures.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/internal/loadtype"
	"github.com/meigma/sketch/raster"
)

// ErrMissing is returned by Fetcher for identifiers without data.
var ErrMissing = errors.New("testutil: no data for identifier")

// EncodePNG returns a w x h PNG whose pixels encode their coordinates.
func EncodePNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x40, A: 0xff}) //nolint:gosec // fixture values wrap
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Fetcher is a FetcherFactory serving in-memory data for identifiers with a
// given prefix. It counts fetches and can block them on a gate.
type Fetcher struct {
	Name   string
	Prefix string

	// Network marks the fetcher as remote.
	Network bool

	// Stream returns bodies as one-shot sources, like an HTTP response.
	Stream bool

	// ChunkSize splits stream bodies into reads of at most this many bytes.
	ChunkSize int

	// UnknownLength reports a content length of -1.
	UnknownLength bool

	MimeType string

	mu    sync.Mutex
	data  map[string][]byte
	err   error
	gate  chan struct{}
	calls atomic.Int64
	seen  chan string
}

// NewFetcher returns a Fetcher for identifiers starting with prefix.
func NewFetcher(prefix string) *Fetcher {
	return &Fetcher{
		Name:     "testutil.fetcher",
		Prefix:   prefix,
		MimeType: "image/png",
		data:     make(map[string][]byte),
		seen:     make(chan string, 64),
	}
}

// Set stores the data served for uri.
func (f *Fetcher) Set(uri string, data []byte) *Fetcher {
	f.mu.Lock()
	f.data[uri] = data
	f.mu.Unlock()
	return f
}

// Fail makes every fetch return err. A nil err restores normal behaviour.
func (f *Fetcher) Fail(err error) *Fetcher {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	return f
}

// Block makes fetches wait until Release is called or their context ends.
func (f *Fetcher) Block() *Fetcher {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
	return f
}

// Release unblocks fetches waiting since Block.
func (f *Fetcher) Release() {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Started receives the identifier of every fetch once it begins.
func (f *Fetcher) Started() <-chan string {
	return f.seen
}

// Calls returns the number of fetches started.
func (f *Fetcher) Calls() int {
	return int(f.calls.Load())
}

// Key implements component.FetcherFactory.
func (f *Fetcher) Key() string { return f.Name }

// Accepts implements component.FetcherFactory.
func (f *Fetcher) Accepts(req loadtype.Request) bool {
	return strings.HasPrefix(req.URI(), f.Prefix)
}

// Create implements component.FetcherFactory.
func (f *Fetcher) Create(req loadtype.Request) (component.Fetcher, error) {
	return &fetcher{f: f, uri: req.URI()}, nil
}

// Remote implements component.RemoteFetcher.
func (f *Fetcher) Remote() bool { return f.Network }

type fetcher struct {
	f   *Fetcher
	uri string
}

func (x *fetcher) Remote() bool { return x.f.Network }

func (x *fetcher) Fetch(ctx context.Context) (*loadtype.FetchResult, error) {
	f := x.f
	f.calls.Add(1)
	select {
	case f.seen <- x.uri:
	default:
	}

	f.mu.Lock()
	gate, err := f.gate, f.err
	data, ok := f.data[x.uri]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", x.uri, ErrMissing)
	}

	origin := loadtype.FromLocal
	if f.Network {
		origin = loadtype.FromNetwork
	}
	res := &loadtype.FetchResult{MimeType: f.MimeType, ContentLength: int64(len(data))}
	if f.UnknownLength {
		res.ContentLength = -1
	}
	if f.Stream {
		var r io.Reader = bytes.NewReader(data)
		if f.ChunkSize > 0 {
			r = &chunkReader{r: r, n: f.ChunkSize}
		}
		res.Source = loadtype.NewStreamSource(io.NopCloser(r), origin)
	} else {
		res.Source = &loadtype.BytesSource{Data: data, Origin: origin}
	}
	return res, nil
}

type chunkReader struct {
	r io.Reader
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

// Decoder is a DecoderFactory decoding PNG data. It counts decodes and can
// be made to fail.
type Decoder struct {
	Name string

	mu    sync.Mutex
	err   error
	calls atomic.Int64
}

// NewDecoder returns a Decoder accepting every fetched result.
func NewDecoder() *Decoder {
	return &Decoder{Name: "testutil.decoder"}
}

// Fail makes every decode return err. A nil err restores normal behaviour.
func (d *Decoder) Fail(err error) *Decoder {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	return d
}

// Calls returns the number of decodes run.
func (d *Decoder) Calls() int {
	return int(d.calls.Load())
}

// Key implements component.DecoderFactory.
func (d *Decoder) Key() string { return d.Name }

// Accepts implements component.DecoderFactory.
func (d *Decoder) Accepts(loadtype.Request, *loadtype.FetchResult) bool { return true }

// Create implements component.DecoderFactory.
func (d *Decoder) Create(req loadtype.Request, fetched *loadtype.FetchResult, alloc raster.Allocator) (component.Decoder, error) {
	return &decoder{d: d, req: req, fetched: fetched, alloc: alloc}, nil
}

type decoder struct {
	d       *Decoder
	req     loadtype.Request
	fetched *loadtype.FetchResult
	alloc   raster.Allocator
}

func (x *decoder) Decode(ctx context.Context) (*loadtype.DecodeResult, error) {
	x.d.calls.Add(1)
	x.d.mu.Lock()
	err := x.d.err
	x.d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc, err := x.fetched.Source.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, err := png.Decode(rc)
	if err != nil {
		return nil, err
	}
	bm, err := raster.FromImage(img, x.req.Format(), x.alloc)
	if err != nil {
		return nil, err
	}
	return &loadtype.DecodeResult{
		Bitmap: bm,
		Info:   raster.Info{Width: bm.Width, Height: bm.Height, MimeType: "image/png"},
	}, nil
}

// Registry returns a registry holding f and d.
func Registry(f *Fetcher, d *Decoder) *component.Registry {
	return component.NewBuilder().AddFetcher(f).AddDecoder(d).Build()
}
