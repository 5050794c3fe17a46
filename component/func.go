package component

import (
	"context"

	"github.com/meigma/sketch/internal/loadtype"
	"github.com/meigma/sketch/raster"
)

// FetcherFunc adapts plain functions into a FetcherFactory.
type FetcherFunc struct {
	Name string

	// Match selects the requests handled. Nil matches every request.
	Match func(req loadtype.Request) bool

	Fetch func(ctx context.Context, req loadtype.Request) (*loadtype.FetchResult, error)

	// Network marks the fetcher as remote.
	Network bool
}

// Key implements FetcherFactory.
func (f *FetcherFunc) Key() string { return f.Name }

// Accepts implements FetcherFactory.
func (f *FetcherFunc) Accepts(req loadtype.Request) bool {
	return f.Match == nil || f.Match(req)
}

// Create implements FetcherFactory.
func (f *FetcherFunc) Create(req loadtype.Request) (Fetcher, error) {
	return &funcFetcher{fn: f.Fetch, req: req, remote: f.Network}, nil
}

// Remote implements RemoteFetcher.
func (f *FetcherFunc) Remote() bool { return f.Network }

type funcFetcher struct {
	fn     func(context.Context, loadtype.Request) (*loadtype.FetchResult, error)
	req    loadtype.Request
	remote bool
}

func (f *funcFetcher) Fetch(ctx context.Context) (*loadtype.FetchResult, error) {
	return f.fn(ctx, f.req)
}

func (f *funcFetcher) Remote() bool { return f.remote }

// DecoderFunc adapts plain functions into a DecoderFactory.
type DecoderFunc struct {
	Name string

	// Match selects the fetched data handled. Nil matches everything.
	Match func(req loadtype.Request, fetched *loadtype.FetchResult) bool

	Decode func(ctx context.Context, req loadtype.Request, fetched *loadtype.FetchResult, alloc raster.Allocator) (*loadtype.DecodeResult, error)
}

// Key implements DecoderFactory.
func (d *DecoderFunc) Key() string { return d.Name }

// Accepts implements DecoderFactory.
func (d *DecoderFunc) Accepts(req loadtype.Request, fetched *loadtype.FetchResult) bool {
	return d.Match == nil || d.Match(req, fetched)
}

// Create implements DecoderFactory.
func (d *DecoderFunc) Create(req loadtype.Request, fetched *loadtype.FetchResult, alloc raster.Allocator) (Decoder, error) {
	return &funcDecoder{fn: d.Decode, req: req, fetched: fetched, alloc: alloc}, nil
}

type funcDecoder struct {
	fn      func(context.Context, loadtype.Request, *loadtype.FetchResult, raster.Allocator) (*loadtype.DecodeResult, error)
	req     loadtype.Request
	fetched *loadtype.FetchResult
	alloc   raster.Allocator
}

func (d *funcDecoder) Decode(ctx context.Context) (*loadtype.DecodeResult, error) {
	return d.fn(ctx, d.req, d.fetched, d.alloc)
}

// DecodeInterceptorFunc adapts a function into a DecodeInterceptor.
type DecodeInterceptorFunc struct {
	Name string
	Fn   func(chain DecodeChain) (*loadtype.DecodeResult, error)
}

// Key implements DecodeInterceptor.
func (i *DecodeInterceptorFunc) Key() string { return i.Name }

// Intercept implements DecodeInterceptor.
func (i *DecodeInterceptorFunc) Intercept(chain DecodeChain) (*loadtype.DecodeResult, error) {
	return i.Fn(chain)
}

// RequestInterceptorFunc adapts a function into a RequestInterceptor.
type RequestInterceptorFunc struct {
	Name string
	Fn   func(chain RequestChain) (*loadtype.DecodeResult, error)
}

// Key implements RequestInterceptor.
func (i *RequestInterceptorFunc) Key() string { return i.Name }

// Intercept implements RequestInterceptor.
func (i *RequestInterceptorFunc) Intercept(chain RequestChain) (*loadtype.DecodeResult, error) {
	return i.Fn(chain)
}
