// Package component defines the pluggable pieces of the loading pipeline and
// the immutable Registry that orders them.
//
// A Registry holds fetcher factories, decoder factories and two kinds of
// interceptors. Resolution is a linear scan: the first factory whose Accepts
// returns true wins. Registries are built with a Builder and never change
// afterwards, so they can be shared freely between goroutines.
package component

import (
	"context"

	"github.com/meigma/sketch/internal/loadtype"
	"github.com/meigma/sketch/raster"
)

// Fetcher produces the raw bytes of one request.
type Fetcher interface {
	Fetch(ctx context.Context) (*loadtype.FetchResult, error)
}

// FetcherFactory creates fetchers for the requests it accepts.
//
// Key identifies the factory for registry equality and diagnostics; it never
// enters a cache key.
type FetcherFactory interface {
	Key() string
	Accepts(req loadtype.Request) bool
	Create(req loadtype.Request) (Fetcher, error)
}

// RemoteFetcher is implemented by fetchers, or their factories, that reach
// the network. Remote sources are wrapped by the download cache and are
// refused at loadtype.DepthLocal.
type RemoteFetcher interface {
	Remote() bool
}

// IsRemote reports whether v declares itself remote.
func IsRemote(v any) bool {
	r, ok := v.(RemoteFetcher)
	return ok && r.Remote()
}

// Decoder turns fetched bytes into a bitmap.
type Decoder interface {
	Decode(ctx context.Context) (*loadtype.DecodeResult, error)
}

// DecoderFactory creates decoders for the fetched data it accepts.
// Decoders should allocate their output through alloc so buffers are reused.
type DecoderFactory interface {
	Key() string
	Accepts(req loadtype.Request, fetched *loadtype.FetchResult) bool
	Create(req loadtype.Request, fetched *loadtype.FetchResult, alloc raster.Allocator) (Decoder, error)
}

// RequestChain is passed to a RequestInterceptor.
type RequestChain interface {
	Context() context.Context
	Request() loadtype.Request

	// Proceed runs the rest of the pipeline for req.
	Proceed(req loadtype.Request) (*loadtype.DecodeResult, error)
}

// RequestInterceptor wraps the whole load of a request. It may rewrite the
// request, short-circuit with its own result, or post-process the result.
type RequestInterceptor interface {
	Key() string
	Intercept(chain RequestChain) (*loadtype.DecodeResult, error)
}

// DecodeChain is passed to a DecodeInterceptor.
type DecodeChain interface {
	Context() context.Context
	Request() loadtype.Request
	Allocator() raster.Allocator

	// Proceed runs the remaining interceptors and the decode itself.
	Proceed() (*loadtype.DecodeResult, error)
}

// DecodeInterceptor wraps the decode stage. Resizing, transformations and
// the result cache are implemented as decode interceptors.
type DecodeInterceptor interface {
	Key() string
	Intercept(chain DecodeChain) (*loadtype.DecodeResult, error)
}
