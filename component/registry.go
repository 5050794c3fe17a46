package component

import (
	"slices"

	"github.com/meigma/sketch/internal/loadtype"
)

// Registry is an immutable, ordered set of components.
// The zero value is an empty registry.
type Registry struct {
	fetchers            []FetcherFactory
	decoders            []DecoderFactory
	requestInterceptors []RequestInterceptor
	decodeInterceptors  []DecodeInterceptor
}

// ResolveFetcher returns the first fetcher factory that accepts req.
func (r *Registry) ResolveFetcher(req loadtype.Request) (FetcherFactory, bool) {
	if r == nil {
		return nil, false
	}
	for _, f := range r.fetchers {
		if f.Accepts(req) {
			return f, true
		}
	}
	return nil, false
}

// ResolveDecoder returns the first decoder factory that accepts the fetched data.
func (r *Registry) ResolveDecoder(req loadtype.Request, fetched *loadtype.FetchResult) (DecoderFactory, bool) {
	if r == nil {
		return nil, false
	}
	for _, d := range r.decoders {
		if d.Accepts(req, fetched) {
			return d, true
		}
	}
	return nil, false
}

// Fetchers returns the fetcher factories in resolution order.
func (r *Registry) Fetchers() []FetcherFactory {
	if r == nil {
		return nil
	}
	return slices.Clone(r.fetchers)
}

// Decoders returns the decoder factories in resolution order.
func (r *Registry) Decoders() []DecoderFactory {
	if r == nil {
		return nil
	}
	return slices.Clone(r.decoders)
}

// RequestInterceptors returns the request interceptors, outermost first.
func (r *Registry) RequestInterceptors() []RequestInterceptor {
	if r == nil {
		return nil
	}
	return slices.Clone(r.requestInterceptors)
}

// DecodeInterceptors returns the decode interceptors, outermost first.
func (r *Registry) DecodeInterceptors() []DecodeInterceptor {
	if r == nil {
		return nil
	}
	return slices.Clone(r.decodeInterceptors)
}

// Len returns the total number of registered components.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fetchers) + len(r.decoders) + len(r.requestInterceptors) + len(r.decodeInterceptors)
}

// NewBuilder returns a Builder seeded with r's components.
func (r *Registry) NewBuilder() *Builder {
	b := &Builder{}
	if r != nil {
		b.reg = r.clone()
	}
	return b
}

func (r *Registry) clone() Registry {
	return Registry{
		fetchers:            slices.Clone(r.fetchers),
		decoders:            slices.Clone(r.decoders),
		requestInterceptors: slices.Clone(r.requestInterceptors),
		decodeInterceptors:  slices.Clone(r.decodeInterceptors),
	}
}

// Equal reports whether a and b hold the same components, by key, in the
// same order.
func Equal(a, b *Registry) bool {
	if a == nil {
		a = &Registry{}
	}
	if b == nil {
		b = &Registry{}
	}
	return slices.Equal(keysOf(a.fetchers), keysOf(b.fetchers)) &&
		slices.Equal(keysOf(a.decoders), keysOf(b.decoders)) &&
		slices.Equal(keysOf(a.requestInterceptors), keysOf(b.requestInterceptors)) &&
		slices.Equal(keysOf(a.decodeInterceptors), keysOf(b.decodeInterceptors))
}

type keyed interface {
	Key() string
}

func keysOf[T keyed](items []T) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key()
	}
	return keys
}

// Merge returns a registry holding extra's components followed by base's,
// so extra takes precedence during resolution and its interceptors run
// outermost. Neither input is modified.
func Merge(base, extra *Registry) *Registry {
	if base == nil {
		base = &Registry{}
	}
	if extra == nil {
		extra = &Registry{}
	}
	return &Registry{
		fetchers:            slices.Concat(extra.fetchers, base.fetchers),
		decoders:            slices.Concat(extra.decoders, base.decoders),
		requestInterceptors: slices.Concat(extra.requestInterceptors, base.requestInterceptors),
		decodeInterceptors:  slices.Concat(extra.decodeInterceptors, base.decodeInterceptors),
	}
}

// Builder accumulates components for a Registry.
// A Builder is not safe for concurrent use.
type Builder struct {
	reg Registry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddFetcher appends a fetcher factory.
func (b *Builder) AddFetcher(f FetcherFactory) *Builder {
	b.reg.fetchers = append(b.reg.fetchers, f)
	return b
}

// AddDecoder appends a decoder factory.
func (b *Builder) AddDecoder(d DecoderFactory) *Builder {
	b.reg.decoders = append(b.reg.decoders, d)
	return b
}

// AddRequestInterceptor appends a request interceptor.
func (b *Builder) AddRequestInterceptor(i RequestInterceptor) *Builder {
	b.reg.requestInterceptors = append(b.reg.requestInterceptors, i)
	return b
}

// AddDecodeInterceptor appends a decode interceptor.
func (b *Builder) AddDecodeInterceptor(i DecodeInterceptor) *Builder {
	b.reg.decodeInterceptors = append(b.reg.decodeInterceptors, i)
	return b
}

// Build returns an immutable Registry. The Builder may keep being used;
// later additions do not affect registries already built.
func (b *Builder) Build() *Registry {
	r := b.reg.clone()
	return &r
}
