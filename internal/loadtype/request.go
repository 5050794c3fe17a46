package loadtype

import (
	"context"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/meigma/sketch/raster"
)

// Size is the target size of the decoded image in pixels.
// The zero Size keeps the original dimensions.
type Size struct {
	Width  int
	Height int
}

// IsZero reports whether no target size was requested.
func (s Size) IsZero() bool {
	return s.Width <= 0 || s.Height <= 0
}

// String returns "WxH".
func (s Size) String() string {
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
}

// Precision controls how strictly the output honours the target Size.
type Precision uint8

// Precision values.
const (
	// PrecisionLessPixels scales down, keeping the aspect ratio, until the
	// image has no more pixels than the target size.
	PrecisionLessPixels Precision = iota

	// PrecisionSameAspectRatio crops to the target aspect ratio and scales
	// down, never up.
	PrecisionSameAspectRatio

	// PrecisionExactly produces exactly the target size, cropping as needed.
	PrecisionExactly
)

// String returns the string representation of the precision.
func (p Precision) String() string {
	switch p {
	case PrecisionLessPixels:
		return "less_pixels"
	case PrecisionSameAspectRatio:
		return "same_aspect_ratio"
	case PrecisionExactly:
		return "exactly"
	default:
		return "unknown"
	}
}

// Scale selects which region is kept when cropping.
type Scale uint8

// Scale values.
const (
	ScaleCenter Scale = iota
	ScaleStart
	ScaleEnd
	// ScaleFill stretches instead of cropping.
	ScaleFill
)

// String returns the string representation of the scale.
func (s Scale) String() string {
	switch s {
	case ScaleCenter:
		return "center"
	case ScaleStart:
		return "start"
	case ScaleEnd:
		return "end"
	case ScaleFill:
		return "fill"
	default:
		return "unknown"
	}
}

// Depth bounds how far down the pipeline a request may go.
type Depth uint8

// Depth values.
const (
	// DepthNetwork allows every source, including remote fetchers.
	DepthNetwork Depth = iota

	// DepthLocal allows caches and local sources but never remote fetchers.
	DepthLocal

	// DepthMemory only serves requests from the memory cache.
	DepthMemory
)

// String returns the string representation of the depth.
func (d Depth) String() string {
	switch d {
	case DepthNetwork:
		return "network"
	case DepthLocal:
		return "local"
	case DepthMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Transformation rewrites a decoded bitmap.
//
// Key must uniquely identify the transformation and all of its parameters,
// since it becomes part of the cache key.
type Transformation interface {
	Key() string
	Transform(ctx context.Context, src *raster.Bitmap, alloc raster.Allocator) (*raster.Bitmap, error)
}

// Request is an immutable description of one image load.
//
// Create requests with NewRequest. A Request is a value; copying it is cheap
// and safe.
type Request struct {
	uri             string
	size            Size
	precision       Precision
	scale           Scale
	format          raster.Format
	transformations []Transformation
	extras          map[string]string
	memoryPolicy    CachePolicy
	resultPolicy    CachePolicy
	downloadPolicy  CachePolicy
	depth           Depth
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithSize sets the target size. Non-positive values keep the original size.
func WithSize(width, height int) RequestOption {
	return func(r *Request) {
		r.size = Size{Width: width, Height: height}
	}
}

// WithPrecision sets how strictly the target size is honoured.
func WithPrecision(p Precision) RequestOption {
	return func(r *Request) {
		r.precision = p
	}
}

// WithScale sets the crop anchor used when the aspect ratio changes.
func WithScale(s Scale) RequestOption {
	return func(r *Request) {
		r.scale = s
	}
}

// WithFormat sets the preferred pixel format of the decoded bitmap.
func WithFormat(f raster.Format) RequestOption {
	return func(r *Request) {
		r.format = f
	}
}

// WithTransformations appends transformations, applied in order after resizing.
func WithTransformations(t ...Transformation) RequestOption {
	return func(r *Request) {
		r.transformations = append(r.transformations, t...)
	}
}

// WithExtra sets a pixel-affecting parameter that custom decoders or
// interceptors may consume. Extras are part of the cache key.
func WithExtra(key, value string) RequestOption {
	return func(r *Request) {
		if r.extras == nil {
			r.extras = make(map[string]string)
		}
		r.extras[key] = value
	}
}

// WithMemoryPolicy sets the memory cache policy.
func WithMemoryPolicy(p CachePolicy) RequestOption {
	return func(r *Request) {
		r.memoryPolicy = p
	}
}

// WithResultPolicy sets the result (post-transform) disk cache policy.
func WithResultPolicy(p CachePolicy) RequestOption {
	return func(r *Request) {
		r.resultPolicy = p
	}
}

// WithDownloadPolicy sets the download (raw bytes) disk cache policy.
func WithDownloadPolicy(p CachePolicy) RequestOption {
	return func(r *Request) {
		r.downloadPolicy = p
	}
}

// WithDepth limits how far down the pipeline the request may go.
func WithDepth(d Depth) RequestOption {
	return func(r *Request) {
		r.depth = d
	}
}

// NewRequest creates a request for uri.
// Every cache tier is read and written unless an option says otherwise.
func NewRequest(uri string, opts ...RequestOption) Request {
	r := Request{
		uri:            uri,
		memoryPolicy:   CacheEnabled,
		resultPolicy:   CacheEnabled,
		downloadPolicy: CacheEnabled,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&r)
	}
	r.transformations = slices.Clone(r.transformations)
	r.extras = maps.Clone(r.extras)
	return r
}

// NewBuilder returns a copy of r with opts applied on top.
func (r Request) NewBuilder(opts ...RequestOption) Request {
	c := r
	c.transformations = slices.Clone(r.transformations)
	c.extras = maps.Clone(r.extras)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&c)
	}
	return c
}

// URI returns the image identifier.
func (r Request) URI() string { return r.uri }

// Size returns the target size.
func (r Request) Size() Size { return r.size }

// Precision returns the size precision.
func (r Request) Precision() Precision { return r.precision }

// Scale returns the crop anchor.
func (r Request) Scale() Scale { return r.scale }

// Format returns the preferred pixel format.
func (r Request) Format() raster.Format { return r.format }

// Transformations returns a copy of the transformation list.
func (r Request) Transformations() []Transformation { return slices.Clone(r.transformations) }

// Extra returns the extra parameter stored under key.
func (r Request) Extra(key string) (string, bool) {
	v, ok := r.extras[key]
	return v, ok
}

// MemoryPolicy returns the memory cache policy.
func (r Request) MemoryPolicy() CachePolicy { return r.memoryPolicy }

// ResultPolicy returns the result cache policy.
func (r Request) ResultPolicy() CachePolicy { return r.resultPolicy }

// DownloadPolicy returns the download cache policy.
func (r Request) DownloadPolicy() CachePolicy { return r.downloadPolicy }

// Depth returns the depth limit.
func (r Request) Depth() Depth { return r.depth }

// Key returns the memory cache key.
//
// The key is a deterministic function of the identifier and every option that
// affects the decoded pixels. Cache policies and depth are excluded.
//
// The identifier comes first with '%' and '#' escaped, then '#' and the
// parameters. Extra names carry an "x." prefix and caller-supplied strings
// are query-escaped.
func (r Request) Key() string {
	var sb strings.Builder
	sb.WriteString(uriEscaper.Replace(r.uri))
	sep := byte('#')
	param := func(name, value string) {
		sb.WriteByte(sep)
		sep = '&'
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(value)
	}
	if !r.size.IsZero() {
		param("_size", r.size.String())
		param("_precision", r.precision.String())
		param("_scale", r.scale.String())
	}
	if r.format != raster.FormatRGBA8888 {
		param("_format", r.format.String())
	}
	if len(r.transformations) > 0 {
		keys := make([]string, len(r.transformations))
		for i, t := range r.transformations {
			keys[i] = url.QueryEscape(t.Key())
		}
		param("_transformations", "["+strings.Join(keys, ",")+"]")
	}
	for _, k := range slices.Sorted(maps.Keys(r.extras)) {
		param("x."+url.QueryEscape(k), url.QueryEscape(r.extras[k]))
	}
	return sb.String()
}

var uriEscaper = strings.NewReplacer("%", "%25", "#", "%23")

// ResultKey returns the key of the post-transform disk tier.
func (r Request) ResultKey() string {
	return r.Key()
}

// DownloadKey returns the key of the raw-bytes disk tier.
func (r Request) DownloadKey() string {
	return r.uri
}

// NeedsResize reports whether decoded output has to be resized for this request.
func (r Request) NeedsResize(width, height int) bool {
	if r.size.IsZero() {
		return false
	}
	switch r.precision {
	case PrecisionExactly:
		return width != r.size.Width || height != r.size.Height
	case PrecisionSameAspectRatio:
		return width*r.size.Height != height*r.size.Width || width > r.size.Width || height > r.size.Height
	default:
		return width*height > r.size.Width*r.size.Height
	}
}
