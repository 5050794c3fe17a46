package sketch

import (
	"io"

	"github.com/meigma/sketch/internal/loadtype"
	"github.com/meigma/sketch/raster"
)

// --- Re-exports from loadtype ---

// Request is an immutable description of one image load.
type Request = loadtype.Request

// RequestOption configures a Request.
type RequestOption = loadtype.RequestOption

// Size is the target size of the decoded image in pixels.
type Size = loadtype.Size

// Precision controls how strictly the output honours the target Size.
type Precision = loadtype.Precision

// Scale selects which region is kept when cropping.
type Scale = loadtype.Scale

// Depth bounds how far down the pipeline a request may go.
type Depth = loadtype.Depth

// CachePolicy controls whether a cache tier is consulted and populated.
type CachePolicy = loadtype.CachePolicy

// Transformation rewrites a decoded bitmap. Its key enters the cache key.
type Transformation = loadtype.Transformation

// DataFrom records where image data came from.
type DataFrom = loadtype.DataFrom

// DataSource provides fetched bytes to a decoder.
type DataSource = loadtype.DataSource

// BytesSource serves fetched data from memory.
type BytesSource = loadtype.BytesSource

// FileSource serves fetched data from a local file.
type FileSource = loadtype.FileSource

// StreamSource wraps a reader that can only be consumed once.
type StreamSource = loadtype.StreamSource

// FetchResult is the output of a fetcher.
type FetchResult = loadtype.FetchResult

// DecodeResult is the output of a decoder and of every decode interceptor.
type DecodeResult = loadtype.DecodeResult

// Metadata describes a cached image.
type Metadata = loadtype.Metadata

// Progress reports download progress for one load.
type Progress = loadtype.Progress

// Precision constants.
const (
	PrecisionLessPixels      = loadtype.PrecisionLessPixels
	PrecisionSameAspectRatio = loadtype.PrecisionSameAspectRatio
	PrecisionExactly         = loadtype.PrecisionExactly
)

// Scale constants.
const (
	ScaleCenter = loadtype.ScaleCenter
	ScaleStart  = loadtype.ScaleStart
	ScaleEnd    = loadtype.ScaleEnd
	ScaleFill   = loadtype.ScaleFill
)

// Depth constants.
const (
	DepthNetwork = loadtype.DepthNetwork
	DepthLocal   = loadtype.DepthLocal
	DepthMemory  = loadtype.DepthMemory
)

// DataFrom constants.
const (
	FromMemoryCache   = loadtype.FromMemoryCache
	FromResultCache   = loadtype.FromResultCache
	FromDownloadCache = loadtype.FromDownloadCache
	FromLocal         = loadtype.FromLocal
	FromNetwork       = loadtype.FromNetwork
)

// Cache policy presets.
var (
	CacheEnabled   = loadtype.CacheEnabled
	CacheReadOnly  = loadtype.CacheReadOnly
	CacheWriteOnly = loadtype.CacheWriteOnly
	CacheDisabled  = loadtype.CacheDisabled
)

// NewRequest creates a request for uri.
func NewRequest(uri string, opts ...RequestOption) Request {
	return loadtype.NewRequest(uri, opts...)
}

// ParseCachePolicy parses the output of CachePolicy.String.
func ParseCachePolicy(s string) (CachePolicy, bool) {
	return loadtype.ParseCachePolicy(s)
}

// NewStreamSource wraps a one-shot reader such as an HTTP response body.
func NewStreamSource(body io.ReadCloser, origin DataFrom) *StreamSource {
	return loadtype.NewStreamSource(body, origin)
}

// --- Request Options ---

// WithSize sets the target size. The zero size keeps the original dimensions.
func WithSize(width, height int) RequestOption {
	return loadtype.WithSize(width, height)
}

// WithPrecision sets how strictly the target size is honoured.
func WithPrecision(p Precision) RequestOption {
	return loadtype.WithPrecision(p)
}

// WithScale sets which region is kept when cropping.
func WithScale(s Scale) RequestOption {
	return loadtype.WithScale(s)
}

// WithFormat sets the pixel format of the decoded bitmap.
func WithFormat(f raster.Format) RequestOption {
	return loadtype.WithFormat(f)
}

// WithTransformations sets the transformations applied after resizing.
func WithTransformations(t ...Transformation) RequestOption {
	return loadtype.WithTransformations(t...)
}

// WithExtra sets a pixel-affecting parameter for custom components.
// Extras enter the cache key.
func WithExtra(key, value string) RequestOption {
	return loadtype.WithExtra(key, value)
}

// WithMemoryPolicy sets the memory cache policy.
func WithMemoryPolicy(p CachePolicy) RequestOption {
	return loadtype.WithMemoryPolicy(p)
}

// WithResultPolicy sets the result cache policy.
func WithResultPolicy(p CachePolicy) RequestOption {
	return loadtype.WithResultPolicy(p)
}

// WithDownloadPolicy sets the download cache policy.
func WithDownloadPolicy(p CachePolicy) RequestOption {
	return loadtype.WithDownloadPolicy(p)
}

// WithDepth bounds how far down the pipeline the request may go.
func WithDepth(d Depth) RequestOption {
	return loadtype.WithDepth(d)
}
