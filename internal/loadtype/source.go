package loadtype

import (
	"bytes"
	"io"
	"os"
	"sync/atomic"

	"github.com/meigma/sketch/raster"
)

// DataFrom records where image data came from.
type DataFrom uint8

// Provenance values.
const (
	FromMemoryCache DataFrom = iota
	FromResultCache
	FromDownloadCache
	FromLocal
	FromNetwork
)

// String returns the string representation of the provenance.
func (d DataFrom) String() string {
	switch d {
	case FromMemoryCache:
		return "memory_cache"
	case FromResultCache:
		return "result_cache"
	case FromDownloadCache:
		return "download_cache"
	case FromLocal:
		return "local"
	case FromNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// DataSource provides the fetched bytes to a decoder.
//
// Open may be called more than once unless documented otherwise; each call
// returns an independent reader the caller must close.
type DataSource interface {
	From() DataFrom
	Open() (io.ReadCloser, error)
}

// BytesSource serves data from memory.
type BytesSource struct {
	Data   []byte
	Origin DataFrom
}

// From implements DataSource.
func (s *BytesSource) From() DataFrom { return s.Origin }

// Open implements DataSource.
func (s *BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

// FileSource serves data from a local file.
type FileSource struct {
	Path   string
	Origin DataFrom
}

// From implements DataSource.
func (s *FileSource) From() DataFrom { return s.Origin }

// Open implements DataSource.
func (s *FileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.Path)
}

// StreamSource wraps a reader that can only be consumed once, such as an
// HTTP response body. The engine drains it into the download cache or into
// memory before decoding, so decoders never see a StreamSource.
type StreamSource struct {
	body   io.ReadCloser
	origin DataFrom
	opened atomic.Bool
}

// NewStreamSource wraps body.
func NewStreamSource(body io.ReadCloser, origin DataFrom) *StreamSource {
	return &StreamSource{body: body, origin: origin}
}

// From implements DataSource.
func (s *StreamSource) From() DataFrom { return s.origin }

// Open returns the wrapped reader the first time and ErrSourceConsumed afterwards.
func (s *StreamSource) Open() (io.ReadCloser, error) {
	if s.opened.Swap(true) {
		return nil, ErrSourceConsumed
	}
	return s.body, nil
}

// Discard closes the wrapped reader if it was never opened.
func (s *StreamSource) Discard() error {
	if s.opened.Swap(true) {
		return nil
	}
	return s.body.Close()
}

// FetchResult is the output of a Fetcher.
type FetchResult struct {
	Source   DataSource
	MimeType string

	// ContentLength is the expected byte count, or -1 when unknown.
	ContentLength int64
}

// DecodeResult is the output of a Decoder and of every decode interceptor.
type DecodeResult struct {
	Bitmap          *raster.Bitmap
	Info            raster.Info
	From            DataFrom
	Transformations []string
	Extras          map[string]string
}

// Metadata is the immutable description attached to a cached image.
type Metadata struct {
	Info            raster.Info
	From            DataFrom
	Transformations []string
	Extras          map[string]string
}

// Metadata returns the metadata portion of the result.
func (r *DecodeResult) Metadata() Metadata {
	return Metadata{
		Info:            r.Info,
		From:            r.From,
		Transformations: r.Transformations,
		Extras:          r.Extras,
	}
}

// Progress reports download progress for one request.
type Progress struct {
	// TotalBytes is the expected size, or -1 when unknown.
	TotalBytes     int64
	CompletedBytes int64
}
