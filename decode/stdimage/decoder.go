// Package stdimage decodes images with the standard image package and the
// extra formats from golang.org/x/image.
//
// Supported formats: png, jpeg, gif, webp, bmp and tiff.
package stdimage

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register gif
	_ "image/jpeg" // register jpeg
	_ "image/png"  // register png
	"io"
	"strings"

	_ "golang.org/x/image/bmp"  // register bmp
	_ "golang.org/x/image/tiff" // register tiff
	_ "golang.org/x/image/webp" // register webp

	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/internal/loadtype"
	"github.com/meigma/sketch/raster"
)

// Key identifies the factory in a registry.
const Key = "sketch.stdimage"

var mimeTypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
}

// Factory creates decoders for the supported formats.
type Factory struct{}

// New creates a Factory.
func New() *Factory {
	return &Factory{}
}

// Key implements component.DecoderFactory.
func (f *Factory) Key() string { return Key }

// Accepts reports whether the fetched data is a supported format. Data with
// no declared type, or a generic binary type, is accepted and sniffed.
func (f *Factory) Accepts(_ loadtype.Request, fetched *loadtype.FetchResult) bool {
	if fetched == nil || fetched.Source == nil {
		return false
	}
	switch mt := strings.ToLower(fetched.MimeType); mt {
	case "", "application/octet-stream", "binary/octet-stream":
		return true
	case "image/x-ms-bmp", "image/jpg":
		return true
	default:
		for _, known := range mimeTypes {
			if mt == known {
				return true
			}
		}
		return false
	}
}

// Create implements component.DecoderFactory.
func (f *Factory) Create(req loadtype.Request, fetched *loadtype.FetchResult, alloc raster.Allocator) (component.Decoder, error) {
	return &Decoder{req: req, fetched: fetched, alloc: alloc}, nil
}

// Decoder decodes one fetched image.
type Decoder struct {
	req     loadtype.Request
	fetched *loadtype.FetchResult
	alloc   raster.Allocator
}

// Decode reads the whole source and converts it to the requested format.
func (d *Decoder) Decode(ctx context.Context) (*loadtype.DecodeResult, error) {
	rc, err := d.fetched.Source.Open()
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()

	img, format, err := image.Decode(&ctxReader{ctx: ctx, r: rc})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bm, err := raster.FromImage(img, d.req.Format(), d.alloc)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	return &loadtype.DecodeResult{
		Bitmap: bm,
		Info: raster.Info{
			Width:    bm.Width,
			Height:   bm.Height,
			MimeType: mimeTypes[format],
		},
		From: d.fetched.Source.From(),
	}, nil
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
