// Package raster defines the decoded pixel buffer shared by decoders, caches
// and the buffer pool.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/meigma/sketch/internal/sizing"
)

// ErrInvalidDimensions is returned when a bitmap would have a non-positive
// width or height, or its byte size would overflow.
var ErrInvalidDimensions = errors.New("raster: invalid dimensions")

// Format identifies the pixel layout of a Bitmap.
type Format uint8

// Supported pixel formats.
const (
	// FormatRGBA8888 stores alpha-premultiplied RGBA, 4 bytes per pixel.
	FormatRGBA8888 Format = iota

	// FormatNRGBA8888 stores non-premultiplied RGBA, 4 bytes per pixel.
	FormatNRGBA8888

	// FormatGray8 stores 8-bit luminance.
	FormatGray8

	// FormatAlpha8 stores an 8-bit alpha mask.
	FormatAlpha8
)

// BytesPerPixel returns the number of bytes a single pixel occupies.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatGray8, FormatAlpha8:
		return 1
	default:
		return 4
	}
}

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatRGBA8888:
		return "rgba8888"
	case FormatNRGBA8888:
		return "nrgba8888"
	case FormatGray8:
		return "gray8"
	case FormatAlpha8:
		return "alpha8"
	default:
		return "unknown"
	}
}

// ParseFormat returns the Format named by s.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "rgba8888", "":
		return FormatRGBA8888, nil
	case "nrgba8888":
		return FormatNRGBA8888, nil
	case "gray8":
		return FormatGray8, nil
	case "alpha8":
		return FormatAlpha8, nil
	default:
		return 0, fmt.Errorf("raster: unknown format %q", s)
	}
}

// Bitmap is a raw, tightly packed pixel buffer.
//
// A Bitmap is mutable while a decoder fills it. Once it has been handed to
// the memory cache it must be treated as read-only until it is recycled.
type Bitmap struct {
	Width  int
	Height int
	Format Format
	Stride int
	Pix    []byte
}

// New allocates a zeroed Bitmap.
func New(width, height int, format Format) (*Bitmap, error) {
	n, err := ByteCount(width, height, format)
	if err != nil {
		return nil, err
	}
	return &Bitmap{
		Width:  width,
		Height: height,
		Format: format,
		Stride: width * format.BytesPerPixel(),
		Pix:    make([]byte, n),
	}, nil
}

// ByteCount returns the number of bytes a width x height bitmap in format needs.
func ByteCount(width, height int, format Format) (int, error) {
	if width <= 0 || height <= 0 {
		return 0, ErrInvalidDimensions
	}
	n, ok := sizing.MulInt(width, height)
	if !ok {
		return 0, ErrInvalidDimensions
	}
	n, ok = sizing.MulInt(n, format.BytesPerPixel())
	if !ok {
		return 0, ErrInvalidDimensions
	}
	return n, nil
}

// ByteCount returns the size of the pixel buffer in bytes.
func (b *Bitmap) ByteCount() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Pix))
}

// Clear zeroes every pixel.
func (b *Bitmap) Clear() {
	clear(b.Pix)
}

// Bounds returns the bitmap rectangle anchored at the origin.
func (b *Bitmap) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// Image returns an image.Image view that aliases the pixel buffer.
func (b *Bitmap) Image() image.Image {
	switch b.Format {
	case FormatNRGBA8888:
		return &image.NRGBA{Pix: b.Pix, Stride: b.Stride, Rect: b.Bounds()}
	case FormatGray8:
		return &image.Gray{Pix: b.Pix, Stride: b.Stride, Rect: b.Bounds()}
	case FormatAlpha8:
		return &image.Alpha{Pix: b.Pix, Stride: b.Stride, Rect: b.Bounds()}
	default:
		return &image.RGBA{Pix: b.Pix, Stride: b.Stride, Rect: b.Bounds()}
	}
}

// drawTarget returns a draw.Image view that aliases the pixel buffer.
func (b *Bitmap) drawTarget() draw.Image {
	img, _ := b.Image().(draw.Image) //nolint:errcheck // every view type implements draw.Image
	return img
}

// At returns the color of the pixel at (x, y).
func (b *Bitmap) At(x, y int) color.Color {
	return b.Image().At(x, y)
}

// Allocator hands out reusable bitmaps.
//
// Get may return nil, in which case the caller allocates. Bitmaps returned by
// Get are zeroed. Implementations must be safe for concurrent use.
type Allocator interface {
	Get(width, height int, format Format) *Bitmap
	Put(b *Bitmap) bool
}

// Alloc returns a zeroed bitmap from a, falling back to a fresh allocation
// when a is nil or has no matching buffer.
func Alloc(a Allocator, width, height int, format Format) (*Bitmap, error) {
	if a != nil {
		if b := a.Get(width, height, format); b != nil {
			return b, nil
		}
	}
	return New(width, height, format)
}

// FromImage copies img into a bitmap of the given format obtained from a.
func FromImage(img image.Image, format Format, a Allocator) (*Bitmap, error) {
	bounds := img.Bounds()
	b, err := Alloc(a, bounds.Dx(), bounds.Dy(), format)
	if err != nil {
		return nil, err
	}
	draw.Draw(b.drawTarget(), b.Bounds(), img, bounds.Min, draw.Src)
	return b, nil
}

// Scale resamples src into a new width x height bitmap of the same format.
func Scale(src *Bitmap, width, height int, a Allocator) (*Bitmap, error) {
	dst, err := Alloc(a, width, height, src.Format)
	if err != nil {
		return nil, err
	}
	draw.CatmullRom.Scale(dst.drawTarget(), dst.Bounds(), src.Image(), src.Bounds(), draw.Src, nil)
	return dst, nil
}

// ScaleRect resamples the sr region of src into a new width x height bitmap.
func ScaleRect(src *Bitmap, sr image.Rectangle, width, height int, a Allocator) (*Bitmap, error) {
	dst, err := Alloc(a, width, height, src.Format)
	if err != nil {
		return nil, err
	}
	draw.CatmullRom.Scale(dst.drawTarget(), dst.Bounds(), src.Image(), sr, draw.Src, nil)
	return dst, nil
}

// Info describes the source image before any resizing or transformation.
type Info struct {
	Width    int
	Height   int
	MimeType string
}
