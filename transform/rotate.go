package transform

import (
	"context"
	"fmt"

	"github.com/meigma/sketch/raster"
)

// Rotate turns a bitmap clockwise by a multiple of 90 degrees.
type Rotate struct {
	degrees int
}

// NewRotate returns a rotation by degrees, which must be a multiple of 90.
func NewRotate(degrees int) (Rotate, error) {
	d := ((degrees % 360) + 360) % 360
	if d%90 != 0 {
		return Rotate{}, fmt.Errorf("transform: rotation %d is not a multiple of 90", degrees)
	}
	return Rotate{degrees: d}, nil
}

// Degrees returns the normalized clockwise rotation.
func (r Rotate) Degrees() int { return r.degrees }

// Key implements loadtype.Transformation.
func (r Rotate) Key() string {
	return fmt.Sprintf("rotate(%d)", r.degrees)
}

// Transform implements loadtype.Transformation.
func (r Rotate) Transform(ctx context.Context, src *raster.Bitmap, alloc raster.Allocator) (*raster.Bitmap, error) {
	if r.degrees == 0 {
		return src, nil
	}
	w, h := src.Width, src.Height
	dw, dh := w, h
	if r.degrees != 180 {
		dw, dh = h, w
	}
	dst, err := raster.Alloc(alloc, dw, dh, src.Format)
	if err != nil {
		return nil, err
	}

	bpp := src.Format.BytesPerPixel()
	for y := range h {
		if err := ctx.Err(); err != nil {
			if alloc != nil {
				alloc.Put(dst)
			}
			return nil, err
		}
		row := src.Pix[y*src.Stride:]
		for x := range w {
			var nx, ny int
			switch r.degrees {
			case 90:
				nx, ny = h-1-y, x
			case 180:
				nx, ny = w-1-x, h-1-y
			default:
				nx, ny = y, w-1-x
			}
			copy(dst.Pix[ny*dst.Stride+nx*bpp:], row[x*bpp:x*bpp+bpp])
		}
	}
	return dst, nil
}
