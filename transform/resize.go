// Package transform resizes decoded bitmaps and applies request
// transformations.
//
// The Interceptor runs after the decoder, so results served from the result
// cache are never transformed twice.
package transform

import (
	"context"
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/internal/loadtype"
	"github.com/meigma/sketch/raster"
)

// Key identifies the interceptor in a registry.
const Key = "sketch.transform"

// Resize returns src resized for req, or src itself when no resize is needed.
// The caller owns both bitmaps afterwards.
func Resize(ctx context.Context, src *raster.Bitmap, req loadtype.Request, alloc raster.Allocator) (*raster.Bitmap, error) {
	if !req.NeedsResize(src.Width, src.Height) {
		return src, nil
	}
	size := req.Size()
	sr := src.Bounds()
	var w, h int

	switch req.Precision() {
	case loadtype.PrecisionExactly:
		if req.Scale() != loadtype.ScaleFill {
			sr = cropToAspect(src.Width, src.Height, size.Width, size.Height, req.Scale())
		}
		w, h = size.Width, size.Height
	case loadtype.PrecisionSameAspectRatio:
		if req.Scale() != loadtype.ScaleFill {
			sr = cropToAspect(src.Width, src.Height, size.Width, size.Height, req.Scale())
		}
		w, h = sr.Dx(), sr.Dy()
		if w > size.Width || h > size.Height {
			w, h = size.Width, size.Height
		}
	default:
		f := math.Sqrt(float64(size.Width) * float64(size.Height) / (float64(src.Width) * float64(src.Height)))
		w = max(1, int(float64(src.Width)*f))
		h = max(1, int(float64(src.Height)*f))
	}

	if sr == src.Bounds() && w == src.Width && h == src.Height {
		return src, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return raster.ScaleRect(src, sr, w, h, alloc)
}

// cropToAspect returns the largest region of a sw x sh image with the aspect
// ratio of tw x th, positioned by scale.
func cropToAspect(sw, sh, tw, th int, scale loadtype.Scale) image.Rectangle {
	if int64(sw)*int64(th) > int64(sh)*int64(tw) {
		cw := max(1, int(int64(sh)*int64(tw)/int64(th)))
		x := offset(sw-cw, scale)
		return image.Rect(x, 0, x+cw, sh)
	}
	ch := max(1, int(int64(sw)*int64(th)/int64(tw)))
	y := offset(sh-ch, scale)
	return image.Rect(0, y, sw, y+ch)
}

func offset(slack int, scale loadtype.Scale) int {
	switch scale {
	case loadtype.ScaleStart:
		return 0
	case loadtype.ScaleEnd:
		return slack
	default:
		return slack / 2
	}
}

// resizeKey records a resize in DecodeResult.Transformations.
func resizeKey(b *raster.Bitmap) string {
	return fmt.Sprintf("resize(%dx%d)", b.Width, b.Height)
}

// Apply resizes res for req and then runs req's transformations in order.
// Intermediate bitmaps are handed back to alloc. Cancellation is checked
// before each step.
func Apply(ctx context.Context, req loadtype.Request, res *loadtype.DecodeResult, alloc raster.Allocator) (*loadtype.DecodeResult, error) {
	bm := res.Bitmap
	keys := slices.Clone(res.Transformations)
	replace := func(next *raster.Bitmap) {
		if next == bm {
			return
		}
		if alloc != nil {
			alloc.Put(bm)
		}
		bm = next
	}

	if err := ctx.Err(); err != nil {
		return nil, loadtype.StageErr(loadtype.StageTransform, req.URI(), err)
	}
	next, err := Resize(ctx, bm, req, alloc)
	if err != nil {
		return nil, loadtype.StageErr(loadtype.StageTransform, req.URI(), err)
	}
	if next != bm {
		replace(next)
		keys = append(keys, resizeKey(bm))
	}

	for _, t := range req.Transformations() {
		if err := ctx.Err(); err != nil {
			return nil, loadtype.StageErr(loadtype.StageTransform, req.URI(), err)
		}
		next, err := t.Transform(ctx, bm, alloc)
		if err != nil {
			return nil, loadtype.StageErr(loadtype.StageTransform, req.URI(), fmt.Errorf("%s: %w", t.Key(), err))
		}
		if next == nil {
			return nil, loadtype.StageErr(loadtype.StageTransform, req.URI(), fmt.Errorf("%s: no bitmap", t.Key()))
		}
		replace(next)
		keys = append(keys, t.Key())
	}

	out := *res
	out.Bitmap = bm
	out.Transformations = keys
	return &out, nil
}

// Interceptor returns a decode interceptor that calls Apply on the decoded
// result.
func Interceptor() component.DecodeInterceptor {
	return &component.DecodeInterceptorFunc{
		Name: Key,
		Fn: func(chain component.DecodeChain) (*loadtype.DecodeResult, error) {
			res, err := chain.Proceed()
			if err != nil {
				return nil, err
			}
			return Apply(chain.Context(), chain.Request(), res, chain.Allocator())
		},
	}
}
