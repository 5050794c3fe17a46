package sketch

import (
	"context"
	"errors"

	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/raster"
	"github.com/meigma/sketch/transform"
)

var errNoBitmap = errors.New("decoder returned no bitmap")

// load runs the request interceptors around the decode chain.
func (e *Engine) load(f *flight) (*DecodeResult, error) {
	res, err := component.RunRequestChain(f.ctx, f.req, e.registry.RequestInterceptors(),
		func(ctx context.Context, req Request) (*DecodeResult, error) {
			return component.RunDecodeChain(ctx, req, e.pool, e.decodeInterceptors,
				func(ctx context.Context, req Request, alloc raster.Allocator) (*DecodeResult, error) {
					return e.decode(ctx, f, req, alloc)
				})
		})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Bitmap == nil {
		return nil, &LoadError{Stage: StageDecode, URI: f.req.URI(), Err: errNoBitmap}
	}
	return res, nil
}

// decode fetches the request's data and runs the first decoder that accepts
// it on the CPU lane.
func (e *Engine) decode(ctx context.Context, f *flight, req Request, alloc raster.Allocator) (*DecodeResult, error) {
	uri := req.URI()
	fetched, err := e.fetch(ctx, f, req)
	if err != nil {
		return nil, err
	}
	defer releaseSource(fetched.Source)

	factory, ok := e.registry.ResolveDecoder(req, fetched)
	if !ok {
		return nil, &LoadError{Stage: StageDecode, URI: uri, Err: ErrNoComponent}
	}
	if err := e.cpu.Acquire(ctx, 1); err != nil {
		return nil, StageErr(StageDecode, uri, err)
	}
	defer e.cpu.Release(1)

	dec, err := factory.Create(req, fetched, alloc)
	if err != nil {
		return nil, StageErr(StageDecode, uri, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, StageErr(StageDecode, uri, err)
	}
	res, err := dec.Decode(ctx)
	if err != nil {
		return nil, StageErr(StageDecode, uri, err)
	}
	if res == nil || res.Bitmap == nil {
		return nil, &LoadError{Stage: StageDecode, URI: uri, Err: errNoBitmap}
	}
	if err := ctx.Err(); err != nil {
		alloc.Put(res.Bitmap)
		return nil, StageErr(StageDecode, uri, err)
	}

	res.From = fetched.Source.From()
	if res.Info.Width == 0 && res.Info.Height == 0 {
		res.Info.Width, res.Info.Height = res.Bitmap.Width, res.Bitmap.Height
	}
	if res.Info.MimeType == "" {
		res.Info.MimeType = fetched.MimeType
	}
	return res, nil
}

// transformInterceptor resizes and transforms decoded bitmaps on the CPU
// lane. Results served by the result cache skip it.
func (e *Engine) transformInterceptor() component.DecodeInterceptor {
	return &component.DecodeInterceptorFunc{
		Name: transform.Key,
		Fn: func(chain component.DecodeChain) (*DecodeResult, error) {
			res, err := chain.Proceed()
			if err != nil {
				return nil, err
			}
			req := chain.Request()
			if !req.NeedsResize(res.Bitmap.Width, res.Bitmap.Height) && len(req.Transformations()) == 0 {
				return res, nil
			}
			ctx := chain.Context()
			if err := e.cpu.Acquire(ctx, 1); err != nil {
				return nil, StageErr(StageTransform, req.URI(), err)
			}
			defer e.cpu.Release(1)
			return transform.Apply(ctx, req, res, chain.Allocator())
		},
	}
}
