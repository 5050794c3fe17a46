package component

import (
	"context"

	"github.com/meigma/sketch/internal/loadtype"
	"github.com/meigma/sketch/raster"
)

// RequestTerminal runs once every request interceptor has proceeded.
type RequestTerminal func(ctx context.Context, req loadtype.Request) (*loadtype.DecodeResult, error)

// DecodeTerminal runs once every decode interceptor has proceeded.
type DecodeTerminal func(ctx context.Context, req loadtype.Request, alloc raster.Allocator) (*loadtype.DecodeResult, error)

// RunRequestChain runs interceptors in order around terminal.
func RunRequestChain(ctx context.Context, req loadtype.Request, interceptors []RequestInterceptor, terminal RequestTerminal) (*loadtype.DecodeResult, error) {
	c := &requestChain{ctx: ctx, req: req, interceptors: interceptors, terminal: terminal}
	return c.run()
}

type requestChain struct {
	ctx          context.Context
	req          loadtype.Request
	interceptors []RequestInterceptor
	index        int
	terminal     RequestTerminal
}

func (c *requestChain) Context() context.Context  { return c.ctx }
func (c *requestChain) Request() loadtype.Request { return c.req }

func (c *requestChain) Proceed(req loadtype.Request) (*loadtype.DecodeResult, error) {
	next := &requestChain{
		ctx:          c.ctx,
		req:          req,
		interceptors: c.interceptors,
		index:        c.index + 1,
		terminal:     c.terminal,
	}
	return next.run()
}

func (c *requestChain) run() (*loadtype.DecodeResult, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, loadtype.ErrCanceled
	}
	if c.index < len(c.interceptors) {
		return c.interceptors[c.index].Intercept(c)
	}
	return c.terminal(c.ctx, c.req)
}

// RunDecodeChain runs interceptors in order around terminal.
func RunDecodeChain(ctx context.Context, req loadtype.Request, alloc raster.Allocator, interceptors []DecodeInterceptor, terminal DecodeTerminal) (*loadtype.DecodeResult, error) {
	c := &decodeChain{ctx: ctx, req: req, alloc: alloc, interceptors: interceptors, terminal: terminal}
	return c.run()
}

type decodeChain struct {
	ctx          context.Context
	req          loadtype.Request
	alloc        raster.Allocator
	interceptors []DecodeInterceptor
	index        int
	terminal     DecodeTerminal
}

func (c *decodeChain) Context() context.Context    { return c.ctx }
func (c *decodeChain) Request() loadtype.Request   { return c.req }
func (c *decodeChain) Allocator() raster.Allocator { return c.alloc }

func (c *decodeChain) Proceed() (*loadtype.DecodeResult, error) {
	next := *c
	next.index++
	return next.run()
}

func (c *decodeChain) run() (*loadtype.DecodeResult, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, loadtype.ErrCanceled
	}
	if c.index < len(c.interceptors) {
		return c.interceptors[c.index].Intercept(c)
	}
	return c.terminal(c.ctx, c.req, c.alloc)
}
