package sketch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/meigma/sketch/cache/memory"
	"github.com/meigma/sketch/raster"
)

// State is the lifecycle position of a Handle.
type State uint8

// Handle states. Success, Error and Canceled are terminal.
const (
	StatePending State = iota
	StateRunning
	StateSuccess
	StateError
	StateCanceled
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateSuccess
}

// Listener observes one Handle.
//
// Callbacks for a handle never run concurrently and always arrive in the
// order OnStart, zero or more OnProgress, then exactly one of OnSuccess,
// OnError or OnCancel. Callbacks may call Cancel but must not block on the
// handle they observe.
type Listener interface {
	OnStart(h *Handle)
	OnProgress(h *Handle, p Progress)
	OnSuccess(h *Handle, r *Result)
	OnError(h *Handle, err error)
	OnCancel(h *Handle)
}

// ListenerFuncs adapts plain functions into a Listener. Nil fields are
// skipped.
type ListenerFuncs struct {
	Start    func(h *Handle)
	Progress func(h *Handle, p Progress)
	Success  func(h *Handle, r *Result)
	Error    func(h *Handle, err error)
	Cancel   func(h *Handle)
}

// OnStart implements Listener.
func (l ListenerFuncs) OnStart(h *Handle) {
	if l.Start != nil {
		l.Start(h)
	}
}

// OnProgress implements Listener.
func (l ListenerFuncs) OnProgress(h *Handle, p Progress) {
	if l.Progress != nil {
		l.Progress(h, p)
	}
}

// OnSuccess implements Listener.
func (l ListenerFuncs) OnSuccess(h *Handle, r *Result) {
	if l.Success != nil {
		l.Success(h, r)
	}
}

// OnError implements Listener.
func (l ListenerFuncs) OnError(h *Handle, err error) {
	if l.Error != nil {
		l.Error(h, err)
	}
}

// OnCancel implements Listener.
func (l ListenerFuncs) OnCancel(h *Handle) {
	if l.Cancel != nil {
		l.Cancel(h)
	}
}

// Result is a decoded image delivered to one handle.
//
// The result holds a display reference on the cached image. Call Release
// when the bitmap is no longer used so its buffer can be recycled once the
// memory cache lets go of it. The bitmap must not be modified.
type Result struct {
	value    *memory.Value
	from     DataFrom
	released atomic.Bool
}

func newResult(v *memory.Value, from DataFrom) *Result {
	v.Retain()
	return &Result{value: v, from: from}
}

// Bitmap returns the decoded pixels.
func (r *Result) Bitmap() *raster.Bitmap {
	return r.value.Bitmap()
}

// Metadata returns the metadata recorded when the image was decoded.
func (r *Result) Metadata() Metadata {
	return r.value.Metadata()
}

// From returns where this delivery was served from. Memory cache hits report
// FromMemoryCache while Metadata keeps the original provenance.
func (r *Result) From() DataFrom {
	return r.from
}

// Release drops the display reference. Later calls are no-ops.
func (r *Result) Release() {
	if r.released.Swap(true) {
		return
	}
	r.value.Release()
}

// Handle tracks one submitted request.
type Handle struct {
	id        string
	req       Request
	key       string
	engine    *Engine
	listeners []Listener
	done      chan struct{}

	mu       sync.Mutex
	state    State
	result   *Result
	err      error
	flight   *flight
	stop     func() bool
	events   []func()
	draining bool
}

func newHandle(e *Engine, req Request, listeners []Listener) *Handle {
	ls := make([]Listener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return &Handle{
		id:        uuid.NewString(),
		req:       req,
		key:       req.Key(),
		engine:    e,
		listeners: ls,
		done:      make(chan struct{}),
	}
}

// ID returns a unique identifier for the handle.
func (h *Handle) ID() string {
	return h.id
}

// Request returns the submitted request.
func (h *Handle) Request() Request {
	return h.req
}

// Key returns the memory cache key of the request.
func (h *Handle) Key() string {
	return h.key
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the terminal listener callbacks have run.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome of a finished handle. Before completion it
// returns (nil, nil).
func (h *Handle) Result() (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Wait blocks until the handle finishes or ctx is done. A ctx expiring here
// does not cancel the handle.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel detaches the handle from its load and finishes it with
// ErrCanceled. The shared load is canceled only when no other handle waits
// on it. Cancel is a no-op on a finished handle.
func (h *Handle) Cancel() {
	if h.engine != nil {
		h.engine.detach(h)
	}
	h.finish(StateCanceled, nil, ErrCanceled)
}

func (h *Handle) start() {
	h.mu.Lock()
	if h.state != StatePending {
		h.mu.Unlock()
		return
	}
	h.state = StateRunning
	for _, l := range h.listeners {
		h.events = append(h.events, func() { l.OnStart(h) })
	}
	h.mu.Unlock()
	h.drain()
}

func (h *Handle) progress(p Progress) {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	for _, l := range h.listeners {
		h.events = append(h.events, func() { l.OnProgress(h, p) })
	}
	h.mu.Unlock()
	h.drain()
}

// succeed delivers v. It reports false when the handle already finished, in
// which case no reference on v is kept.
func (h *Handle) succeed(v *memory.Value, from DataFrom) bool {
	if h.State().Terminal() {
		return false
	}
	r := newResult(v, from)
	if !h.finish(StateSuccess, r, nil) {
		r.Release()
		return false
	}
	return true
}

func (h *Handle) fail(err error) bool {
	if errors.Is(err, context.Canceled) {
		return h.finish(StateCanceled, nil, err)
	}
	return h.finish(StateError, nil, err)
}

// finish moves the handle to a terminal state and queues the terminal
// callbacks. It reports false if the handle had already finished.
func (h *Handle) finish(state State, r *Result, err error) bool {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return false
	}
	h.state = state
	h.result = r
	h.err = err
	h.flight = nil
	stop := h.stop
	h.stop = nil
	for _, l := range h.listeners {
		switch state {
		case StateSuccess:
			h.events = append(h.events, func() { l.OnSuccess(h, r) })
		case StateError:
			h.events = append(h.events, func() { l.OnError(h, err) })
		default:
			h.events = append(h.events, func() { l.OnCancel(h) })
		}
	}
	h.events = append(h.events, func() { close(h.done) })
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	h.drain()
	return true
}

// drain runs queued callbacks outside the lock. Only one goroutine drains at
// a time, so callbacks are serialized and keep their order; events queued
// from inside a callback run after it returns.
func (h *Handle) drain() {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	for len(h.events) > 0 {
		ev := h.events[0]
		h.events[0] = nil
		h.events = h.events[1:]
		h.mu.Unlock()
		ev()
		h.mu.Lock()
	}
	h.draining = false
	h.mu.Unlock()
}

func (h *Handle) setFlight(f *flight) {
	h.mu.Lock()
	h.flight = f
	h.mu.Unlock()
}

func (h *Handle) currentFlight() *flight {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flight
}

// setStop registers the func that unhooks the caller's context. It runs
// immediately if the handle already finished.
func (h *Handle) setStop(stop func() bool) {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		stop()
		return
	}
	h.stop = stop
	h.mu.Unlock()
}
