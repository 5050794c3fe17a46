package sketch

import (
	"sync"
	"time"
)

// throttle limits progress events of one load to one per interval. The most
// recent event inside a window is delivered when the window closes; stop
// drops it.
type throttle struct {
	interval time.Duration
	emit     func(Progress)

	mu      sync.Mutex
	last    time.Time
	pending *Progress
	timer   *time.Timer
	stopped bool

	// emitMu serializes emit so completed bytes never go backwards.
	emitMu  sync.Mutex
	emitted int64
}

func newThrottle(interval time.Duration, emit func(Progress)) *throttle {
	return &throttle{interval: interval, emit: emit, emitted: -1}
}

func (t *throttle) report(p Progress) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	if t.interval <= 0 || now.Sub(t.last) >= t.interval {
		t.last = now
		t.pending = nil
		t.mu.Unlock()
		t.deliver(p)
		return
	}
	t.pending = &p
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval-now.Sub(t.last), t.flush)
	}
	t.mu.Unlock()
}

func (t *throttle) flush() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped || t.pending == nil {
		t.mu.Unlock()
		return
	}
	p := *t.pending
	t.pending = nil
	t.last = time.Now()
	t.mu.Unlock()
	t.deliver(p)
}

func (t *throttle) deliver(p Progress) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped || p.CompletedBytes < t.emitted {
		return
	}
	t.emitted = p.CompletedBytes
	t.emit(p)
}

// stop drops any pending event, rejects later ones and waits for a delivery
// in progress.
func (t *throttle) stop() {
	t.mu.Lock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.emitMu.Lock()
	//nolint:staticcheck // empty critical section waits for deliver
	t.emitMu.Unlock()
}
