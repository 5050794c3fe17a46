package sketch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (l *progressLog) emit(p Progress) {
	l.mu.Lock()
	l.events = append(l.events, p)
	l.mu.Unlock()
}

func (l *progressLog) snapshot() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Progress(nil), l.events...)
}

func TestThrottleWithoutIntervalDeliversEverything(t *testing.T) {
	t.Parallel()

	var log progressLog
	th := newThrottle(0, log.emit)
	for i := range 5 {
		th.report(Progress{TotalBytes: 5, CompletedBytes: int64(i + 1)})
	}
	th.stop()
	assert.Len(t, log.snapshot(), 5)
}

func TestThrottleCoalescesWithinInterval(t *testing.T) {
	t.Parallel()

	var log progressLog
	th := newThrottle(50*time.Millisecond, log.emit)
	for i := range 10 {
		th.report(Progress{TotalBytes: 10, CompletedBytes: int64(i + 1)})
	}

	assert.Eventually(t, func() bool {
		events := log.snapshot()
		return len(events) == 2 && events[1].CompletedBytes == 10
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), log.snapshot()[0].CompletedBytes)
	th.stop()
}

func TestThrottleDropsStaleEvents(t *testing.T) {
	t.Parallel()

	var log progressLog
	th := newThrottle(0, log.emit)
	th.report(Progress{CompletedBytes: 8})
	th.report(Progress{CompletedBytes: 4})
	th.report(Progress{CompletedBytes: 8})
	th.stop()

	events := log.snapshot()
	assert.Len(t, events, 2)
	for _, p := range events {
		assert.Equal(t, int64(8), p.CompletedBytes)
	}
}

func TestThrottleStopDropsPending(t *testing.T) {
	t.Parallel()

	var log progressLog
	th := newThrottle(time.Hour, log.emit)
	th.report(Progress{CompletedBytes: 1})
	th.report(Progress{CompletedBytes: 2})
	th.stop()
	th.report(Progress{CompletedBytes: 3})

	events := log.snapshot()
	assert.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].CompletedBytes)
}
