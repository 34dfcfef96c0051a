package roomclient

import (
	"sync"
	"time"
)

// Throttler emits at most one value per interval. The first value of a quiet
// period goes out immediately; values submitted inside the window replace
// each other and the latest one is emitted when the window closes.
type Throttler[T any] struct {
	mu       sync.Mutex
	interval time.Duration
	emit     func(T)
	timer    *time.Timer
	pending  *T
	stopped  bool
}

func NewThrottler[T any](interval time.Duration, emit func(T)) *Throttler[T] {
	return &Throttler[T]{interval: interval, emit: emit}
}

func (t *Throttler[T]) Submit(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if t.timer != nil {
		t.pending = &v
		return
	}
	t.emit(v)
	t.timer = time.AfterFunc(t.interval, t.windowClosed)
}

func (t *Throttler[T]) windowClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.pending == nil {
		t.timer = nil
		return
	}
	v := *t.pending
	t.pending = nil
	t.emit(v)
	t.timer = time.AfterFunc(t.interval, t.windowClosed)
}

// Flush emits a queued value now.
func (t *Throttler[T]) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.pending == nil {
		return
	}
	v := *t.pending
	t.pending = nil
	t.emit(v)
}

// Stop drops any queued value; later submissions are ignored.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
