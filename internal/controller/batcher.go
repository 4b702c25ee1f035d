package controller

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of discovery requests into one flush after a
// quiescence window. Interpreter startup dominates single-file discovery,
// so many near-simultaneous file-open events should cost one invocation.
type Debouncer struct {
	window time.Duration
	timer  *time.Timer
	gen    uint64
	mu     sync.Mutex

	onFlush func()
}

// NewDebouncer creates a debouncer with the given quiescence window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// SetOnFlush sets the callback invoked when the window elapses with no
// further touches.
func (d *Debouncer) SetOnFlush(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFlush = fn
}

// Touch restarts the quiescence window. The flush fires once, after the
// last touch in a burst.
func (d *Debouncer) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	gen := d.gen

	if d.timer != nil {
		d.timer.Stop()
	}
	// The generation guard keeps a stale timer that already fired from
	// flushing alongside the replacement.
	d.timer = time.AfterFunc(d.window, func() { d.flush(gen) })
}

func (d *Debouncer) flush(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	fn := d.onFlush
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop cancels any pending flush.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
