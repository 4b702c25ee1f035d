package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/pestle/internal/log"
	"github.com/zjrosen/pestle/internal/powershell"
	"github.com/zjrosen/pestle/internal/stream"
	"github.com/zjrosen/pestle/internal/tracing"
)

// defaultDrainTimeout bounds how long a failed invocation's leftover output
// may take to flush before the process is sacrificed instead.
const defaultDrainTimeout = 2 * time.Second

// inflight tracks the one invocation currently writing to the process.
type inflight struct {
	id            string
	interrupt     chan struct{}
	interruptOnce sync.Once
	done          chan struct{}
}

func (f *inflight) fireInterrupt() {
	f.interruptOnce.Do(func() {
		close(f.interrupt)
	})
}

// Runner is the invocation coordinator: exactly one invocation is ever
// writing to the process's input at a time, and queued callers start in FIFO
// order. State per process is Idle -> Running -> Idle, forced back to Idle
// by the sentinel, a terminating error, or cancellation.
type Runner struct {
	sup          *powershell.Supervisor
	policy       TerminatingErrorPolicy
	drainTimeout time.Duration

	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
	current *inflight
}

// NewRunner creates a Runner over the given supervisor.
func NewRunner(sup *powershell.Supervisor, policy TerminatingErrorPolicy) *Runner {
	if policy == "" {
		policy = PolicyFailInvocation
	}
	return &Runner{sup: sup, policy: policy, drainTimeout: defaultDrainTimeout}
}

// Busy reports whether an invocation is currently in flight.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Invoke runs one invocation and returns when it settles: nil on the
// finished sentinel (or cancellation), an error on decode failure, unknown
// stream tag, terminating script error, spawn failure, or mid-invocation
// process death.
func (r *Runner) Invoke(ctx context.Context, inv Invocation, streams *stream.Streams, opts Options) error {
	if opts.CancelExisting {
		r.CancelCurrent()
	}

	if err := r.acquire(ctx); err != nil {
		return err
	}

	cur := &inflight{
		id:        inv.ID,
		interrupt: make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.current = cur
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
		r.release()
		close(cur.done)
	}()

	if opts.FreshProcess {
		r.sup.Reset()
	}

	h, err := r.sup.Ensure(ctx, opts.ExecutablePath)
	if err != nil {
		return fmt.Errorf("ensuring interpreter: %w", err)
	}

	log.Debug(log.CatRun, "invocation starting", "invocation", inv.ID, "pid", h.PID())

	if err := h.WriteLine(inv.Command); err != nil {
		r.sup.Reset()
		return err
	}

	source := inv.Source
	if source == nil {
		source = h.Lines()
	}

	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- stream.Pump(ctx, source, cur.interrupt, inv.ID, streams)
	}()

	stderrCh := h.Stderr()
	for {
		select {
		case err := <-pumpErr:
			return r.settle(inv.ID, cur, source, err)

		case line, ok := <-stderrCh:
			if !ok {
				// The process exited; the pump will observe the closed
				// stdout and report it.
				stderrCh = nil
				continue
			}
			// Terminating error wins the race against normal completion;
			// the pump's remaining output is discarded.
			cur.fireInterrupt()
			<-pumpErr
			log.Warn(log.CatRun, "terminating script error", "invocation", inv.ID, "message", line)
			if r.policy == PolicyRestartProcess {
				trace.SpanFromContext(ctx).AddEvent(tracing.EventProcessReset)
				r.sup.Reset()
			} else {
				r.discardRemainder(inv.ID, source)
			}
			return &TerminatingScriptError{Message: line}
		}
	}
}

// discardRemainder flushes a failed invocation's leftover output up to its
// sentinel so nothing stale leaks onto the next invocation's streams. A
// flush that stalls forfeits the process instead.
func (r *Runner) discardRemainder(id string, source <-chan string) {
	if stream.Drain(source, id, r.drainTimeout) {
		return
	}
	log.Warn(log.CatRun, "stale output did not flush, resetting interpreter", "invocation", id)
	r.sup.Reset()
}

// settle maps the pump's outcome to the invocation's result.
func (r *Runner) settle(id string, cur *inflight, source <-chan string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller gave up mid-invocation; the script is still running,
		// so the process cannot be trusted to be between invocations.
		r.sup.Reset()
		return err
	case errors.Is(err, stream.ErrSourceClosed):
		select {
		case <-cur.interrupt:
			// Cancellation killed the process; this invocation already
			// settled via the synthetic sentinel.
			return nil
		default:
		}
		r.sup.Reset()
		return fmt.Errorf("interpreter died mid-invocation %s: %w", id, err)
	default:
		// Decode and tag errors fail this invocation only; its remaining
		// output still has to go before the slot is released.
		r.discardRemainder(id, source)
		return err
	}
}

// CancelCurrent settles the in-flight invocation, if any, by injecting a
// synthetic finished sentinel and hard-resetting the process. Cancellation
// is cooperative and coarse: there is no graceful mid-script stop, the
// process is sacrificed and respawned on next use.
func (r *Runner) CancelCurrent() {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return
	}

	log.Info(log.CatRun, "cancelling invocation", "invocation", cur.id)
	cur.fireInterrupt()
	<-cur.done
	r.sup.Reset()
}

// acquire takes the single invocation slot, queueing FIFO behind any holder.
func (r *Runner) acquire(ctx context.Context) error {
	r.mu.Lock()
	if !r.busy {
		r.busy = true
		r.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	r.waiters = append(r.waiters, ticket)
	r.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, w := range r.waiters {
			if w == ticket {
				r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
				r.mu.Unlock()
				return ctx.Err()
			}
		}
		r.mu.Unlock()
		// The ticket was granted concurrently with cancellation; hand the
		// slot to the next waiter.
		r.release()
		return ctx.Err()
	}
}

// release hands the slot to the oldest waiter, or frees it.
func (r *Runner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.waiters) > 0 {
		ticket := r.waiters[0]
		r.waiters = r.waiters[1:]
		close(ticket)
		return
	}
	r.busy = false
}
