// Package controller wires the interpreter supervisor, invocation runner,
// side-channel listener, and test tree into the operations the editor
// surface calls: discover, run, cancel, reset.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/pestle/internal/config"
	"github.com/zjrosen/pestle/internal/history"
	"github.com/zjrosen/pestle/internal/listener"
	"github.com/zjrosen/pestle/internal/log"
	"github.com/zjrosen/pestle/internal/runner"
	"github.com/zjrosen/pestle/internal/stream"
	"github.com/zjrosen/pestle/internal/tracing"
	"github.com/zjrosen/pestle/internal/tree"
)

// ProgressFunc receives raw progress-stream payloads during an invocation.
type ProgressFunc func(raw json.RawMessage)

// Options configure a Controller. Supervisor and WrapperPath are required;
// everything else has a working default.
type Options struct {
	Config      config.Config
	Supervisor  supervisor
	WrapperPath string
	Tracer      trace.Tracer
	History     *history.RunRepository
	OnProgress  ProgressFunc

	// OnTreeUpdated fires after a discovery invocation changes the tree.
	OnTreeUpdated func()
}

// supervisor is the process-owning surface the controller needs.
type supervisor interface {
	Reset()
}

// RunRequest describes one test run.
type RunRequest struct {
	// Targets are the files (optionally pinned to lines) to execute.
	Targets []runner.Target
	// Exclude lists node IDs whose results are dropped from reporting.
	// Excluded tests still execute.
	Exclude []tree.NodeID
	// CancelExisting replaces a run already in flight instead of queueing.
	CancelExisting bool
}

// RunSummary is the outcome of one run.
type RunSummary struct {
	tree.Summary
	Results   map[tree.NodeID]tree.NodeResult `json:"results"`
	HistoryID string                          `json:"historyId,omitempty"`
}

// Controller owns one interpreter bridge end to end.
type Controller struct {
	cfg       config.Config
	sup       supervisor
	runner    *runner.Runner
	tree      *tree.Tree
	listener  *listener.Listener
	queue     *DiscoveryQueue
	debounce  *Debouncer
	tracer    trace.Tracer
	history   *history.RunRepository
	progress  ProgressFunc
	onUpdated func()
	wrapper   string

	mu     sync.Mutex
	closed bool
}

// New builds a controller from its collaborators and starts the
// side-channel listener when configured.
func New(run *runner.Runner, opts Options) (*Controller, error) {
	if run == nil {
		return nil, fmt.Errorf("controller requires a runner")
	}
	if opts.WrapperPath == "" {
		return nil, fmt.Errorf("controller requires the wrapper script path")
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}

	c := &Controller{
		cfg:       opts.Config,
		sup:       opts.Supervisor,
		runner:    run,
		tree:      tree.NewTree(),
		queue:     NewDiscoveryQueue(),
		debounce:  NewDebouncer(opts.Config.DebounceInterval),
		tracer:    tracer,
		history:   opts.History,
		progress:  opts.OnProgress,
		onUpdated: opts.OnTreeUpdated,
		wrapper:   opts.WrapperPath,
	}

	if opts.Config.Listener.Enabled {
		if name := opts.Config.Listener.Name; name != "" {
			c.listener = listener.New(name)
		} else {
			c.listener = listener.NewWithGeneratedName()
		}
		if err := c.listener.Listen(); err != nil {
			return nil, err
		}
	}

	c.debounce.SetOnFlush(func() {
		if err := c.DiscoverNow(context.Background()); err != nil {
			log.ErrorErr(log.CatQueue, "debounced discovery failed", err)
		}
	})

	return c, nil
}

// SetOnTreeUpdated replaces the tree-update callback. Call before the first
// discovery is queued.
func (c *Controller) SetOnTreeUpdated(fn func()) {
	c.onUpdated = fn
}

// Tree exposes the discovered hierarchy.
func (c *Controller) Tree() *tree.Tree {
	return c.tree
}

// PipeName returns the side-channel endpoint name, or empty when disabled.
func (c *Controller) PipeName() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Name()
}

// EnqueueDiscovery queues files for discovery and arms the debounce window.
// Many near-simultaneous calls collapse into one interpreter invocation.
func (c *Controller) EnqueueDiscovery(files ...string) {
	added := false
	for _, f := range files {
		if c.queue.Add(f) {
			added = true
		}
	}
	if added || c.queue.Len() > 0 {
		c.debounce.Touch()
	}
}

// DiscoverNow drains the queue and runs one discovery invocation covering
// every pending file. A no-op when nothing is queued.
func (c *Controller) DiscoverNow(ctx context.Context) error {
	files := c.queue.Drain()
	if len(files) == 0 {
		return nil
	}
	targets := make([]runner.Target, len(files))
	for i, f := range files {
		targets[i] = runner.Target{File: f}
	}
	return c.discover(ctx, targets, true)
}

// DiscoverFiles runs discovery for the given files immediately, bypassing
// the queue and debounce.
func (c *Controller) DiscoverFiles(ctx context.Context, files ...string) error {
	targets := make([]runner.Target, len(files))
	for i, f := range files {
		targets[i] = runner.Target{File: f}
	}
	return c.discover(ctx, targets, true)
}

// recordSpanError marks the span failed with the error's message and
// concrete type.
func recordSpanError(span trace.Span, err error) {
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.String(tracing.AttrErrorMessage, err.Error()),
		attribute.String(tracing.AttrErrorType, fmt.Sprintf("%T", err)),
	)
}

func (c *Controller) discover(ctx context.Context, targets []runner.Target, forced bool) error {
	ctx, span := c.tracer.Start(ctx, tracing.SpanDiscovery, trace.WithAttributes(
		attribute.Int(tracing.AttrTargetCount, len(targets)),
		attribute.String(tracing.AttrInvocationKind, "discovery"),
	))
	defer span.End()

	inv := runner.NewInvocation(runner.Command{
		ScriptPath: c.wrapper,
		PipeName:   c.PipeName(),
		Verbosity:  c.cfg.Verbosity,
		Discovery:  true,
		Targets:    targets,
	})
	span.SetAttributes(attribute.String(tracing.AttrInvocationID, inv.ID))

	batch := tree.NewBatch(forced)
	var applyErr error
	consume := func(raw json.RawMessage) {
		if applyErr != nil {
			return
		}
		rec, err := tree.DecodeDiscoveryRecord(raw)
		if err != nil {
			log.Warn(log.CatTree, "rejecting discovery record", "error", err)
			return
		}
		if err := c.tree.ApplyDiscovery(batch, rec); err != nil {
			applyErr = err
		}
	}

	invErr := c.invokeAndConsume(ctx, inv, runner.Options{ExecutablePath: c.cfg.PowerShellPath}, consume)
	if invErr != nil {
		recordSpanError(span, invErr)
		return invErr
	}
	if applyErr != nil {
		recordSpanError(span, applyErr)
		return applyErr
	}
	if c.onUpdated != nil {
		c.onUpdated()
	}
	return nil
}

// RunTests executes one run invocation and projects its results.
func (c *Controller) RunTests(ctx context.Context, req RunRequest) (*RunSummary, error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanRun, trace.WithAttributes(
		attribute.Int(tracing.AttrTargetCount, len(req.Targets)),
		attribute.String(tracing.AttrInvocationKind, "run"),
	))
	defer span.End()

	started := time.Now()
	run := tree.NewRun(c.tree, tree.RunOptions{
		Exclude:                req.Exclude,
		ReportSkipsWithMessage: c.cfg.ReportSkipsWithMessage,
	})

	inv := runner.NewInvocation(runner.Command{
		ScriptPath: c.wrapper,
		PipeName:   c.PipeName(),
		Verbosity:  c.cfg.Verbosity,
		Targets:    req.Targets,
	})
	span.SetAttributes(attribute.String(tracing.AttrInvocationID, inv.ID))

	consume := func(raw json.RawMessage) {
		res, err := tree.DecodeRunResult(raw)
		if err != nil {
			log.Warn(log.CatRun, "rejecting run result", "error", err)
			return
		}
		run.Apply(ctx, res)
	}

	opts := runner.Options{
		CancelExisting: req.CancelExisting,
		ExecutablePath: c.cfg.PowerShellPath,
	}
	if err := c.invokeAndConsume(ctx, inv, opts, consume); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	summary := run.Summarize()
	span.SetAttributes(
		attribute.Int(tracing.AttrRunTotal, summary.Total),
		attribute.Int(tracing.AttrRunPassed, summary.Passed),
		attribute.Int(tracing.AttrRunFailed, summary.Failed),
		attribute.Int(tracing.AttrRunSkipped, summary.Skipped),
	)

	out := &RunSummary{Summary: summary, Results: run.Results()}
	if c.history != nil {
		id, err := c.history.SaveRun(started, summary, out.Results)
		if err != nil {
			log.ErrorErr(log.CatHistory, "failed to persist run", err)
		} else {
			out.HistoryID = id
		}
	}
	return out, nil
}

// invokeAndConsume runs one invocation while draining every decoded record
// source: the success channel and the side channel feed consume, the
// diagnostic channels feed the logger, and progress feeds the callback.
func (c *Controller) invokeAndConsume(ctx context.Context, inv runner.Invocation, opts runner.Options, consume func(json.RawMessage)) error {
	streams := stream.NewStreams(c.cfg.StreamBuffer)

	records := make(chan json.RawMessage, 64)
	var forwarders sync.WaitGroup

	forwarders.Add(1)
	go func() {
		defer forwarders.Done()
		for rec := range streams.Channel(stream.TagSuccess) {
			records <- rec.Value
		}
	}()

	sideCtx, stopSide := context.WithCancel(context.Background())
	defer stopSide()
	if c.listener != nil {
		sub := c.listener.Subscribe(sideCtx)
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for ev := range sub {
				records <- ev.Payload
			}
		}()
	}

	applied := make(chan struct{})
	go func() {
		defer close(applied)
		for raw := range records {
			consume(raw)
		}
	}()

	drained := c.drainDiagnostics(streams)

	err := c.runner.Invoke(ctx, inv, streams, opts)

	streams.Close()
	stopSide()
	forwarders.Wait()
	close(records)
	<-applied
	<-drained

	return err
}

// drainDiagnostics forwards the non-record channels: warning through
// information to the logger, progress to the configured callback.
func (c *Controller) drainDiagnostics(streams *stream.Streams) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup

	logTag := func(tag stream.Tag, level func(log.Category, string, ...any)) {
		defer wg.Done()
		for rec := range streams.Channel(tag) {
			level(log.CatStream, string(tag), "payload", string(rec.Value))
		}
	}

	wg.Add(4)
	go logTag(stream.TagWarning, log.Warn)
	go logTag(stream.TagVerbose, log.Debug)
	go logTag(stream.TagDebug, log.Debug)
	go logTag(stream.TagInformation, log.Info)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for rec := range streams.Channel(stream.TagError) {
			log.Error(log.CatStream, "script error record", "payload", string(rec.Value))
		}
	}()
	go func() {
		defer wg.Done()
		for rec := range streams.Channel(stream.TagProgress) {
			if c.progress != nil {
				c.progress(rec.Value)
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// CancelRun interrupts the in-flight invocation, if any.
func (c *Controller) CancelRun() {
	c.runner.CancelCurrent()
}

// Busy reports whether an invocation is in flight.
func (c *Controller) Busy() bool {
	return c.runner.Busy()
}

// Reset discards the interpreter process. The next invocation respawns it.
func (c *Controller) Reset() {
	if c.sup != nil {
		c.sup.Reset()
	}
}

// Close stops the debouncer, the side channel, and the interpreter.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.debounce.Stop()
	var err error
	if c.listener != nil {
		err = c.listener.Dispose()
	}
	c.Reset()
	return err
}
