// Package powershell owns the single external PowerShell host process:
// resolving which executable to run, spawning it as a non-interactive command
// pump, and forcibly replacing it.
package powershell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/pestle/internal/cachemanager"
	"github.com/zjrosen/pestle/internal/log"
	"github.com/zjrosen/pestle/internal/tracing"
)

// ErrNoInterpreter is returned when neither pwsh nor the platform default
// interpreter can be found. Fatal; there is no retry.
var ErrNoInterpreter = errors.New("no PowerShell interpreter found on PATH")

// primaryName is the preferred executable searched on every platform.
const primaryName = "pwsh"

// windowsFallback is the platform default, valid only on Windows.
const windowsFallback = "powershell.exe"

// resolveTTL bounds how long a PATH resolution is trusted.
const resolveTTL = 5 * time.Minute

// spawnArgs start the host as a non-interactive, no-profile command pump:
// it accepts successive script submissions on stdin without exiting after
// the first.
var spawnArgs = []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-NoExit", "-Command", "-"}

// LookPathFunc resolves an executable name to a path, exec.LookPath shaped.
type LookPathFunc func(file string) (string, error)

// CommandFactoryFunc creates an exec.Cmd. Tests substitute this to stand in
// a fake interpreter without PowerShell installed.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Option is a functional option for configuring a Supervisor.
type Option func(*Supervisor)

// WithLookPath overrides PATH resolution.
func WithLookPath(fn LookPathFunc) Option {
	return func(s *Supervisor) {
		s.lookPath = fn
	}
}

// WithCommandFactory overrides process creation.
func WithCommandFactory(fn CommandFactoryFunc) Option {
	return func(s *Supervisor) {
		s.factory = fn
	}
}

// Handle is exclusive ownership of one running host process.
// Lines carries the continuously framed stdout; it stays open across
// invocations and closes only when the process exits. Stderr carries the
// dedicated terminating-error channel line by line.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	path   string
	pid    int
	lines  chan string
	stderr chan string

	mu    sync.Mutex
	alive bool
}

// Lines returns the framed stdout channel. Closed when the process exits.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// Stderr returns the framed stderr channel. Closed when the process exits.
func (h *Handle) Stderr() <-chan string {
	return h.stderr
}

// WriteLine writes one line to the process's stdin.
func (h *Handle) WriteLine(line string) error {
	if _, err := io.WriteString(h.stdin, line+"\n"); err != nil {
		return fmt.Errorf("writing to interpreter stdin: %w", err)
	}
	return nil
}

// PID returns the OS process ID.
func (h *Handle) PID() int {
	return h.pid
}

// Path returns the resolved executable path this handle was spawned from.
func (h *Handle) Path() string {
	return h.path
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *Handle) setDead() {
	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()
}

// Supervisor lazily spawns and owns at most one host process.
// Ensure is idempotent: concurrent callers observe the same handle once
// created.
type Supervisor struct {
	mu       sync.Mutex
	handle   *Handle
	lookPath LookPathFunc
	factory  CommandFactoryFunc
	resolver *cachemanager.ReadThroughCache[string, string, string]
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		lookPath: exec.LookPath,
		factory: func(ctx context.Context, name string, args ...string) *exec.Cmd {
			// #nosec G204 -- name comes from PATH resolution, args are fixed
			return exec.Command(name, args...)
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	cache := cachemanager.NewInMemoryCacheManager[string, string](
		"interpreter-resolve", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	s.resolver = cachemanager.NewReadThroughCache[string, string, string](
		cache,
		func(ctx context.Context, hint string) (string, error) {
			return s.resolveUncached(hint)
		},
		false,
	)

	return s
}

// Ensure returns the live handle, spawning the process if needed.
// When the resolved executable differs from the running one, the old process
// is killed and a fresh one is spawned from the new path.
func (s *Supervisor) Ensure(ctx context.Context, hint string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.resolver.Get(ctx, resolveKey(hint), hint, resolveTTL)
	if err != nil {
		return nil, err
	}

	if s.handle != nil && s.handle.Alive() {
		if s.handle.path == path {
			return s.handle, nil
		}
		log.Info(log.CatProc, "interpreter changed, replacing process",
			"old", s.handle.path, "new", path, "pid", s.handle.pid)
		s.killLocked()
	}

	h, err := s.spawn(ctx, path)
	if err != nil {
		s.handle = nil
		return nil, err
	}
	s.handle = h
	return h, nil
}

// Handle returns the current handle without spawning. Nil when no process
// is running.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil && s.handle.Alive() {
		return s.handle
	}
	return nil
}

// Reset forcibly terminates the process and clears the handle.
// The signal is immediate and non-graceful so termination is prompt on all
// platforms; the next Ensure call transparently respawns.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
}

func (s *Supervisor) killLocked() {
	if s.handle == nil {
		return
	}
	if s.handle.Alive() {
		log.Info(log.CatProc, "killing interpreter process", "pid", s.handle.pid)
		if err := killProcess(s.handle.pid); err != nil {
			log.ErrorErr(log.CatProc, "kill failed", err, "pid", s.handle.pid)
		}
	}
	s.handle = nil
}

func resolveKey(hint string) string {
	if hint == "" {
		return primaryName
	}
	return hint
}

// resolveUncached searches for the requested executable. An explicit hint is
// honored as-is; otherwise pwsh is preferred, falling back to the platform
// default only where that default exists.
func (s *Supervisor) resolveUncached(hint string) (string, error) {
	if hint != "" {
		path, err := s.lookPath(hint)
		if err != nil {
			return "", fmt.Errorf("%w: %q not found", ErrNoInterpreter, hint)
		}
		return path, nil
	}

	if path, err := s.lookPath(primaryName); err == nil {
		return path, nil
	}
	if runtime.GOOS == "windows" {
		if path, err := s.lookPath(windowsFallback); err == nil {
			return path, nil
		}
	}
	return "", ErrNoInterpreter
}

func (s *Supervisor) spawn(ctx context.Context, path string) (*Handle, error) {
	ctx, span := otel.Tracer("pestle").Start(ctx, tracing.SpanSpawn,
		trace.WithAttributes(attribute.String(tracing.AttrProcessPath, path)))
	defer span.End()

	cmd := s.factory(ctx, path, spawnArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	h := &Handle{
		cmd:    cmd,
		stdin:  stdin,
		path:   path,
		pid:    cmd.Process.Pid,
		lines:  make(chan string, 256),
		stderr: make(chan string, 64),
		alive:  true,
	}

	span.SetAttributes(attribute.Int(tracing.AttrProcessPID, h.pid))
	span.AddEvent(tracing.EventProcessSpawned)
	log.Info(log.CatProc, "interpreter started", "path", path, "pid", h.pid)

	go frameLines(stdout, h.lines)
	go frameLines(stderr, h.stderr)
	go func() {
		err := cmd.Wait()
		h.setDead()
		log.Debug(log.CatProc, "interpreter exited", "pid", h.pid, "err", err)
	}()

	return h, nil
}

// frameLines splits a raw byte stream into newline-delimited records.
// The channel closes when the stream ends.
func frameLines(r io.Reader, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	// Large discovery payloads arrive as single lines (64KB initial, 1MB max).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		out <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatProc, "scanner error", "error", err)
	}
}
