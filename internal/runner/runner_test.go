package runner

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/pestle/internal/powershell"
	"github.com/zjrosen/pestle/internal/stream"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter requires sh/cat")
	}
}

// newCatRunner wires a Runner over a cat process standing in for the
// interpreter. Tests drive output through Invocation.Source so the echoed
// command line is not mistaken for wire output.
func newCatRunner(t *testing.T, policy TerminatingErrorPolicy) (*Runner, *powershell.Supervisor) {
	t.Helper()
	sup := powershell.NewSupervisor(
		powershell.WithLookPath(func(string) (string, error) { return "/usr/bin/pwsh", nil }),
		powershell.WithCommandFactory(func(ctx context.Context, name string, args ...string) *exec.Cmd {
			return exec.Command("cat")
		}),
	)
	t.Cleanup(sup.Reset)
	return NewRunner(sup, policy), sup
}

func feed(lines ...string) chan string {
	src := make(chan string, len(lines)+8)
	for _, l := range lines {
		src <- l
	}
	return src
}

func sentinelFor(id string) string {
	return `{"__PSINVOCATIONID":"` + id + `","finished":true}`
}

func TestRunner_InvokeSettlesOnSentinel(t *testing.T) {
	skipOnWindows(t)
	r, _ := newCatRunner(t, PolicyFailInvocation)

	streams := stream.NewStreams(8)
	inv := Invocation{
		ID:      "inv-1",
		Command: `{"submitted":true}`,
		Source:  feed(`{"Test":5}`, sentinelFor("inv-1")),
	}

	err := r.Invoke(context.Background(), inv, streams, Options{})
	require.NoError(t, err)
	require.Len(t, streams.Success, 1)
	require.False(t, r.Busy())
}

func TestRunner_QueuedInvocationsRunFIFO(t *testing.T) {
	skipOnWindows(t)
	r, sup := newCatRunner(t, PolicyFailInvocation)

	// Pre-spawn so the test can observe command submissions via cat's echo.
	h, err := sup.Ensure(context.Background(), "")
	require.NoError(t, err)

	src1 := feed()
	src2 := feed(sentinelFor("inv-2"))

	done1 := make(chan error, 1)
	done2 := make(chan error, 1)

	go func() {
		done1 <- r.Invoke(context.Background(), Invocation{
			ID: "inv-1", Command: `{"cmd":1}`, Source: src1,
		}, stream.NewStreams(8), Options{})
	}()

	// First command reaches the process input.
	select {
	case line := <-h.Lines():
		require.Equal(t, `{"cmd":1}`, line)
	case <-time.After(2 * time.Second):
		t.Fatal("first command was not written")
	}

	go func() {
		done2 <- r.Invoke(context.Background(), Invocation{
			ID: "inv-2", Command: `{"cmd":2}`, Source: src2,
		}, stream.NewStreams(8), Options{})
	}()

	// Second command must not be written while the first is in flight.
	select {
	case line := <-h.Lines():
		t.Fatalf("second command written before first finished: %s", line)
	case <-time.After(100 * time.Millisecond):
	}

	src1 <- sentinelFor("inv-1")
	require.NoError(t, <-done1)

	select {
	case line := <-h.Lines():
		require.Equal(t, `{"cmd":2}`, line)
	case <-time.After(2 * time.Second):
		t.Fatal("second command was not written after first settled")
	}
	require.NoError(t, <-done2)
}

func TestRunner_CancelExistingReplacesProcess(t *testing.T) {
	skipOnWindows(t)
	r, sup := newCatRunner(t, PolicyFailInvocation)

	h1, err := sup.Ensure(context.Background(), "")
	require.NoError(t, err)
	pid1 := h1.PID()

	done1 := make(chan error, 1)
	go func() {
		done1 <- r.Invoke(context.Background(), Invocation{
			ID: "inv-1", Command: `{"cmd":1}`, Source: feed(),
		}, stream.NewStreams(8), Options{})
	}()

	// Let the first invocation take the slot.
	require.Eventually(t, r.Busy, 2*time.Second, 10*time.Millisecond)

	err = r.Invoke(context.Background(), Invocation{
		ID: "inv-2", Command: `{"cmd":2}`, Source: feed(sentinelFor("inv-2")),
	}, stream.NewStreams(8), Options{CancelExisting: true})
	require.NoError(t, err)

	// The first promise settled via the synthetic sentinel, not an error.
	select {
	case err := <-done1:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled invocation did not settle")
	}

	h2 := sup.Handle()
	require.NotNil(t, h2)
	require.NotEqual(t, pid1, h2.PID(), "cancellation must replace the process")
}

func TestRunner_TerminatingStderrFailsInvocation(t *testing.T) {
	skipOnWindows(t)
	sup := powershell.NewSupervisor(
		powershell.WithLookPath(func(string) (string, error) { return "/usr/bin/pwsh", nil }),
		powershell.WithCommandFactory(func(ctx context.Context, name string, args ...string) *exec.Cmd {
			// Echo stdin to stderr: the submitted command becomes a
			// terminating error line.
			return exec.Command("sh", "-c", "cat >&2")
		}),
	)
	t.Cleanup(sup.Reset)
	r := NewRunner(sup, PolicyFailInvocation)
	r.drainTimeout = 100 * time.Millisecond

	err := r.Invoke(context.Background(), Invocation{
		ID: "inv-1", Command: `{"cmd":1}`, Source: feed(),
	}, stream.NewStreams(8), Options{})

	var termErr *TerminatingScriptError
	require.ErrorAs(t, err, &termErr)
	require.Equal(t, `{"cmd":1}`, termErr.Message)

	// The failed invocation's sentinel never arrived, so the process
	// cannot be handed to the next invocation and is sacrificed.
	require.Nil(t, sup.Handle())
}

func TestRunner_TerminatingErrorDiscardsRemainingOutput(t *testing.T) {
	skipOnWindows(t)
	sup := powershell.NewSupervisor(
		powershell.WithLookPath(func(string) (string, error) { return "/usr/bin/pwsh", nil }),
		powershell.WithCommandFactory(func(ctx context.Context, name string, args ...string) *exec.Cmd {
			// Only the first submission becomes a terminating error line;
			// later submissions are swallowed.
			return exec.Command("sh", "-c", "head -n1 >&2; cat >/dev/null")
		}),
	)
	t.Cleanup(sup.Reset)
	r := NewRunner(sup, PolicyFailInvocation)

	// The failed invocation's straggler output lands after the stderr line
	// has already interrupted the pump.
	src := make(chan string, 8)
	go func() {
		time.Sleep(200 * time.Millisecond)
		src <- `{"stale":1}`
		src <- sentinelFor("inv-1")
	}()

	err := r.Invoke(context.Background(), Invocation{
		ID: "inv-1", Command: `{"cmd":1}`, Source: src,
	}, stream.NewStreams(8), Options{})

	var termErr *TerminatingScriptError
	require.ErrorAs(t, err, &termErr)

	// The straggler flushed up to inv-1's sentinel, so the process stays.
	require.NotNil(t, sup.Handle())

	// The next invocation reads the same source and must see none of it.
	s2 := stream.NewStreams(8)
	src <- sentinelFor("inv-2")
	err = r.Invoke(context.Background(), Invocation{
		ID: "inv-2", Command: `{"cmd":2}`, Source: src,
	}, s2, Options{})
	require.NoError(t, err)
	require.Empty(t, s2.Success)
}

func TestRunner_TerminatingErrorRestartPolicy(t *testing.T) {
	skipOnWindows(t)
	sup := powershell.NewSupervisor(
		powershell.WithLookPath(func(string) (string, error) { return "/usr/bin/pwsh", nil }),
		powershell.WithCommandFactory(func(ctx context.Context, name string, args ...string) *exec.Cmd {
			return exec.Command("sh", "-c", "cat >&2")
		}),
	)
	t.Cleanup(sup.Reset)
	r := NewRunner(sup, PolicyRestartProcess)

	err := r.Invoke(context.Background(), Invocation{
		ID: "inv-1", Command: `{"cmd":1}`, Source: feed(),
	}, stream.NewStreams(8), Options{})

	var termErr *TerminatingScriptError
	require.ErrorAs(t, err, &termErr)
	require.Nil(t, sup.Handle(), "restart-process policy clears the handle")
}

func TestRunner_DecodeErrorFailsInvocationOnly(t *testing.T) {
	skipOnWindows(t)
	r, sup := newCatRunner(t, PolicyFailInvocation)

	src := feed(`{"broken`, `{"after":1}`, sentinelFor("inv-1"))
	err := r.Invoke(context.Background(), Invocation{
		ID: "inv-1", Command: `{"cmd":1}`, Source: src,
	}, stream.NewStreams(8), Options{})

	var decErr *stream.DecodeError
	require.ErrorAs(t, err, &decErr)
	require.NotNil(t, sup.Handle(), "decode errors must not kill the process")

	// The lines after the bad one were flushed up to inv-1's sentinel, not
	// left queued for the next invocation.
	require.Empty(t, src)
}

func TestRunner_SpawnFailureIsSurfaced(t *testing.T) {
	sup := powershell.NewSupervisor(
		powershell.WithLookPath(func(string) (string, error) { return "/nonexistent/pwsh", nil }),
		powershell.WithCommandFactory(func(ctx context.Context, name string, args ...string) *exec.Cmd {
			return exec.Command("/nonexistent/pwsh")
		}),
	)
	r := NewRunner(sup, PolicyFailInvocation)

	err := r.Invoke(context.Background(), Invocation{
		ID: "inv-1", Command: `{"cmd":1}`,
	}, stream.NewStreams(8), Options{})
	require.Error(t, err)
	require.False(t, r.Busy())
}

func TestRunner_ProcessDeathMidInvocation(t *testing.T) {
	skipOnWindows(t)
	r, sup := newCatRunner(t, PolicyFailInvocation)

	done := make(chan error, 1)
	go func() {
		// Default source: the invocation consumes the process's own stdout.
		done <- r.Invoke(context.Background(), Invocation{
			ID: "inv-1", Command: `{"cmd":1}`,
		}, stream.NewStreams(8), Options{})
	}()

	require.Eventually(t, r.Busy, 2*time.Second, 10*time.Millisecond)
	sup.Reset()

	select {
	case err := <-done:
		require.ErrorIs(t, err, stream.ErrSourceClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("invocation did not settle on process death")
	}
}

func TestRunner_FreshProcessOption(t *testing.T) {
	skipOnWindows(t)
	r, sup := newCatRunner(t, PolicyFailInvocation)

	h1, err := sup.Ensure(context.Background(), "")
	require.NoError(t, err)
	pid1 := h1.PID()

	err = r.Invoke(context.Background(), Invocation{
		ID: "inv-1", Command: `{"cmd":1}`, Source: feed(sentinelFor("inv-1")),
	}, stream.NewStreams(8), Options{FreshProcess: true})
	require.NoError(t, err)

	h2 := sup.Handle()
	require.NotNil(t, h2)
	require.NotEqual(t, pid1, h2.PID())
}

func TestCommand_Line(t *testing.T) {
	cmd := Command{
		ScriptPath:   "/tmp/pestle/invoke.ps1",
		InvocationID: "inv-9",
		PipeName:     "pestle-abc",
		Verbosity:    "Detailed",
		Discovery:    true,
		Targets: []Target{
			{File: "/src/a.Tests.ps1"},
			{File: "/src/b.Tests.ps1", Line: 12},
		},
	}

	require.Equal(t,
		`& '/tmp/pestle/invoke.ps1' -InvocationId 'inv-9' -PipeName 'pestle-abc' -Verbosity 'Detailed' -Discovery '/src/a.Tests.ps1' '/src/b.Tests.ps1:12'`,
		cmd.Line())
}

func TestCommand_LineQuotesSingleQuotes(t *testing.T) {
	cmd := Command{
		ScriptPath:   `/tmp/o'brien/invoke.ps1`,
		InvocationID: "inv-1",
	}
	require.Equal(t, `& '/tmp/o''brien/invoke.ps1' -InvocationId 'inv-1'`, cmd.Line())
}

func TestNewInvocation_GeneratesID(t *testing.T) {
	inv := NewInvocation(Command{ScriptPath: "/tmp/invoke.ps1"})
	require.NotEmpty(t, inv.ID)
	require.Contains(t, inv.Command, inv.ID)
}
