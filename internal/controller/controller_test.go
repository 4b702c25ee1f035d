package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/pestle/internal/config"
	"github.com/zjrosen/pestle/internal/history"
	"github.com/zjrosen/pestle/internal/powershell"
	"github.com/zjrosen/pestle/internal/runner"
	"github.com/zjrosen/pestle/internal/testutil"
	"github.com/zjrosen/pestle/internal/tree"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter requires sh")
	}
}

const discoveryFixture = `{"id":"math.tests.ps1","label":"math.tests.ps1","parent":"","file":"math.tests.ps1"}
{"id":"math>Add","label":"Add","parent":"math.tests.ps1","file":"math.tests.ps1","startLine":1,"endLine":12}
{"id":"math>Add>sum","label":"adds two numbers","parent":"math>Add","file":"math.tests.ps1","startLine":2,"endLine":5}
{"id":"math>Add>neg","label":"adds negatives","parent":"math>Add","file":"math.tests.ps1","startLine":6,"endLine":9}
`

const runFixture = `{"__PSStream":"Warning","message":"slow test"}
{"id":"math>Add>sum","type":"Test","result":"Running"}
{"__PSStream":"Progress","percent":50}
{"id":"math>Add>sum","type":"Test","result":"Passed","duration":12.5}
{"id":"math>Add>neg","type":"Test","result":"Failed","duration":3.5,"message":"Expected 0, but got -2.","expected":"0","actual":"-2","targetFile":"math.tests.ps1","targetLine":7}
`

// fakeInterpreter builds a command factory whose process answers each stdin
// submission with a canned fixture followed by the matching sentinel.
func fakeInterpreter(t *testing.T, discovery, run, delay string) powershell.CommandFactoryFunc {
	t.Helper()
	dir := t.TempDir()
	discPath := filepath.Join(dir, "discovery.jsonl")
	runPath := filepath.Join(dir, "run.jsonl")
	require.NoError(t, os.WriteFile(discPath, []byte(discovery), 0o600))
	require.NoError(t, os.WriteFile(runPath, []byte(run), 0o600))

	script := fmt.Sprintf(`while IFS= read -r line; do
  id=$(printf '%%s' "$line" | sed "s/.*-InvocationId '\([^']*\)'.*/\1/")
  case "$line" in
    *" -Discovery"*) cat %q ;;
    *) cat %q ;;
  esac
  sleep %s
  printf '{"__PSINVOCATIONID": "%%s", "finished": true}\n' "$id"
done`, discPath, runPath, delay)

	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
}

func newTestController(t *testing.T, cfg config.Config, factory powershell.CommandFactoryFunc, opts Options) *Controller {
	t.Helper()
	sup := powershell.NewSupervisor(
		powershell.WithLookPath(func(string) (string, error) { return "/usr/bin/pwsh", nil }),
		powershell.WithCommandFactory(factory),
	)

	opts.Config = cfg
	opts.Supervisor = sup
	if opts.WrapperPath == "" {
		opts.WrapperPath = "/opt/pestle/Invoke-PestleTests.ps1"
	}

	c, err := New(runner.NewRunner(sup, runner.PolicyFailInvocation), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func quietConfig() config.Config {
	cfg := config.Defaults()
	cfg.Listener.Enabled = false
	cfg.DebounceInterval = 20 * time.Millisecond
	return cfg
}

func TestController_DiscoverFilesPopulatesTree(t *testing.T) {
	skipOnWindows(t)
	c := newTestController(t, quietConfig(), fakeInterpreter(t, discoveryFixture, runFixture, "0"), Options{})

	require.NoError(t, c.DiscoverFiles(context.Background(), "math.tests.ps1"))

	tr := c.Tree()
	require.Equal(t, 4, tr.Len())
	require.Equal(t, []tree.NodeID{"math>Add>sum", "math>Add>neg"}, tr.Children("math>Add"))

	node, ok := tr.Node("math>Add>sum")
	require.True(t, ok)
	require.Equal(t, "adds two numbers", node.Label)
}

func TestController_RediscoveryReplacesChildren(t *testing.T) {
	skipOnWindows(t)
	c := newTestController(t, quietConfig(), fakeInterpreter(t, discoveryFixture, runFixture, "0"), Options{})

	require.NoError(t, c.DiscoverFiles(context.Background(), "math.tests.ps1"))
	require.NoError(t, c.DiscoverFiles(context.Background(), "math.tests.ps1"))

	require.Equal(t, 4, c.Tree().Len())
}

func TestController_EnqueueDiscoveryDebounces(t *testing.T) {
	skipOnWindows(t)
	c := newTestController(t, quietConfig(), fakeInterpreter(t, discoveryFixture, runFixture, "0"), Options{})

	c.EnqueueDiscovery("math.tests.ps1")
	c.EnqueueDiscovery("math.tests.ps1")
	c.EnqueueDiscovery("other.tests.ps1")

	require.Eventually(t, func() bool {
		return c.Tree().Len() == 4
	}, 5*time.Second, 20*time.Millisecond)
}

func TestController_RunTestsProjectsResults(t *testing.T) {
	skipOnWindows(t)
	var progress atomic.Int32
	c := newTestController(t, quietConfig(), fakeInterpreter(t, discoveryFixture, runFixture, "0"), Options{
		OnProgress: func(json.RawMessage) { progress.Add(1) },
	})

	ctx := context.Background()
	require.NoError(t, c.DiscoverFiles(ctx, "math.tests.ps1"))

	summary, err := c.RunTests(ctx, RunRequest{
		Targets: []runner.Target{{File: "math.tests.ps1"}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.Passed)
	require.Equal(t, 1, summary.Failed)

	failed := summary.Results["math>Add>neg"]
	require.Equal(t, tree.StatusFailed, failed.Status)
	require.Contains(t, failed.Message, "Expected 0, but got -2.")
	require.Contains(t, failed.Message, "[-0-]")
	require.Contains(t, failed.Message, "[+-2+]")
	require.Equal(t, "math.tests.ps1", failed.TargetFile)
	require.Equal(t, 7, failed.TargetLine)

	require.Equal(t, int32(1), progress.Load())
}

func TestController_RunRespectsExclusions(t *testing.T) {
	skipOnWindows(t)
	c := newTestController(t, quietConfig(), fakeInterpreter(t, discoveryFixture, runFixture, "0"), Options{})

	ctx := context.Background()
	require.NoError(t, c.DiscoverFiles(ctx, "math.tests.ps1"))

	summary, err := c.RunTests(ctx, RunRequest{
		Targets: []runner.Target{{File: "math.tests.ps1"}},
		Exclude: []tree.NodeID{"math>Add>neg"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 0, summary.Failed)
	_, reported := summary.Results["math>Add>neg"]
	require.False(t, reported)
}

func TestController_OrphanDiscoveryIsFatal(t *testing.T) {
	skipOnWindows(t)
	orphan := `{"id":"lost>test","label":"lost","parent":"never-emitted","file":"lost.tests.ps1"}
`
	c := newTestController(t, quietConfig(), fakeInterpreter(t, orphan, runFixture, "0"), Options{})

	err := c.DiscoverFiles(context.Background(), "lost.tests.ps1")
	require.ErrorIs(t, err, tree.ErrOrphanedRecord)
}

func TestController_SideChannelRecordsReconciled(t *testing.T) {
	skipOnWindows(t)
	cfg := quietConfig()
	cfg.Listener.Enabled = true

	// The interpreter emits no discovery records of its own and holds the
	// sentinel back long enough for the side channel to speak first.
	c := newTestController(t, cfg, fakeInterpreter(t, "", "", "0.5"), Options{})
	require.NotEmpty(t, c.PipeName())

	done := make(chan error, 1)
	go func() {
		done <- c.DiscoverFiles(context.Background(), "side.tests.ps1")
	}()

	addr := filepath.Join(os.TempDir(), c.PipeName()+".sock")
	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("unix", addr)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer func() { _ = conn.Close() }()

	_, err := conn.Write([]byte(`{"id":"side.tests.ps1","label":"side.tests.ps1","parent":"","file":"side.tests.ps1"}` + "\n"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("discovery did not settle")
	}

	_, ok := c.Tree().Node("side.tests.ps1")
	require.True(t, ok, "side-channel record should reach the tree")
}

func TestController_HistoryPersistsRuns(t *testing.T) {
	skipOnWindows(t)
	repo := history.NewRunRepository(testutil.NewTestDB(t))
	c := newTestController(t, quietConfig(), fakeInterpreter(t, discoveryFixture, runFixture, "0"), Options{
		History: repo,
	})

	ctx := context.Background()
	require.NoError(t, c.DiscoverFiles(ctx, "math.tests.ps1"))

	summary, err := c.RunTests(ctx, RunRequest{Targets: []runner.Target{{File: "math.tests.ps1"}}})
	require.NoError(t, err)
	require.NotEmpty(t, summary.HistoryID)

	runs, err := repo.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, summary.HistoryID, runs[0].ID)
	require.Equal(t, 2, runs[0].Total)
}

func TestController_CancelRunSettlesInvocation(t *testing.T) {
	skipOnWindows(t)
	// Long sentinel delay keeps the invocation in flight until cancelled.
	c := newTestController(t, quietConfig(), fakeInterpreter(t, discoveryFixture, runFixture, "30"), Options{})

	done := make(chan error, 1)
	go func() {
		done <- c.DiscoverFiles(context.Background(), "math.tests.ps1")
	}()

	require.Eventually(t, c.Busy, 2*time.Second, 10*time.Millisecond)
	c.CancelRun()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled invocation did not settle")
	}
}
