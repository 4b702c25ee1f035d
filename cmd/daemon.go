package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/pestle/internal/controller"
	"github.com/zjrosen/pestle/internal/log"
	"github.com/zjrosen/pestle/internal/runner"
	"github.com/zjrosen/pestle/internal/tree"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the long-lived editor bridge",
	Long: `Run the bridge as a long-lived process speaking newline-delimited JSON:
commands on stdin, events on stdout.

Commands:
  {"command": "discover", "files": ["a.tests.ps1"]}
  {"command": "run", "targets": ["a.tests.ps1", "b.tests.ps1:14"], "exclude": ["id"]}
  {"command": "cancel"}
  {"command": "reset"}

Events mirror the command that produced them (discovered, runFinished) plus
progress and error events.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// daemonCommand is one decoded stdin line.
type daemonCommand struct {
	Command string   `json:"command"`
	Files   []string `json:"files,omitempty"`
	Targets []string `json:"targets,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// eventWriter serializes concurrent event emission onto one stream.
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventWriter(w io.Writer) *eventWriter {
	return &eventWriter{enc: json.NewEncoder(w)}
}

func (w *eventWriter) emit(event string, fields map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := map[string]any{"event": event}
	for k, v := range fields {
		payload[k] = v
	}
	if err := w.enc.Encode(payload); err != nil {
		log.ErrorErr(log.CatRun, "failed to emit event", err, "event", event)
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging("pestle-daemon")
	if err != nil {
		return err
	}
	defer cleanup()

	events := newEventWriter(os.Stdout)

	b, err := newBridge(func(raw json.RawMessage) {
		events.emit("progress", map[string]any{"payload": raw})
	})
	if err != nil {
		return err
	}
	defer b.close()

	b.controller.SetOnTreeUpdated(func() {
		events.emit("tree", map[string]any{"nodes": treeJSON(b.controller.Tree())})
	})

	if name := b.controller.PipeName(); name != "" {
		events.emit("ready", map[string]any{"pipeName": name})
	} else {
		events.emit("ready", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// Runs execute off the read loop so a cancel command can still be read
	// while an invocation is in flight.
	var running sync.WaitGroup
	defer running.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Editor hung up.
				return nil
			}
			if line == "" {
				continue
			}
			var cmd daemonCommand
			if err := json.Unmarshal([]byte(line), &cmd); err != nil {
				events.emit("error", map[string]any{"message": fmt.Sprintf("malformed command: %v", err)})
				continue
			}
			dispatch(ctx, b.controller, events, &running, cmd)
		}
	}
}

func dispatch(ctx context.Context, c *controller.Controller, events *eventWriter, running *sync.WaitGroup, cmd daemonCommand) {
	switch cmd.Command {
	case "discover":
		// Queue and debounce so editors can fire one command per opened
		// file without paying interpreter startup per file.
		c.EnqueueDiscovery(cmd.Files...)
		events.emit("discoveryQueued", map[string]any{"files": cmd.Files})

	case "run":
		targets := make([]runner.Target, len(cmd.Targets))
		for i, t := range cmd.Targets {
			targets[i] = parseTarget(t)
		}
		exclude := make([]tree.NodeID, len(cmd.Exclude))
		for i, id := range cmd.Exclude {
			exclude[i] = tree.NodeID(id)
		}

		running.Add(1)
		go func() {
			defer running.Done()
			summary, err := c.RunTests(ctx, controller.RunRequest{
				Targets:        targets,
				Exclude:        exclude,
				CancelExisting: true,
			})
			if err != nil {
				events.emit("error", map[string]any{"message": err.Error()})
				return
			}
			events.emit("runFinished", map[string]any{"summary": summary})
			events.emit("tree", map[string]any{"nodes": treeJSON(c.Tree())})
		}()

	case "cancel":
		c.CancelRun()
		events.emit("cancelled", nil)

	case "reset":
		c.Reset()
		events.emit("resetDone", nil)

	default:
		events.emit("error", map[string]any{"message": fmt.Sprintf("unknown command %q", cmd.Command)})
	}
}
