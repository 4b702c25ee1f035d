package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zjrosen/pestle/internal/config"
	"github.com/zjrosen/pestle/internal/controller"
	"github.com/zjrosen/pestle/internal/history"
	"github.com/zjrosen/pestle/internal/powershell"
	"github.com/zjrosen/pestle/internal/runner"
	"github.com/zjrosen/pestle/internal/scripts"
	"github.com/zjrosen/pestle/internal/tracing"
	"github.com/zjrosen/pestle/internal/tree"
)

// bridge bundles the controller with everything that has to be torn down
// with it.
type bridge struct {
	controller *controller.Controller
	tracing    *tracing.Provider
	db         *sql.DB
}

func (b *bridge) close() {
	_ = b.controller.Close()
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.tracing != nil {
		_ = b.tracing.Shutdown(context.Background())
	}
}

// newBridge assembles the full stack from the loaded config: wrapper
// script, supervisor, runner, tracing, optional history, controller.
func newBridge(onProgress controller.ProgressFunc) (*bridge, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	wrapper, err := scripts.Extract(filepath.Join(os.TempDir(), "pestle-scripts"))
	if err != nil {
		return nil, fmt.Errorf("extracting wrapper script: %w", err)
	}

	tracingCfg := cfg.Tracing
	if tracingCfg.Enabled && tracingCfg.Exporter == "file" && tracingCfg.FilePath == "" {
		tracingCfg.FilePath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	b := &bridge{tracing: provider}

	if cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = config.DefaultHistoryPath()
		}
		db, err := history.NewDB(path)
		if err != nil {
			b.tracing = nil
			_ = provider.Shutdown(context.Background())
			return nil, err
		}
		b.db = db
	}

	sup := powershell.NewSupervisor()
	policy := runner.PolicyFailInvocation
	if cfg.OnTerminatingError == "restart-process" {
		policy = runner.PolicyRestartProcess
	}

	opts := controller.Options{
		Config:      cfg,
		Supervisor:  sup,
		WrapperPath: wrapper,
		Tracer:      provider.Tracer(),
		OnProgress:  onProgress,
	}
	if b.db != nil {
		opts.History = history.NewRunRepository(b.db)
	}

	c, err := controller.New(runner.NewRunner(sup, policy), opts)
	if err != nil {
		if b.db != nil {
			_ = b.db.Close()
		}
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	b.controller = c
	return b, nil
}

// parseTarget splits a "path" or "path:line" argument.
func parseTarget(arg string) runner.Target {
	if i := strings.LastIndex(arg, ":"); i > 0 {
		if line, err := strconv.Atoi(arg[i+1:]); err == nil && line > 0 {
			return runner.Target{File: arg[:i], Line: line}
		}
	}
	return runner.Target{File: arg}
}

// nodeJSON is the serialized tree shape printed by discover and emitted by
// the daemon.
type nodeJSON struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	File      string      `json:"file,omitempty"`
	StartLine int         `json:"startLine,omitempty"`
	EndLine   int         `json:"endLine,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
	Error     string      `json:"error,omitempty"`
	Children  []*nodeJSON `json:"children,omitempty"`
}

// treeJSON nests the tree for output. The walk visits parents before their
// children, so every node's parent is already indexed when it is reached.
func treeJSON(tr *tree.Tree) []*nodeJSON {
	var roots []*nodeJSON
	index := make(map[tree.NodeID]*nodeJSON)
	tr.Walk("", func(n tree.Node) bool {
		j := &nodeJSON{
			ID:        string(n.ID),
			Label:     n.Label,
			File:      n.File,
			StartLine: n.StartLine,
			EndLine:   n.EndLine,
			Tags:      n.Tags,
			Error:     n.Err,
		}
		index[n.ID] = j
		if parent, ok := index[n.Parent]; ok && n.Parent != "" {
			parent.Children = append(parent.Children, j)
		} else {
			roots = append(roots, j)
		}
		return true
	})
	return roots
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
