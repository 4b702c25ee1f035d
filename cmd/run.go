package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/pestle/internal/controller"
	"github.com/zjrosen/pestle/internal/runner"
	"github.com/zjrosen/pestle/internal/tree"
)

var (
	runExclude []string
	runIDs     []string
)

var runCmd = &cobra.Command{
	Use:   "run <targets...>",
	Short: "Run tests and print the result summary as JSON",
	Long: `Run tests in the given files and print per-test results plus a summary
as JSON. A target is a file path, optionally pinned to a single test by
line number:

  pestle run math.tests.ps1
  pestle run math.tests.ps1:14 string.tests.ps1

With --id, only the named discovered tests run; the files are still
discovered first so the IDs can be resolved to locations:

  pestle run --id 'math.tests.ps1>Add>sums' math.tests.ps1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVar(&runExclude, "exclude", nil,
		"test IDs excluded from reporting (may repeat; excluded tests still execute)")
	runCmd.Flags().StringArrayVar(&runIDs, "id", nil,
		"run only the named discovered test IDs (may repeat)")
}

func runRun(_ *cobra.Command, args []string) error {
	cleanup, err := initLogging("pestle-run")
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := newBridge(nil)
	if err != nil {
		return err
	}
	defer b.close()

	ctx := context.Background()

	// Tests run against the discovered tree, so discover the target files
	// first when the tree is empty.
	files := make([]string, 0, len(args))
	targets := make([]runner.Target, 0, len(args))
	for _, arg := range args {
		target := parseTarget(arg)
		files = append(files, target.File)
		targets = append(targets, target)
	}
	if err := b.controller.DiscoverFiles(ctx, files...); err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	if len(runIDs) > 0 {
		targets = targets[:0]
		tr := b.controller.Tree()
		for _, id := range runIDs {
			node, ok := tr.Node(tree.NodeID(id))
			if !ok {
				return fmt.Errorf("no discovered test with id %q", id)
			}
			targets = append(targets, runner.Target{File: node.File, Line: node.StartLine})
		}
	}

	exclude := make([]tree.NodeID, len(runExclude))
	for i, id := range runExclude {
		exclude[i] = tree.NodeID(id)
	}

	summary, err := b.controller.RunTests(ctx, controller.RunRequest{
		Targets: targets,
		Exclude: exclude,
	})
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return printJSON(summary)
}
